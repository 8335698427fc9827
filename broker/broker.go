package broker

import (
	"context"
	"encoding/json"
)

// Message is the envelope carried over a MessageBroker channel. ClientID and
// ServerID route a message back to the gateway instance and session that
// should receive it; Data carries the channel-specific payload (an
// extensionHostDebugBroadcast event).
type Message struct {
	ClientID string      `json:"client_id"`
	ServerID string      `json:"server_id"`
	Data     interface{} `json:"data"`
}

// MarshalBinary implements encoding.BinaryMarshaler so a Message can be
// published directly through go-redis.
func (m Message) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

// MessageBroker is the cross-instance fan-out substrate used by the RPC
// Channel Registry to route extensionHostDebugBroadcast events to whichever
// gateway instance holds the subscribing management session. Filesystem
// watch events do not go through it.
type MessageBroker interface {
	// Publish sends a message on the given channel.
	Publish(ctx context.Context, channel string, message Message) error
	// Subscribe returns a channel of messages published on the given channel.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)
	// Type reports the broker implementation, used as a metrics label.
	Type() string
	// Close releases broker resources.
	Close() error
}
