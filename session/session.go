package session

import (
	"context"
	"time"
)

// Kind distinguishes the two disjoint token keyspaces of the Reconnection
// Registry: a management token and an extension-host token never collide.
type Kind string

const (
	KindManagement    Kind = "management"
	KindExtensionHost Kind = "extensionHost"
)

// Presence records which gateway instance currently owns a reconnection
// token, for cross-instance introspection only. It is explicitly not a
// reconnect-across-restart mechanism: the Reconnection Registry itself
// (package registry) is the source of truth and lives entirely in memory;
// persistence across gateway restarts is out of scope.
type Presence struct {
	Token       string    `json:"token"`
	Kind        Kind      `json:"kind"`
	ServerID    string    `json:"server_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Directory publishes and looks up Presence records across gateway
// instances sharing the same backing store.
type Directory interface {
	// Put records that this instance owns token.
	Put(ctx context.Context, p *Presence) error
	// Get retrieves the Presence for a token, or nil if absent.
	Get(ctx context.Context, token string) (*Presence, error)
	// Remove deletes the Presence record for a token.
	Remove(ctx context.Context, token string) error
	// Refresh extends the TTL on a Presence record.
	Refresh(ctx context.Context, token string) error
}
