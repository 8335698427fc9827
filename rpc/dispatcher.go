package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// CallContext carries the per-call identity: the session's remote
// authority and the URI transformer built from it.
type CallContext struct {
	Context         context.Context
	RemoteAuthority string
	Transformer     *URITransformer
}

// EventStream is the result of a Listen call: a channel of payloads and a
// Close function the dispatcher calls once the last subscriber
// unsubscribes.
type EventStream struct {
	C     <-chan interface{}
	Close func()
}

// Channel is one named IPC channel: call for request/response, listen for
// event streams.
type Channel interface {
	Call(ctx CallContext, command string, args json.RawMessage) (interface{}, error)
	Listen(ctx CallContext, event string, args json.RawMessage) (*EventStream, error)
}

// Dispatcher is the IPC server multiplexer: it routes calls and listens to
// the named channel they target.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewDispatcher creates an empty multiplexer.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{channels: make(map[string]Channel)}
}

// Register attaches a channel under name, replacing any previous
// registration (used by the Session Broker's wiring code at startup).
func (d *Dispatcher) Register(name string, ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[name] = ch
}

func (d *Dispatcher) lookup(name string) (Channel, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	if !ok {
		return nil, fmt.Errorf("rpc: unknown channel %q", name)
	}
	return ch, nil
}

// Call routes a call(ctx, command, args) to the named channel.
func (d *Dispatcher) Call(ctx CallContext, channel, command string, args json.RawMessage) (interface{}, error) {
	ch, err := d.lookup(channel)
	if err != nil {
		return nil, err
	}
	return ch.Call(ctx, command, args)
}

// Listen routes a listen(ctx, event, args) to the named channel.
func (d *Dispatcher) Listen(ctx CallContext, channel, event string, args json.RawMessage) (*EventStream, error) {
	ch, err := d.lookup(channel)
	if err != nil {
		return nil, err
	}
	return ch.Listen(ctx, event, args)
}
