package rpc

import (
	"context"
	"encoding/json"
	"log"

	"github.com/abdelmounim-dev/workbench-gateway/protocol"
)

// envelope is the wire contract riding on the Persistent Protocol's regular
// message channel: one JSON object per call/listen/unlisten request or
// response. The persistent protocol itself only promises ordered delivery
// of opaque payloads; this envelope is the dispatcher's own framing on top
// of that (see DESIGN.md for why JSON).
type envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"` // "call", "listen", "unlisten"
	Channel string          `json:"channel"`
	Command string          `json:"command,omitempty"` // for "call"
	Event   string          `json:"event,omitempty"`   // for "listen"
	Args    json.RawMessage `json:"args,omitempty"`

	// Response/event fields, set on replies sent back to the client.
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Stream string          `json:"stream,omitempty"` // "data" or "end"
}

// Serve drives one management session's regular-message channel against
// dispatcher until ctx is cancelled (disposing proto does not close its
// regular-message channel, so it does not end Serve), processing one
// envelope at a time on this goroutine so work for a session stays
// serialized in the order it arrives.
func Serve(ctx context.Context, proto *protocol.Protocol, dispatcher *Dispatcher, remoteAuthority string, prefix string) {
	transformer := NewURITransformer(remoteAuthority)
	streams := make(map[string]func())

	defer func() {
		for _, cancel := range streams {
			cancel()
		}
	}()

	msgs := proto.OnRegularMessage()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				log.Printf("[%s] rpc: malformed envelope: %v", prefix, err)
				continue
			}
			handleEnvelope(ctx, proto, dispatcher, transformer, remoteAuthority, prefix, env, streams)
		}
	}
}

func handleEnvelope(ctx context.Context, proto *protocol.Protocol, dispatcher *Dispatcher, transformer *URITransformer, remoteAuthority, prefix string, env envelope, streams map[string]func()) {
	callCtx := CallContext{Context: ctx, RemoteAuthority: remoteAuthority, Transformer: transformer}

	switch env.Kind {
	case "call":
		result, err := dispatcher.Call(callCtx, env.Channel, env.Command, env.Args)
		reply := envelope{ID: env.ID}
		if err != nil {
			reply.OK = false
			reply.Error = err.Error()
		} else {
			reply.OK = true
			if b, merr := json.Marshal(result); merr == nil {
				reply.Result = b
			}
		}
		sendEnvelope(proto, reply, prefix)

	case "listen":
		stream, err := dispatcher.Listen(callCtx, env.Channel, env.Event, env.Args)
		if err != nil {
			sendEnvelope(proto, envelope{ID: env.ID, OK: false, Error: err.Error()}, prefix)
			return
		}
		streams[env.ID] = stream.Close
		go pumpStream(proto, env.ID, stream, prefix)

	case "unlisten":
		if cancel, ok := streams[env.ID]; ok {
			cancel()
			delete(streams, env.ID)
		}

	default:
		log.Printf("[%s] rpc: unknown envelope kind %q", prefix, env.Kind)
	}
}

func pumpStream(proto *protocol.Protocol, id string, stream *EventStream, prefix string) {
	for payload := range stream.C {
		b, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[%s] rpc: marshaling stream payload: %v", prefix, err)
			continue
		}
		sendEnvelope(proto, envelope{ID: id, Stream: "data", Result: b}, prefix)
	}
	sendEnvelope(proto, envelope{ID: id, Stream: "end"}, prefix)
}

func sendEnvelope(proto *protocol.Protocol, env envelope, prefix string) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Printf("[%s] rpc: marshaling envelope: %v", prefix, err)
		return
	}
	if err := proto.Send(b); err != nil {
		log.Printf("[%s] rpc: sending envelope: %v", prefix, err)
	}
}
