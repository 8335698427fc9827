package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoChannel struct{}

func (echoChannel) Call(ctx CallContext, command string, args json.RawMessage) (interface{}, error) {
	return command, nil
}

func (echoChannel) Listen(ctx CallContext, event string, args json.RawMessage) (*EventStream, error) {
	ch := make(chan interface{}, 1)
	ch <- event
	return &EventStream{C: ch, Close: func() {}}, nil
}

func TestDispatcherRoutesCallToRegisteredChannel(t *testing.T) {
	d := NewDispatcher()
	d.Register("logger", echoChannel{})

	result, err := d.Call(CallContext{}, "logger", "log", nil)
	require.NoError(t, err)
	assert.Equal(t, "log", result)
}

func TestDispatcherCallOnUnknownChannelFails(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Call(CallContext{}, "nope", "log", nil)
	assert.Error(t, err)
}

func TestDispatcherListenRoutesToChannel(t *testing.T) {
	d := NewDispatcher()
	d.Register("extensions", echoChannel{})

	stream, err := d.Listen(CallContext{}, "extensions", "filechange", nil)
	require.NoError(t, err)
	assert.Equal(t, "filechange", <-stream.C)
	stream.Close()
}
