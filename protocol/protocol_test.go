package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeHeader(t *testing.T) {
	wire := encode(kindControl, 42, []byte("payload"))
	require.Len(t, wire, 9+len("payload"))
	assert.Equal(t, byte(kindControl), wire[0])
	assert.Equal(t, []byte("payload"), wire[9:])
}

func TestDispatchRoutesByKind(t *testing.T) {
	p := New(nil, 0)

	require.NoError(t, p.dispatch(encode(kindControl, 0, []byte("ctrl"))))
	require.NoError(t, p.dispatch(encode(kindRegular, 1, []byte("reg"))))

	select {
	case msg := <-p.OnControlMessage():
		assert.Equal(t, []byte("ctrl"), msg)
	default:
		t.Fatal("expected a buffered control message")
	}

	select {
	case msg := <-p.OnRegularMessage():
		assert.Equal(t, []byte("reg"), msg)
	default:
		t.Fatal("expected a buffered regular message")
	}
}

func TestDispatchRejectsShortHeader(t *testing.T) {
	p := New(nil, 0)
	err := p.dispatch([]byte("short"))
	assert.Error(t, err)
}

func TestDisposeInvokesCallbackOnce(t *testing.T) {
	p := New(nil, 0)
	calls := 0
	var lastErr error
	p.OnDispose(func(err error) {
		calls++
		lastErr = err
	})

	p.Dispose(ErrOverflow)
	p.Dispose(ErrOverflow)

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, lastErr, ErrOverflow)
	assert.True(t, p.Disposed())
}

func TestSendAfterDisposeFails(t *testing.T) {
	p := New(nil, 0)
	p.Dispose(nil)
	err := p.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrDisposed)
}
