// Package protocol implements the Persistent Protocol: a sequenced message
// layer (each message one WebSocket message, headed by a kind byte and a
// sequence number) riding on the Frame Layer (package frame). It
// distinguishes regular messages from control messages, keeps an outgoing
// send buffer keyed by sequence number for replay, and supports
// reconnect-in-place: swapping the underlying socket while preserving
// sequence state and replaying unacknowledged data.
//
// The wire codec of each message (the header in front of its payload) is
// this package's own contract; callers above the broker only care that
// delivery is ordered and reconnect-safe, not how the bytes are framed.
package protocol

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/frame"
	"github.com/abdelmounim-dev/workbench-gateway/metrics"
	"github.com/cenkalti/backoff/v4"
)

const (
	writeRetryDelay = 50 * time.Millisecond
	writeMaxRetries = 3
)

// kind distinguishes regular payloads (RPC/channel traffic) from control
// payloads (the broker's auth/sign/connectionType/ok/error/disconnect
// handshake messages).
type kind byte

const (
	kindRegular kind = 0
	kindControl kind = 1
)

// ErrOverflow is returned once the outgoing unacknowledged buffer exceeds
// its configured limit. The send that overflows disposes the protocol
// (firing OnDispose with this error) and returns it; the socket is left
// open, and no caller in this module closes it or disposes the session on
// this error.
var ErrOverflow = errors.New("protocol: outgoing buffer overflow")

// ErrDisposed is returned by any operation attempted after Dispose.
var ErrDisposed = errors.New("protocol: disposed")

type outgoingEntry struct {
	seq  uint64
	data []byte
}

// Protocol is one session's persistent protocol state. It outlives any
// single socket: reconnect-in-place swaps Protocol.conn without losing
// sequence state.
type Protocol struct {
	mu   sync.Mutex
	conn *frame.Conn

	outSeq    uint64
	outBuffer []outgoingEntry
	outBytes  int
	bufferLimit int

	inSeqExpected uint64

	control  chan []byte
	regular  chan []byte
	disposed bool

	onDispose func(error)

	readDone chan struct{}
}

// New creates a Protocol bound to conn with the given outgoing-buffer byte
// limit: the upper bound past which the session is declared dead on
// overflow.
func New(conn *frame.Conn, bufferLimit int) *Protocol {
	p := &Protocol{
		conn:        conn,
		bufferLimit: bufferLimit,
		control:     make(chan []byte, 64),
		regular:     make(chan []byte, 256),
		readDone:    make(chan struct{}),
	}
	return p
}

// OnControlMessage returns the channel of decoded control payloads, used
// for the broker's auth/connectionType handshake.
func (p *Protocol) OnControlMessage() <-chan []byte { return p.control }

// OnRegularMessage returns the channel of decoded regular payloads, used by
// the Channel Registry / RPC Dispatcher.
func (p *Protocol) OnRegularMessage() <-chan []byte { return p.regular }

// OnDispose registers a callback invoked exactly once when the protocol is
// disposed, with a non-nil error if disposal was caused by a failure
// (ErrOverflow, a read error, etc).
func (p *Protocol) OnDispose(fn func(error)) {
	p.mu.Lock()
	p.onDispose = fn
	p.mu.Unlock()
}

// Run starts the read loop. It returns when the connection closes, a
// framing error occurs, or ctx is cancelled; callers typically run it in
// its own goroutine and treat its return as "this socket is gone" (the
// Protocol itself may still be reconnected onto a new socket afterward).
func (p *Protocol) Run(ctx context.Context) error {
	defer func() {
		select {
		case <-p.readDone:
		default:
			close(p.readDone)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn := p.currentConn()
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := p.dispatch(msg.Payload); err != nil {
			return err
		}
	}
}

func (p *Protocol) currentConn() *frame.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// dispatch decodes one wire message: [kind byte][seq uint64 BE][payload].
func (p *Protocol) dispatch(wire []byte) error {
	if len(wire) < 9 {
		return fmt.Errorf("protocol: short message header (%d bytes)", len(wire))
	}
	k := kind(wire[0])
	seq := binary.BigEndian.Uint64(wire[1:9])
	payload := wire[9:]

	p.mu.Lock()
	if seq >= p.inSeqExpected {
		p.inSeqExpected = seq + 1
	}
	p.mu.Unlock()

	metrics.MessagesReceived.Inc()

	switch k {
	case kindControl:
		select {
		case p.control <- payload:
		default:
			// A slow consumer must not block the read loop; drop rather than stall.
		}
	case kindRegular:
		select {
		case p.regular <- payload:
		default:
		}
	default:
		return fmt.Errorf("protocol: unknown message kind %d", k)
	}
	return nil
}

func encode(k kind, seq uint64, payload []byte) []byte {
	out := make([]byte, 9+len(payload))
	out[0] = byte(k)
	binary.BigEndian.PutUint64(out[1:9], seq)
	copy(out[9:], payload)
	return out
}

// send writes a message of the given kind, buffering it for replay
// (control and regular alike) and enforcing the overflow bound.
func (p *Protocol) send(k kind, payload []byte) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	seq := p.outSeq
	p.outSeq++
	wire := encode(k, seq, payload)

	p.outBuffer = append(p.outBuffer, outgoingEntry{seq: seq, data: wire})
	p.outBytes += len(wire)
	overflowed := p.bufferLimit > 0 && p.outBytes > p.bufferLimit
	conn := p.conn
	p.mu.Unlock()

	if overflowed {
		p.Dispose(ErrOverflow)
		return ErrOverflow
	}

	if err := writeWithRetry(conn, wire); err != nil {
		return err
	}
	metrics.MessagesSent.Inc()
	return nil
}

func writeWithRetry(conn *frame.Conn, wire []byte) error {
	operation := func() error {
		return conn.WriteMessage(frame.OpBinary, wire)
	}
	strategy := backoff.WithMaxRetries(backoff.NewConstantBackOff(writeRetryDelay), writeMaxRetries)
	return backoff.Retry(operation, strategy)
}

// Send writes a regular (RPC/channel) message.
func (p *Protocol) Send(payload []byte) error { return p.send(kindRegular, payload) }

// SendControl writes a control message.
func (p *Protocol) SendControl(payload []byte) error { return p.send(kindControl, payload) }

// SendDisconnect sends the "disconnect" control message the disposal path
// uses before closing the socket.
func (p *Protocol) SendDisconnect() error {
	return p.SendControl([]byte(`{"type":"disconnect"}`))
}

// ReadEntireBuffer drains all currently buffered-but-unconsumed incoming
// bytes on the current socket, for transferring residual protocol state to
// a forked child.
func (p *Protocol) ReadEntireBuffer() []byte {
	conn := p.currentConn()
	n := conn.Buffered()
	if n == 0 {
		return nil
	}
	buf, _ := conn.ReadBuffered(n)
	return buf
}

// BeginAcceptReconnection atomically swaps the underlying socket, feeds
// residualBytes as if they had arrived on the new socket, and replays the
// unacknowledged outgoing buffer. EndAcceptReconnection is called after it
// returns successfully to clear the replayed buffer.
func (p *Protocol) BeginAcceptReconnection(newConn *frame.Conn, residualBytes []byte) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	p.conn = newConn
	replay := make([]outgoingEntry, len(p.outBuffer))
	copy(replay, p.outBuffer)
	p.mu.Unlock()

	if len(residualBytes) > 0 {
		if err := p.dispatch(residualBytes); err != nil {
			return fmt.Errorf("protocol: residual bytes malformed: %w", err)
		}
	}

	for _, entry := range replay {
		if err := newConn.WriteMessage(frame.OpBinary, entry.data); err != nil {
			return fmt.Errorf("protocol: replay failed at seq %d: %w", entry.seq, err)
		}
	}
	return nil
}

// EndAcceptReconnection completes a reconnect, clearing replay state once
// the new socket has acknowledged it: the previous protocol's send buffer
// is retained until then. This implementation acknowledges unconditionally
// once the replay write succeeds, since the underlying transport is a
// reliable byte stream (TCP); a protocol with explicit ack frames would
// wait here.
func (p *Protocol) EndAcceptReconnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outBuffer = nil
	p.outBytes = 0
}

// Dispose tears down the protocol: stops accepting new sends and invokes
// the registered OnDispose callback exactly once. It leaves the underlying
// socket open and idle; the socket is a separate resource that outlives
// disposal in both the management reconnect-in-place swap and the
// extension-host hand-off, where it still has to be drained and handed to a
// forked worker afterward. Closing the socket is the caller's job once it
// actually wants the connection gone (see gateway.abort).
func (p *Protocol) Dispose(cause error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	cb := p.onDispose
	p.mu.Unlock()

	if cb != nil {
		cb(cause)
	}
}

// Disposed reports whether Dispose has been called.
func (p *Protocol) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// OutgoingBufferedBytes reports the current size of the replay buffer, for
// metrics and tests.
func (p *Protocol) OutgoingBufferedBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outBytes
}
