package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Opcode aliases reuse gorilla/websocket's numbering so close-code handling
// and IsCloseError classification stay interchangeable with it, even though
// frame parsing itself is hand-rolled.
const (
	OpContinuation = 0x0
	OpText         = 0x1
	OpBinary       = 0x2
	OpClose        = 0x8
	OpPing         = 0x9
	OpPong         = 0xA
)

const maxControlFramePayload = 125

// Conn is a single server-side WebSocket connection: RFC 6455 framing over
// a hijacked net.Conn, with optional permessage-deflate.
type Conn struct {
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer

	deflateEnabled bool
	inflate        *inflater
	deflate        *deflater

	writeMu sync.Mutex
	readMu  sync.Mutex

	closed bool
	mu     sync.Mutex
}

// NewConn wraps an already-established connection as a frame.Conn without
// performing the RFC 6455 handshake itself. Production code reaches a Conn
// through Upgrade; this entry point exists for callers (and tests) that
// already hold a negotiated socket and deflate flag.
func NewConn(netConn net.Conn, deflateEnabled bool) *Conn {
	rw := bufio.NewReadWriter(bufio.NewReader(netConn), bufio.NewWriter(netConn))
	return newConn(netConn, rw, deflateEnabled)
}

func newConn(netConn net.Conn, rw *bufio.ReadWriter, deflateEnabled bool) *Conn {
	c := &Conn{
		netConn:        netConn,
		br:             rw.Reader,
		bw:             rw.Writer,
		deflateEnabled: deflateEnabled,
	}
	if deflateEnabled {
		c.inflate = newInflater(defaultRecordedInflateBytes)
		c.deflate = newDeflater()
	}
	return c
}

// SetRecordedInflateBytesLimit bounds the tail ring used for §4.1's
// "recorded inflate bytes" export. Call before the first read.
func (c *Conn) SetRecordedInflateBytesLimit(n int) {
	if c.inflate != nil {
		c.inflate.setLimit(n)
	}
}

// Message is a single decoded WebSocket message (after defragmentation and
// decompression).
type Message struct {
	Opcode  int
	Payload []byte
}

// ReadMessage reads and assembles the next complete message, transparently
// handling ping/pong (answered automatically) and defragmentation. It
// returns a CloseError-compatible error (via gorilla/websocket.IsCloseError)
// when the peer closes the connection.
func (c *Conn) ReadMessage() (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var assembled []byte
	var msgOpcode int

	for {
		fin, opcode, payload, err := c.readFrame()
		if err != nil {
			return Message{}, err
		}

		switch opcode {
		case OpPing:
			if err := c.writeControlFrame(OpPong, payload); err != nil {
				return Message{}, err
			}
			continue
		case OpPong:
			continue
		case OpClose:
			code, reason := parseCloseFrame(payload)
			c.writeControlFrame(OpClose, websocket.FormatCloseMessage(code, reason))
			return Message{}, &websocket.CloseError{Code: code, Text: reason}
		}

		if opcode != OpContinuation {
			msgOpcode = opcode
		}
		assembled = append(assembled, payload...)

		if fin {
			break
		}
	}

	if c.deflateEnabled && msgOpcode != OpClose {
		inflated, err := c.inflate.inflate(assembled)
		if err != nil {
			c.closeWithCode(websocket.CloseProtocolError, "compression error")
			return Message{}, fmt.Errorf("frame: inflate failed: %w", err)
		}
		assembled = inflated
	}

	return Message{Opcode: msgOpcode, Payload: assembled}, nil
}

// readFrame reads a single raw frame header + payload, unmasking it.
func (c *Conn) readFrame() (fin bool, opcode int, payload []byte, err error) {
	var head [2]byte
	if _, err = io.ReadFull(c.br, head[:]); err != nil {
		return false, 0, nil, err
	}

	fin = head[0]&0x80 != 0
	opcode = int(head[0] & 0x0F)
	masked := head[1]&0x80 != 0
	length := uint64(head[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err = io.ReadFull(c.br, ext[:]); err != nil {
			return false, 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err = io.ReadFull(c.br, ext[:]); err != nil {
			return false, 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if opcode >= OpClose && length > maxControlFramePayload {
		return false, 0, nil, fmt.Errorf("frame: control frame payload too large")
	}

	var maskKey [4]byte
	if masked {
		if _, err = io.ReadFull(c.br, maskKey[:]); err != nil {
			return false, 0, nil, err
		}
	}

	payload = make([]byte, length)
	if _, err = io.ReadFull(c.br, payload); err != nil {
		return false, 0, nil, err
	}
	if masked {
		unmask(payload, maskKey)
	}

	return fin, opcode, payload, nil
}

func unmask(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}

func parseCloseFrame(payload []byte) (code int, reason string) {
	code = websocket.CloseNoStatusReceived
	if len(payload) >= 2 {
		code = int(binary.BigEndian.Uint16(payload[:2]))
		reason = string(payload[2:])
	}
	return code, reason
}

// WriteMessage writes a complete, unfragmented message of the given opcode,
// compressing it first if permessage-deflate is active.
func (c *Conn) WriteMessage(opcode int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	out := payload
	if c.deflateEnabled && (opcode == OpText || opcode == OpBinary) {
		compressed, err := c.deflate.deflate(payload)
		if err != nil {
			return fmt.Errorf("frame: deflate failed: %w", err)
		}
		out = compressed
	}
	return c.writeFrameLocked(true, opcode, out)
}

// writeControlFrame writes an unmasked server-to-client control frame
// (server frames are never masked per RFC 6455).
func (c *Conn) writeControlFrame(opcode int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrameLocked(true, opcode, payload)
}

// WriteControl writes a ping/pong/close frame, honoring deadline.
func (c *Conn) WriteControl(opcode int, payload []byte, deadline time.Time) error {
	if err := c.netConn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer c.netConn.SetWriteDeadline(time.Time{})
	return c.writeControlFrame(opcode, payload)
}

func (c *Conn) writeFrameLocked(fin bool, opcode int, payload []byte) error {
	var head []byte
	b0 := byte(opcode)
	if fin {
		b0 |= 0x80
	}
	head = append(head, b0)

	length := len(payload)
	switch {
	case length <= 125:
		head = append(head, byte(length))
	case length <= 0xFFFF:
		head = append(head, 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(length))
		head = append(head, ext[:]...)
	default:
		head = append(head, 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(length))
		head = append(head, ext[:]...)
	}

	if _, err := c.bw.Write(head); err != nil {
		return err
	}
	if _, err := c.bw.Write(payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

// closeWithCode sends a close frame for an internally-detected error and
// marks the connection closed.
func (c *Conn) closeWithCode(code int, reason string) {
	c.writeControlFrame(OpClose, websocket.FormatCloseMessage(code, reason))
	c.Close()
}

// Drain flushes any buffered writes. The Extension-Host Supervisor calls
// this before exporting the socket so no bytes are stranded in the
// gateway's write buffer.
func (c *Conn) Drain() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.bw.Flush()
}

// RecordedInflateBytes returns the bounded tail of recently-decompressed
// bytes, used to seed a fresh decompressor in a forked worker. Empty if
// permessage-deflate is not in use.
func (c *Conn) RecordedInflateBytes() []byte {
	if c.inflate == nil {
		return nil
	}
	return c.inflate.tail()
}

// DeflateEnabled reports whether permessage-deflate is active on this
// connection.
func (c *Conn) DeflateEnabled() bool { return c.deflateEnabled }

// Buffered reports the number of bytes already read into the internal buffer
// but not yet consumed, so the Persistent Protocol's readEntireBuffer can
// drain them before handoff.
func (c *Conn) Buffered() int { return c.br.Buffered() }

// ReadBuffered drains up to n already-buffered bytes without touching the
// network.
func (c *Conn) ReadBuffered(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := c.br.Read(buf)
	return buf[:read], err
}

// NetConn returns the underlying net.Conn. After calling this the caller
// owns framing discipline; used only during hand-off.
func (c *Conn) NetConn() net.Conn { return c.netConn }

// TCPConn returns the underlying *net.TCPConn, if the connection is a plain
// TCP socket, so the Extension-Host Supervisor can duplicate its file
// descriptor and pass it to a forked worker over the IPC channel.
func (c *Conn) TCPConn() (*net.TCPConn, bool) {
	return underlyingTCPConn(c.netConn)
}

// Close closes the underlying connection without sending a close frame.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.netConn.Close()
}

// SetReadDeadline and SetWriteDeadline pass through to the underlying
// connection, used for handshake and activity timeouts.
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.netConn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.netConn.SetWriteDeadline(t) }
