package frame

import (
	"bytes"
	"compress/flate"
	"io"
)

// defaultRecordedInflateBytes bounds the tail ring when the caller does not
// override it via SetRecordedInflateBytesLimit.
const defaultRecordedInflateBytes = 32 * 1024

// permessage-deflate frames omit the 4-byte 0x00 0x00 0xFF 0xFF marker (an
// empty, non-final stored block) that a flush of compress/flate's Writer
// ends with; RFC 7692 §7.2.1 has the sender strip it after flushing, and a
// receiver re-appends it before feeding the payload back into a decompressor.
var syncMarker = []byte{0x00, 0x00, 0xFF, 0xFF}

// deflateTrailer is what inflate actually appends: the sync marker is a
// non-final stored block, so fed alone into compress/flate it leaves the
// reader expecting a next block header that never arrives. Appending an
// empty BFINAL=1 stored block behind it, the same trailer gorilla/websocket
// uses, gives each message's stream a clean io.EOF.
var deflateTrailer = append(append([]byte{}, syncMarker...), 0x01, 0x00, 0x00, 0xFF, 0xFF)

// maxDeflateWindow bounds the dictionary carried between messages to the
// largest window deflate supports.
const maxDeflateWindow = 32 * 1024

// inflater holds one direction's permessage-deflate decompression context.
// This state is per session, per direction, and produces a bounded tail
// of recently-inflated bytes for hand-off.
type inflater struct {
	reader io.ReadCloser
	dict   []byte
	ring   []byte
	limit  int
}

func newInflater(limit int) *inflater {
	return &inflater{
		reader: flate.NewReader(bytes.NewReader(nil)),
		limit:  limit,
	}
}

func (i *inflater) setLimit(n int) { i.limit = n }

// inflate decompresses one message's deflated payload (with the trailer
// re-appended), resetting the decompressor onto that payload with the
// previous message's output as the dictionary. That dictionary carry-over is
// context takeover: permessage-deflate's default, negotiated in
// handshake.go, where each message is its own flate stream but the sliding
// window still sees the prior message's bytes.
func (i *inflater) inflate(compressed []byte) ([]byte, error) {
	src := make([]byte, 0, len(compressed)+len(deflateTrailer))
	src = append(src, compressed...)
	src = append(src, deflateTrailer...)

	if err := i.reader.(flate.Resetter).Reset(bytes.NewReader(src), i.dict); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if _, err := io.Copy(&out, i.reader); err != nil {
		return nil, err
	}

	i.updateDict(out.Bytes())
	i.record(out.Bytes())
	return out.Bytes(), nil
}

func (i *inflater) updateDict(b []byte) {
	i.dict = append(i.dict, b...)
	if len(i.dict) > maxDeflateWindow {
		i.dict = i.dict[len(i.dict)-maxDeflateWindow:]
	}
}

func (i *inflater) record(b []byte) {
	i.ring = append(i.ring, b...)
	if i.limit > 0 && len(i.ring) > i.limit {
		i.ring = i.ring[len(i.ring)-i.limit:]
	}
}

// tail returns the bounded recorded-inflate-byte ring.
func (i *inflater) tail() []byte {
	out := make([]byte, len(i.ring))
	copy(out, i.ring)
	return out
}

// deflater holds one direction's permessage-deflate compression context.
type deflater struct {
	buf    bytes.Buffer
	writer *flate.Writer
}

func newDeflater() *deflater {
	w, _ := flate.NewWriter(nil, flate.DefaultCompression)
	d := &deflater{writer: w}
	d.writer.Reset(&d.buf)
	return d
}

// deflate compresses one message's payload, flushes, and strips the
// trailing RFC 7692 sync marker (syncMarker) that the peer expects us to
// omit.
func (d *deflater) deflate(payload []byte) ([]byte, error) {
	d.buf.Reset()
	if _, err := d.writer.Write(payload); err != nil {
		return nil, err
	}
	if err := d.writer.Flush(); err != nil {
		return nil, err
	}
	out := d.buf.Bytes()
	if bytes.HasSuffix(out, syncMarker) {
		out = out[:len(out)-len(syncMarker)]
	}
	result := make([]byte, len(out))
	copy(result, out)
	return result, nil
}
