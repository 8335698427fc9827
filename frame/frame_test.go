package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKey(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestNegotiateDeflate_NormalizesUnsetWindowBits(t *testing.T) {
	offers := parseExtensions("permessage-deflate; client_max_window_bits")
	enabled, params := negotiateDeflate(offers)
	require.True(t, enabled)
	assert.Equal(t, 15, params.clientMaxWindowBits)
}

func TestNegotiateDeflate_HonorsExplicitWindowBits(t *testing.T) {
	offers := parseExtensions("permessage-deflate; client_max_window_bits=10; server_max_window_bits=12")
	enabled, params := negotiateDeflate(offers)
	require.True(t, enabled)
	assert.Equal(t, 10, params.clientMaxWindowBits)
	assert.Equal(t, 12, params.serverMaxWindowBits)
}

func TestNegotiateDeflate_Absent(t *testing.T) {
	offers := parseExtensions("")
	enabled, _ := negotiateDeflate(offers)
	assert.False(t, enabled)
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	d := newDeflater()
	in := newInflater(1024)

	messages := [][]byte{
		[]byte("hello workbench"),
		[]byte("a second message sharing the context-takeover dictionary"),
	}

	for _, msg := range messages {
		compressed, err := d.deflate(msg)
		require.NoError(t, err)

		decompressed, err := in.inflate(compressed)
		require.NoError(t, err)
		assert.Equal(t, msg, decompressed)
	}

	assert.NotEmpty(t, in.tail())
}

func TestInflaterRecordedTailIsBounded(t *testing.T) {
	in := newInflater(8)
	d := newDeflater()

	compressed, err := d.deflate([]byte("0123456789abcdef"))
	require.NoError(t, err)

	out, err := in.inflate(compressed)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789abcdef"), out)

	assert.LessOrEqual(t, len(in.tail()), 8)
	assert.Equal(t, []byte("89abcdef"), in.tail())
}
