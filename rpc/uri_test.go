package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformIncomingFileToVSCodeLocal(t *testing.T) {
	tr := NewURITransformer("gateway+abc123")
	out, err := tr.TransformIncoming("file:///home/user/project/main.go")
	require.NoError(t, err)
	assert.Equal(t, "vscode-local:///home/user/project/main.go", out)
}

func TestTransformIncomingVSCodeRemoteToFile(t *testing.T) {
	tr := NewURITransformer("gateway+abc123")
	out, err := tr.TransformIncoming("vscode-remote://gateway+abc123/home/user/project/main.go")
	require.NoError(t, err)
	assert.Equal(t, "file:///home/user/project/main.go", out)
}

func TestTransformIncomingUnknownSchemeUnchanged(t *testing.T) {
	tr := NewURITransformer("gateway+abc123")
	out, err := tr.TransformIncoming("untitled:Untitled-1")
	require.NoError(t, err)
	assert.Equal(t, "untitled:Untitled-1", out)
}

func TestTransformOutgoingFileToVSCodeRemote(t *testing.T) {
	tr := NewURITransformer("gateway+abc123")
	out, err := tr.TransformOutgoing("file:///home/user/project/main.go")
	require.NoError(t, err)
	assert.Equal(t, "vscode-remote://gateway+abc123/home/user/project/main.go", out)
}

func TestTransformOutgoingVSCodeLocalToFile(t *testing.T) {
	tr := NewURITransformer("gateway+abc123")
	out, err := tr.TransformOutgoing("vscode-local:///home/user/project/main.go")
	require.NoError(t, err)
	assert.Equal(t, "file:///home/user/project/main.go", out)
}

func TestTransformRoundTrip(t *testing.T) {
	tr := NewURITransformer("gateway+abc123")
	original := "file:///home/user/project/main.go"

	outgoing, err := tr.TransformOutgoing(original)
	require.NoError(t, err)

	incoming, err := tr.TransformIncoming(outgoing)
	require.NoError(t, err)
	assert.Equal(t, original, incoming)
}
