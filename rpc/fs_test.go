package rpc

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileURI(path string) string { return "vscode-local://" + path }

func TestFilesystemChannelWriteThenReadFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")

	ch := NewFilesystemChannel()
	ctx := CallContext{}

	writeArgs, _ := json.Marshal(map[string]string{
		"Resource": fileURI(path),
		"Content":  base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	_, err := ch.Call(ctx, "writeFile", writeArgs)
	require.NoError(t, err)

	readArgs, _ := json.Marshal(map[string]string{"Resource": fileURI(path)})
	result, err := ch.Call(ctx, "readFile", readArgs)
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(result.(string))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(decoded))
}

func TestFilesystemChannelStatReportsDirectory(t *testing.T) {
	dir := t.TempDir()
	ch := NewFilesystemChannel()

	statArgs, _ := json.Marshal(map[string]string{"Resource": fileURI(dir)})
	result, err := ch.Call(CallContext{}, "stat", statArgs)
	require.NoError(t, err)
	assert.Equal(t, 2, result.(statResult).Type)
}

func TestFilesystemChannelDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	ch := NewFilesystemChannel()
	deleteArgs, _ := json.Marshal(map[string]interface{}{"Resource": fileURI(path)})
	_, err := ch.Call(CallContext{}, "delete", deleteArgs)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFilesystemChannelUnknownCommandFails(t *testing.T) {
	ch := NewFilesystemChannel()
	_, err := ch.Call(CallContext{}, "teleport", nil)
	assert.Error(t, err)
}
