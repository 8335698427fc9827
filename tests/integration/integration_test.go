package integration

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/config"
	"github.com/abdelmounim-dev/workbench-gateway/exthost"
	"github.com/abdelmounim-dev/workbench-gateway/gateway"
	"github.com/abdelmounim-dev/workbench-gateway/registry"
	"github.com/stretchr/testify/require"
)

// This exercises the full socket hand-off path end to end: a real gateway
// process accepts a WebSocket upgrade, routes an extensionHost session,
// forks the fakeexthost binary (cmd/fakeexthost), and hands the literal
// client TCP socket off to it via SCM_RIGHTS. Once attached, bytes written
// on the client's original connection reach the forked process directly,
// with the gateway no longer in the data path, which is the property this
// test actually verifies.
//
// Requires a prebuilt cmd/fakeexthost binary; set FAKEEXTHOST_BIN to its
// path and INTEGRATION=1 to run. Skipped otherwise.

func TestExtensionHostSocketHandoffEndToEnd(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION=1 to run")
	}
	workerPath := os.Getenv("FAKEEXTHOST_BIN")
	if workerPath == "" {
		t.Skip("Skipping integration test: set FAKEEXTHOST_BIN to a built cmd/fakeexthost binary")
	}

	svc := &gateway.Services{
		Registry: registry.New(),
		Config: &config.AppConfig{
			WebSocket: config.WebSocketConfig{OutgoingBufferLimit: 1 << 20},
			ExtensionHost: config.ExtensionHostConfig{
				WorkerPath:         workerPath,
				URITransformerPath: "/dev/null",
				DebugPortRangeBase: 19000,
				DebugPortRangeSize: 10,
				MaxPortAttempts:    100,
				LogLevel:           "info",
			},
		},
		Forker: exthost.NewExecForker(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		gateway.Handle(w, r, svc)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	performUpgrade(t, conn, addr, "?reconnectionToken=e2e-test&skipWebSocketFrames=true")

	writeWireMessage(t, conn, 1, 0, mustJSON(t, map[string]string{"type": "auth"}))
	readWireMessage(t, conn) // sign

	writeWireMessage(t, conn, 1, 1, mustJSON(t, map[string]interface{}{
		"type": "connectionType", "desiredConnectionType": 2,
	}))
	kind, payload := readWireMessage(t, conn)
	require.Equal(t, byte(1), kind)
	var ok map[string]string
	require.NoError(t, json.Unmarshal(payload, &ok))
	require.Equal(t, "ok", ok["type"])

	// Give the supervisor time to fork and receive the worker's ready
	// signal before the hand-off happens asynchronously.
	time.Sleep(500 * time.Millisecond)

	probe := []byte("ping-through-handed-off-socket")
	_, err = conn.Write(probe)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	echoed := make([]byte, len(probe))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	require.Equal(t, probe, echoed)
}

func performUpgrade(t *testing.T, conn net.Conn, addr, query string) {
	key := make([]byte, 16)
	rand.Read(key)
	secKey := base64.StdEncoding.EncodeToString(key)

	req := fmt.Sprintf(
		"GET /%s HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: %s\r\nSec-WebSocket-Version: 13\r\n\r\n",
		query, addr, secKey,
	)
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	buf := make([]byte, 0, 1024)
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		require.NoError(t, err)
		if n == 0 {
			continue
		}
		buf = append(buf, one[0])
		if len(buf) >= 4 && string(buf[len(buf)-4:]) == "\r\n\r\n" {
			break
		}
	}
	require.Contains(t, string(buf), "101 Switching Protocols")
}

func writeWireMessage(t *testing.T, conn net.Conn, kind byte, seq uint64, payload []byte) {
	wire := make([]byte, 9+len(payload))
	wire[0] = kind
	binary.BigEndian.PutUint64(wire[1:9], seq)
	copy(wire[9:], payload)

	var maskKey [4]byte
	rand.Read(maskKey[:])
	masked := make([]byte, len(wire))
	for i, b := range wire {
		masked[i] = b ^ maskKey[i%4]
	}

	head := []byte{0x82, 0x80 | byte(len(masked))}
	head = append(head, maskKey[:]...)
	_, err := conn.Write(head)
	require.NoError(t, err)
	_, err = conn.Write(masked)
	require.NoError(t, err)
}

func readWireMessage(t *testing.T, conn net.Conn) (byte, []byte) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var head [2]byte
	_, err := io.ReadFull(conn, head[:])
	require.NoError(t, err)

	length := uint64(head[1] & 0x7F)
	body := make([]byte, length)
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(body), 9)
	return body[0], body[9:]
}

func mustJSON(t *testing.T, v interface{}) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
