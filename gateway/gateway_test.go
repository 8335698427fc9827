package gateway

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
	"testing"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/config"
	"github.com/abdelmounim-dev/workbench-gateway/registry"
	"github.com/stretchr/testify/require"
)

// testClient drives the client side of the RFC 6455 handshake and the
// persistent-protocol wire format by hand, the way a browser's WebSocket
// implementation would, so Handle is exercised end to end over a real TCP
// socket rather than through frame.Conn's server-side API.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialAndUpgrade(t *testing.T, addr, query string) *testClient {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	key := make([]byte, 16)
	rand.Read(key)
	secKey := base64.StdEncoding.EncodeToString(key)

	req := fmt.Sprintf(
		"GET /%s HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: %s\r\nSec-WebSocket-Version: 13\r\n\r\n",
		query, addr, secKey,
	)
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	resp := readUntilCRLFCRLF(t, conn)
	require.Contains(t, resp, "101 Switching Protocols")

	return &testClient{t: t, conn: conn}
}

func readUntilCRLFCRLF(t *testing.T, conn net.Conn) string {
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
			return string(buf)
		}
	}
}

// writeWireMessage sends one masked client->server binary frame carrying
// the persistent protocol's [kind][seq][payload] wire message.
func (c *testClient) writeWireMessage(kind byte, seq uint64, payload []byte) {
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

	head := []byte{0x80 | 0x2} // fin, binary
	length := len(masked)
	switch {
	case length <= 125:
		head = append(head, 0x80|byte(length))
	case length <= 0xFFFF:
		head = append(head, 0x80|126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(length))
		head = append(head, ext[:]...)
	default:
		c.t.Fatalf("payload too large for this test helper")
	}
	head = append(head, maskKey[:]...)

	_, err := c.conn.Write(head)
	require.NoError(c.t, err)
	_, err = c.conn.Write(masked)
	require.NoError(c.t, err)
}

func (c *testClient) writeControl(seq uint64, v interface{}) {
	payload, err := json.Marshal(v)
	require.NoError(c.t, err)
	c.writeWireMessage(1, seq, payload) // kindControl == 1
}

// readWireMessage reads one unmasked server->client frame and decodes the
// [kind][seq][payload] wire message.
func (c *testClient) readWireMessage() (kind byte, payload []byte) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var head [2]byte
	_, err := io.ReadFull(c.conn, head[:])
	require.NoError(c.t, err)

	length := uint64(head[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		io.ReadFull(c.conn, ext[:])
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		io.ReadFull(c.conn, ext[:])
		length = binary.BigEndian.Uint64(ext[:])
	}

	body := make([]byte, length)
	_, err = io.ReadFull(c.conn, body)
	require.NoError(c.t, err)

	require.GreaterOrEqual(c.t, len(body), 9)
	return body[0], body[9:]
}

func testServices() *Services {
	return &Services{
		Registry: registry.New(),
		Config: &config.AppConfig{
			WebSocket: config.WebSocketConfig{OutgoingBufferLimit: 1 << 20},
		},
		ServerID: "test-server",
	}
}

func newTestServer(svc *Services) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		Handle(w, r, svc)
	})
	return httptest.NewServer(mux)
}

func TestManagementFirstConnectReceivesOk(t *testing.T) {
	svc := testServices()
	srv := newTestServer(svc)
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	client := dialAndUpgrade(t, addr, "?reconnectionToken=abc123")
	defer client.conn.Close()

	client.writeControl(0, controlMessage{Type: "auth", Data: ""})

	kind, payload := client.readWireMessage()
	require.Equal(t, byte(1), kind)
	var sign controlMessage
	require.NoError(t, json.Unmarshal(payload, &sign))
	require.Equal(t, "sign", sign.Type)

	client.writeControl(1, controlMessage{Type: "connectionType", DesiredConnectionType: connectionTypeManagement})

	kind, payload = client.readWireMessage()
	require.Equal(t, byte(1), kind)
	var ok controlMessage
	require.NoError(t, json.Unmarshal(payload, &ok))
	require.Equal(t, "ok", ok.Type)

	_, found := svc.Registry.Management.Lookup("abc123")
	require.True(t, found)
}

func TestMissingReconnectionTokenIsRejectedBeforeUpgrade(t *testing.T) {
	svc := testServices()
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReconnectWithUnknownTokenAborts(t *testing.T) {
	svc := testServices()
	srv := newTestServer(svc)
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	client := dialAndUpgrade(t, addr, "?reconnectionToken=nope&reconnection=true")
	defer client.conn.Close()

	client.writeControl(0, controlMessage{Type: "auth"})
	client.readWireMessage() // sign

	client.writeControl(1, controlMessage{Type: "connectionType", DesiredConnectionType: connectionTypeManagement})

	kind, payload := client.readWireMessage()
	require.Equal(t, byte(1), kind)
	var errMsg controlMessage
	require.NoError(t, json.Unmarshal(payload, &errMsg))
	require.Equal(t, "error", errMsg.Type)
}

func TestCheckBearerAuthSkippedWithoutValidator(t *testing.T) {
	svc := testServices()
	svc.Config.Auth.Enabled = true // no svc.Auth configured: gate stays open

	req, err := http.NewRequest("GET", "http://example.invalid/?reconnectionToken=x", nil)
	require.NoError(t, err)
	require.NoError(t, checkBearerAuth(req, svc))
}

func TestBearerTokenFromHeaderAndQuery(t *testing.T) {
	req, err := http.NewRequest("GET", "http://example.invalid/?access_token=fromquery", nil)
	require.NoError(t, err)
	require.Equal(t, "fromquery", bearerToken(req, ""))

	req.Header.Set("Authorization", "Bearer fromheader")
	require.Equal(t, "fromheader", bearerToken(req, ""))
}
