// Package gateway implements the session broker: the
// upgrade -> auth -> connectionType -> route -> ok/error state machine
// that decides whether a newly upgraded socket belongs to a management
// session or an extension-host session, and wires it into the
// Reconnection Registry accordingly.
//
// It is named gateway rather than broker because package broker is
// already the cross-instance message-bus abstraction (Redis/Kafka
// MessageBroker).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/broker"
	"github.com/abdelmounim-dev/workbench-gateway/config"
	"github.com/abdelmounim-dev/workbench-gateway/exthost"
	"github.com/abdelmounim-dev/workbench-gateway/frame"
	"github.com/abdelmounim-dev/workbench-gateway/metrics"
	"github.com/abdelmounim-dev/workbench-gateway/protocol"
	"github.com/abdelmounim-dev/workbench-gateway/registry"
	"github.com/abdelmounim-dev/workbench-gateway/rpc"
	"github.com/abdelmounim-dev/workbench-gateway/session"
	"github.com/abdelmounim-dev/workbench-gateway/websocket"
)

// Services bundles everything Handle needs, assembled once at startup by
// cmd/gateway/main.go.
type Services struct {
	Registry   *registry.Registry
	Presence   session.Directory
	Broker     broker.MessageBroker
	Dispatcher *rpc.Dispatcher
	Forker     exthost.Forker
	Config     *config.AppConfig
	ServerID   string

	// Auth is nil when config.AuthConfig.Enabled is false; checkBearerAuth
	// short-circuits in that case without touching it.
	Auth *websocket.JWTValidator

	// OnManagementConnected is the "client-connected" event: the broker
	// emits it for every accepted management session so the Channel
	// Registry can start serving channel calls over that protocol.
	OnManagementConnected func(token string, proto *protocol.Protocol, disconnect <-chan struct{})
}

type controlMessage struct {
	Type                  string          `json:"type"`
	Data                  string          `json:"data,omitempty"`
	Reason                string          `json:"reason,omitempty"`
	DesiredConnectionType connectionType  `json:"desiredConnectionType,omitempty"`
	Commit                string          `json:"commit,omitempty"`
	Args                  json.RawMessage `json:"args,omitempty"`
	DebugPort             int             `json:"debugPort,omitempty"`
}

// connectionType mirrors the che-code/VS Code ConnectionType enum that a
// connectionType control message's desiredConnectionType field carries on
// the wire: a number, not a name.
type connectionType int

const (
	connectionTypeManagement    connectionType = 1
	connectionTypeExtensionHost connectionType = 2
	connectionTypeTunnel        connectionType = 3
)

var buildCommit = "unknown" // overridden by cmd/gateway's -ldflags in a real build

// Handle upgrades the request to a WebSocket, then drives the
// auth/sign/connectionType/route handshake on a background goroutine.
func Handle(w http.ResponseWriter, r *http.Request, svc *Services) error {
	if err := checkBearerAuth(r, svc); err != nil {
		metrics.HandshakeAborts.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return err
	}

	q := r.URL.Query()
	tokens, ok := q["reconnectionToken"]
	if !ok || len(tokens) != 1 || tokens[0] == "" {
		metrics.HandshakeAborts.WithLabelValues("missing_token").Inc()
		http.Error(w, "missing or repeated reconnectionToken", http.StatusBadRequest)
		return fmt.Errorf("gateway: missing or repeated reconnectionToken")
	}
	token := tokens[0]
	reconnection := q.Get("reconnection") == "true"
	skipWebSocketFrames := q.Get("skipWebSocketFrames") == "true"

	handshakeTimeout := time.Duration(svc.Config.WebSocket.HandshakeTimeout) * time.Second
	upgrade, err := frame.Upgrade(w, r, handshakeTimeout)
	if err != nil {
		metrics.HandshakeAborts.WithLabelValues("upgrade_failed").Inc()
		return err
	}
	conn := upgrade.Conn
	if n := svc.Config.WebSocket.RecordedInflateBytes; n > 0 {
		conn.SetRecordedInflateBytesLimit(n)
	}

	prefix := token
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	proto := protocol.New(conn, svc.Config.WebSocket.OutgoingBufferLimit)
	ctx, cancel := context.WithCancel(context.Background())

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	go func() {
		defer metrics.ActiveConnections.Dec()
		if err := proto.Run(ctx); err != nil {
			log.Printf("[%s] protocol read loop ended: %v", prefix, err)
		}
	}()

	go driveHandshake(ctx, cancel, svc, proto, conn, token, prefix, reconnection, skipWebSocketFrames)
	return nil
}

// driveHandshake expects, in order, an auth control message and then a
// connectionType control message.
func driveHandshake(ctx context.Context, cancel context.CancelFunc, svc *Services, proto *protocol.Protocol, conn *frame.Conn, token, prefix string, reconnection, skipWebSocketFrames bool) {
	defer cancel()

	msgs := proto.OnControlMessage()

	var auth controlMessage
	select {
	case raw := <-msgs:
		if err := json.Unmarshal(raw, &auth); err != nil || auth.Type != "auth" {
			abort(proto, conn, "expected auth message")
			return
		}
	case <-ctx.Done():
		return
	}

	if err := proto.SendControl(mustJSON(controlMessage{Type: "sign", Data: ""})); err != nil {
		log.Printf("[%s] sending sign reply: %v", prefix, err)
		return
	}

	var ct controlMessage
	select {
	case raw := <-msgs:
		if err := json.Unmarshal(raw, &ct); err != nil || ct.Type != "connectionType" {
			abort(proto, conn, "expected connectionType message")
			return
		}
	case <-ctx.Done():
		return
	}

	if ct.Commit != "" && ct.Commit != buildCommit {
		log.Printf("[%s] client commit %q does not match server commit %q (non-fatal)", prefix, ct.Commit, buildCommit)
	}

	switch ct.DesiredConnectionType {
	case connectionTypeManagement:
		routeManagement(svc, proto, conn, token, prefix, reconnection)
	case connectionTypeExtensionHost:
		routeExtensionHost(ctx, svc, proto, conn, token, prefix, reconnection, skipWebSocketFrames, ct)
	case connectionTypeTunnel:
		log.Printf("[%s] tunnel connection type accepted, no-op", prefix)
		replyOK(proto, prefix)
	default:
		abort(proto, conn, fmt.Sprintf("unknown desiredConnectionType %d", ct.DesiredConnectionType))
	}
}

func replyOK(proto *protocol.Protocol, prefix string) {
	if err := proto.SendControl(mustJSON(controlMessage{Type: "ok"})); err != nil {
		log.Printf("[%s] sending ok reply: %v", prefix, err)
	}
}

// abort sends an error reply, disposes the protocol, drains and closes
// the connection.
func abort(proto *protocol.Protocol, conn *frame.Conn, reason string) {
	proto.SendControl(mustJSON(controlMessage{Type: "error", Reason: reason}))
	proto.Dispose(fmt.Errorf("gateway: %s", reason))
	conn.Drain()
	conn.Close()
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // control message shapes are static and always marshal
	}
	return b
}
