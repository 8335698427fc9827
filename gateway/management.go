package gateway

import (
	"context"
	"log"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/frame"
	"github.com/abdelmounim-dev/workbench-gateway/metrics"
	"github.com/abdelmounim-dev/workbench-gateway/protocol"
	"github.com/abdelmounim-dev/workbench-gateway/registry"
	"github.com/abdelmounim-dev/workbench-gateway/session"
)

// routeManagement handles a session whose desiredConnectionType is
// "management": look up any existing entry for token, reattach on
// reconnect or register a fresh one on first connect.
func routeManagement(svc *Services, proto *protocol.Protocol, conn *frame.Conn, token, prefix string, reconnection bool) {
	entry, found := svc.Registry.Management.Lookup(token)
	if !found {
		if reconnection {
			abort(proto, conn, "Asking to reconnect but provided token is unknown")
			metrics.ReconnectAttempts.WithLabelValues("management", "unknown_token").Inc()
			return
		}
		firstConnectManagement(svc, proto, conn, token, prefix)
		return
	}

	reconnectManagement(svc, entry, proto, conn, prefix)
}

func firstConnectManagement(svc *Services, proto *protocol.Protocol, conn *frame.Conn, token, prefix string) {
	disconnect := registry.NewDisconnectNotifier()
	entry := &registry.ManagementEntry{Token: token, Protocol: proto, Disconnect: disconnect}
	if !svc.Registry.Management.Register(token, entry) {
		abort(proto, conn, "management session already exists")
		return
	}

	go func() {
		<-disconnect.C()
		svc.Registry.Management.Remove(token)
		if svc.Presence != nil {
			svc.Presence.Remove(context.Background(), token)
		}
	}()

	if svc.Presence != nil {
		svc.Presence.Put(context.Background(), &session.Presence{
			Token: token, Kind: session.KindManagement, ServerID: svc.ServerID, ConnectedAt: time.Now(),
		})
	}
	if svc.OnManagementConnected != nil {
		svc.OnManagementConnected(token, proto, disconnect.C())
	}

	replyOK(proto, prefix)
	metrics.ReconnectAttempts.WithLabelValues("management", "first_connect").Inc()
	log.Printf("[%s] management session connected", prefix)
}

func reconnectManagement(svc *Services, entry *registry.ManagementEntry, newProto *protocol.Protocol, newConn *frame.Conn, prefix string) {
	entry.Protocol.SendControl(mustJSON(controlMessage{Type: "ok"}))

	entry.CancelRun()
	residual := newProto.ReadEntireBuffer()
	newProto.Dispose(nil)

	if err := entry.Protocol.BeginAcceptReconnection(newConn, residual); err != nil {
		log.Printf("[%s] management reconnect failed: %v", prefix, err)
		metrics.ReconnectAttempts.WithLabelValues("management", "failed").Inc()
		return
	}
	entry.Protocol.EndAcceptReconnection()

	ctx, cancel := context.WithCancel(context.Background())
	entry.SetRunCancel(cancel)
	go func() {
		if err := entry.Protocol.Run(ctx); err != nil {
			log.Printf("[%s] management protocol ended after reconnect: %v", prefix, err)
		}
	}()

	metrics.ReconnectAttempts.WithLabelValues("management", "success").Inc()
	log.Printf("[%s] management session reconnected", prefix)
}
