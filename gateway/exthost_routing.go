package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/config"
	"github.com/abdelmounim-dev/workbench-gateway/exthost"
	"github.com/abdelmounim-dev/workbench-gateway/frame"
	"github.com/abdelmounim-dev/workbench-gateway/metrics"
	"github.com/abdelmounim-dev/workbench-gateway/protocol"
	"github.com/abdelmounim-dev/workbench-gateway/registry"
	"github.com/abdelmounim-dev/workbench-gateway/session"
)

// routeExtensionHost handles a session whose desiredConnectionType is
// "extensionHost": resolve a debug port, start or reattach the worker
// through the Extension-Host Supervisor, and reply ok/error.
func routeExtensionHost(ctx context.Context, svc *Services, proto *protocol.Protocol, conn *frame.Conn, token, prefix string, reconnection, skipWebSocketFrames bool, ct controlMessage) {
	params := registry.ExtensionHostStartParams{Language: "en"}
	if len(ct.Args) > 0 {
		var args struct {
			Language     string `json:"language"`
			BreakOnEntry bool   `json:"breakOnEntry"`
		}
		if err := json.Unmarshal(ct.Args, &args); err == nil {
			if args.Language != "" {
				params.Language = args.Language
			}
			params.BreakOnEntry = args.BreakOnEntry
		}
	}
	params.DebugPort = ct.DebugPort
	params.SkipWebSocketFrames = skipWebSocketFrames

	entry, found := svc.Registry.ExtensionHost.Lookup(token)
	if !found {
		if reconnection {
			abort(proto, conn, "Asking to reconnect but provided token is unknown")
			metrics.ReconnectAttempts.WithLabelValues("extensionHost", "unknown_token").Inc()
			return
		}
		firstConnectExtensionHost(ctx, svc, proto, conn, token, prefix, params)
		return
	}

	worker := entry.GetWorker()
	if worker == nil {
		abort(proto, conn, "Extension host is not defined")
		return
	}

	debugPort, err := resolveDebugPort(svc.Config.ExtensionHost, params.DebugPort)
	if err != nil {
		abort(proto, conn, err.Error())
		return
	}
	if err := worker.Reconnect(proto, conn, debugPort); err != nil {
		log.Printf("[%s] extension host reconnect failed: %v", prefix, err)
		metrics.ReconnectAttempts.WithLabelValues("extensionHost", "failed").Inc()
		abort(proto, conn, "Extension host reconnect failed")
		return
	}
	metrics.ReconnectAttempts.WithLabelValues("extensionHost", "success").Inc()
	replyOK(proto, prefix)
}

func firstConnectExtensionHost(ctx context.Context, svc *Services, proto *protocol.Protocol, conn *frame.Conn, token, prefix string, params registry.ExtensionHostStartParams) {
	debugPort, err := resolveDebugPort(svc.Config.ExtensionHost, params.DebugPort)
	if err != nil {
		abort(proto, conn, err.Error())
		return
	}
	params.DebugPort = debugPort

	disconnect := registry.NewDisconnectNotifier()
	entry := &registry.ExtensionHostEntry{Token: token, Protocol: proto, Params: params, Disconnect: disconnect}
	if !svc.Registry.ExtensionHost.Register(token, entry) {
		abort(proto, conn, "extension host session already exists")
		return
	}

	go func() {
		<-disconnect.C()
		svc.Registry.ExtensionHost.Remove(token)
		if svc.Presence != nil {
			svc.Presence.Remove(context.Background(), token)
		}
	}()

	if svc.Presence != nil {
		svc.Presence.Put(context.Background(), &session.Presence{
			Token: token, Kind: session.KindExtensionHost, ServerID: svc.ServerID, ConnectedAt: time.Now(),
		})
	}

	forker := svc.Forker
	if forker == nil {
		forker = exthost.NewExecForker()
	}
	supervisor := exthost.New(forker, svc.Config.ExtensionHost, token)
	entry.SetWorker(supervisor)

	if err := supervisor.Start(ctx, params, proto, conn); err != nil {
		log.Printf("[%s] extension host start failed: %v", prefix, err)
		entry.Dispose()
		abort(proto, conn, "failed to start extension host")
		return
	}

	replyOK(proto, prefix)
	log.Printf("[%s] extension host session connected, debugPort=%d", prefix, debugPort)
}

// resolveDebugPort returns requested unchanged if non-zero; otherwise it
// allocates a free TCP port in [randomPort(), randomPort()+size) up to
// maxAttempts tries.
func resolveDebugPort(cfg config.ExtensionHostConfig, requested int) (int, error) {
	if requested != 0 {
		return requested, nil
	}
	size := cfg.DebugPortRangeSize
	if size <= 0 {
		size = 10
	}
	maxAttempts := cfg.MaxPortAttempts
	if maxAttempts <= 0 {
		maxAttempts = 6000
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		base := randomPort(cfg.DebugPortRangeBase)
		for offset := 0; offset < size; offset++ {
			port := base + offset
			if isPortFree(port) {
				return port, nil
			}
		}
	}
	return 0, fmt.Errorf("gateway: could not allocate a free debug port after %d attempts", maxAttempts)
}

func randomPort(base int) int {
	if base <= 0 {
		base = 9000
	}
	return base + rand.Intn(10000)
}

func isPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

