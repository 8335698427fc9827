// Command gateway runs the remote-workbench gateway: it upgrades browser
// WebSocket connections, authenticates and routes them through the session
// broker, and serves the out-of-core HTTP surface alongside it, wiring a
// dynamically-selected broker and Redis client into the broader session
// and RPC machinery the gateway needs.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/broker"
	"github.com/abdelmounim-dev/workbench-gateway/config"
	"github.com/abdelmounim-dev/workbench-gateway/gateway"
	"github.com/abdelmounim-dev/workbench-gateway/metrics"
	"github.com/abdelmounim-dev/workbench-gateway/protocol"
	"github.com/abdelmounim-dev/workbench-gateway/registry"
	"github.com/abdelmounim-dev/workbench-gateway/rpc"
	"github.com/abdelmounim-dev/workbench-gateway/services"
	"github.com/abdelmounim-dev/workbench-gateway/session"
	"github.com/abdelmounim-dev/workbench-gateway/websocket"
	"github.com/google/uuid"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	serverID := uuid.New().String()
	log.Printf("Starting gateway instance with ID: %s", serverID)

	redisClient, err := services.NewRedisClient(
		cfg.Broker.Redis.Address, cfg.Broker.Redis.Password,
		cfg.Broker.Redis.DB, cfg.Broker.Redis.PoolSize, cfg.Broker.Redis.PoolTimeout,
	)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer services.CloseRedisClient(redisClient)

	presence := session.NewRedisDirectory(redisClient, time.Duration(cfg.WebSocket.SessionTTL)*time.Second)

	var messageBroker broker.MessageBroker
	log.Printf("Initializing message broker of type: %s", cfg.Broker.Type)
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		messageBroker = broker.NewRedisBroker(redisClient)
	case "kafka":
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID)
		if err != nil {
			log.Fatalf("Failed to create Kafka broker: %v", err)
		}
	default:
		log.Fatalf("Invalid broker type specified: %s", cfg.Broker.Type)
	}
	defer messageBroker.Close()

	var jwtValidator *websocket.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = websocket.NewJWTValidator(&cfg.Auth, redisClient)
		log.Println("Bearer JWT gate is ENABLED.")
	} else {
		log.Println("Bearer JWT gate is DISABLED.")
	}

	dispatcher := rpc.NewDispatcher()
	environment := rpc.EnvironmentChannel{
		BuiltinExtensionsRoot: cfg.Workbench.StaticRoot,
		UserExtensionsRoot:    os.Getenv("HOME"),
	}
	dispatcher.Register("logLevel", rpc.LoggerChannel{})
	dispatcher.Register("logger", rpc.LoggerChannel{})
	dispatcher.Register("remoteextensionsenvironment", environment)
	dispatcher.Register("filesystem", rpc.NewFilesystemChannel())
	dispatcher.Register("terminal", rpc.TerminalChannel{})
	dispatcher.Register("extensions", rpc.ExtensionsChannel{Environment: environment})
	dispatcher.Register("extensionHostDebugBroadcast", rpc.DebugBroadcastChannel{
		Broker:      messageBroker,
		ChannelName: cfg.Broker.Redis.Channels.Outbound,
	})

	svc := &gateway.Services{
		Registry:   registry.New(),
		Presence:   presence,
		Broker:     messageBroker,
		Dispatcher: dispatcher,
		Config:     cfg,
		ServerID:   serverID,
		Auth:       jwtValidator,
		OnManagementConnected: func(token string, proto *protocol.Protocol, disconnect <-chan struct{}) {
			sessionCtx, sessionCancel := context.WithCancel(ctx)
			go func() {
				<-disconnect
				sessionCancel()
			}()
			go rpc.Serve(sessionCtx, proto, dispatcher, remoteAuthorityFor(token), prefixFor(token))
		},
	}

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	httpHandler := gateway.NewHTTPHandler(&cfg.Workbench)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := gateway.Handle(w, r, svc); err != nil {
			log.Printf("gateway: handshake failed: %v", err)
		}
	})
	mux.Handle("/", httpHandler)

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Gateway listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway: serve failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

// remoteAuthorityFor derives the session's remoteAuthority for the URI
// transformer; the gateway has no virtual-host concept of its own, so the
// reconnection token scopes it instead, giving each session an opaque,
// stable authority string.
func remoteAuthorityFor(token string) string {
	return "workbench-gateway+" + token
}

func prefixFor(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
