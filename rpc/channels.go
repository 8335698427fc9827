package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/broker"
	"github.com/google/uuid"
)

// LoggerChannel implements the logLevel and logger channels: a thin pass
// through to the process logger (see DESIGN.md for why this stays on
// plain log.Printf instead of a structured logging library).
type LoggerChannel struct{}

func (LoggerChannel) Call(ctx CallContext, command string, args json.RawMessage) (interface{}, error) {
	switch command {
	case "setLevel":
		log.Printf("rpc logger: setLevel %s", string(args))
		return nil, nil
	case "log":
		log.Printf("rpc logger: %s", string(args))
		return nil, nil
	default:
		return nil, fmt.Errorf("rpc: logger has no command %q", command)
	}
}

func (LoggerChannel) Listen(ctx CallContext, event string, args json.RawMessage) (*EventStream, error) {
	return nil, fmt.Errorf("rpc: logger has no event %q", event)
}

// EnvironmentChannel implements remoteextensionsenvironment: a fixed
// environment record plus extension scanning over configured roots.
type EnvironmentChannel struct {
	BuiltinExtensionsRoot string
	UserExtensionsRoot    string
}

type environmentData struct {
	PID               int      `json:"pid"`
	ConnectionToken   string   `json:"connectionToken"`
	AppRoot           string   `json:"appRoot"`
	ExtensionsPath    string   `json:"extensionsPath"`
	UserHome          string   `json:"userHome"`
	OS                string   `json:"os"`
	Arch              string   `json:"arch"`
	MarksFirst        int64    `json:"marksFirst"`
	MarksLast         int64    `json:"marksLast"`
	UseHostProxy      bool     `json:"useHostProxy"`
	BuiltinExtensions []string `json:"builtinExtensions"`
}

func (c EnvironmentChannel) Call(ctx CallContext, command string, args json.RawMessage) (interface{}, error) {
	switch command {
	case "getEnvironmentData":
		started := time.Now().UnixMilli()
		return environmentData{
			PID:             os.Getpid(),
			ConnectionToken: uuid.NewString(),
			AppRoot:         c.BuiltinExtensionsRoot,
			ExtensionsPath:  c.UserExtensionsRoot,
			UserHome:        os.Getenv("HOME"),
			OS:              runtime.GOOS,
			Arch:            runtime.GOARCH,
			MarksFirst:      started,
			MarksLast:       time.Now().UnixMilli(),
			UseHostProxy:    false,
		}, nil
	case "scanExtensions":
		return c.scan(c.BuiltinExtensionsRoot)
	case "scanSingleExtension":
		var req struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, err
		}
		return c.scanOne(req.Path)
	default:
		return nil, fmt.Errorf("rpc: remoteextensionsenvironment has no command %q", command)
	}
}

func (c EnvironmentChannel) Listen(ctx CallContext, event string, args json.RawMessage) (*EventStream, error) {
	return nil, fmt.Errorf("rpc: remoteextensionsenvironment has no event %q", event)
}

type extensionManifest struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

func (c EnvironmentChannel) scan(root string) ([]extensionManifest, error) {
	if root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]extensionManifest, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, extensionManifest{Path: root + "/" + e.Name(), Name: e.Name()})
	}
	return out, nil
}

func (c EnvironmentChannel) scanOne(path string) (*extensionManifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &extensionManifest{Path: path, Name: info.Name()}, nil
}

// TerminalChannel is a stub sufficient to answer environment queries
// without starting a real PTY; terminal content is explicitly out of
// scope here.
type TerminalChannel struct{}

func (TerminalChannel) Call(ctx CallContext, command string, args json.RawMessage) (interface{}, error) {
	switch command {
	case "getDefaultSystemShell":
		return "/bin/sh", nil
	case "createProcess":
		return nil, fmt.Errorf("rpc: terminal createProcess is not supported by this core")
	default:
		return nil, fmt.Errorf("rpc: terminal has no command %q", command)
	}
}

func (TerminalChannel) Listen(ctx CallContext, event string, args json.RawMessage) (*EventStream, error) {
	return nil, fmt.Errorf("rpc: terminal has no event %q", event)
}

// ExtensionsChannel delegates extension-management operations to an
// underlying service; this core's service is the same root-scan the
// EnvironmentChannel already performs.
type ExtensionsChannel struct {
	Environment EnvironmentChannel
}

func (c ExtensionsChannel) Call(ctx CallContext, command string, args json.RawMessage) (interface{}, error) {
	switch command {
	case "scanExtensions":
		return c.Environment.scan(c.Environment.BuiltinExtensionsRoot)
	default:
		return nil, fmt.Errorf("rpc: extensions has no command %q", command)
	}
}

func (c ExtensionsChannel) Listen(ctx CallContext, event string, args json.RawMessage) (*EventStream, error) {
	return nil, fmt.Errorf("rpc: extensions has no event %q", event)
}

// DebugBroadcastChannel implements extensionHostDebugBroadcast: a
// fan-out, no-persistence event channel routed through the cross-instance
// MessageBroker so a debug message raised against a worker on one gateway
// instance reaches a management connection resident on another.
type DebugBroadcastChannel struct {
	Broker      broker.MessageBroker
	ChannelName string
}

func (c DebugBroadcastChannel) Call(ctx CallContext, command string, args json.RawMessage) (interface{}, error) {
	if command != "broadcast" {
		return nil, fmt.Errorf("rpc: extensionHostDebugBroadcast has no command %q", command)
	}
	return nil, c.Broker.Publish(callContext(ctx), c.ChannelName, broker.Message{
		ClientID: ctx.RemoteAuthority,
		Data:     json.RawMessage(args),
	})
}

func (c DebugBroadcastChannel) Listen(ctx CallContext, event string, args json.RawMessage) (*EventStream, error) {
	if event != "onBroadcast" {
		return nil, fmt.Errorf("rpc: extensionHostDebugBroadcast has no event %q", event)
	}
	sub, err := c.Broker.Subscribe(callContext(ctx), c.ChannelName)
	if err != nil {
		return nil, err
	}
	out := make(chan interface{})
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-sub:
				if !ok {
					close(out)
					return
				}
				select {
				case out <- msg.Data:
				case <-done:
					close(out)
					return
				}
			case <-done:
				close(out)
				return
			}
		}
	}()
	closeOnce := func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	return &EventStream{C: out, Close: closeOnce}, nil
}

func callContext(ctx CallContext) context.Context {
	if ctx.Context != nil {
		return ctx.Context
	}
	return context.Background()
}
