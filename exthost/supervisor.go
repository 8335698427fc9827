// Package exthost implements the Extension-Host Supervisor: it owns a
// worker subprocess and the handshake that hands a live client socket off
// to it, using a mutex-guarded struct plus background goroutine and
// token-prefixed log.Printf lines.
package exthost

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/config"
	"github.com/abdelmounim-dev/workbench-gateway/metrics"
	"github.com/abdelmounim-dev/workbench-gateway/protocol"
	"github.com/abdelmounim-dev/workbench-gateway/registry"
)

// ErrNotAttached is returned by Reconnect when the worker never reached
// ATTACHED (the fork is still in flight or already dead).
var ErrNotAttached = errors.New("exthost: worker is not attached")

// Supervisor implements registry.Worker.
type Supervisor struct {
	forker Forker
	cfg    config.ExtensionHostConfig
	token  string
	prefix string

	mu       sync.Mutex
	state    State
	proto    *protocol.Protocol
	sock     registry.ReconnectSocket
	process  Process
	params   registry.ExtensionHostStartParams
	forkedAt time.Time
}

// New creates a Supervisor in state NEW. forker is typically
// NewExecForker(); tests inject a fake.
func New(forker Forker, cfg config.ExtensionHostConfig, token string) *Supervisor {
	prefix := token
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &Supervisor{
		forker: forker,
		cfg:    cfg,
		token:  token,
		prefix: prefix,
		state:  StateNew,
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// PID returns the worker's process id, or 0 before the fork completes.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.process == nil {
		return 0
	}
	return s.process.PID()
}

// connect tells the client which debug port to use, snapshots whatever
// is still buffered on its socket, and idles the protocol (it is
// disposed; the caller takes over the raw socket).
func (s *Supervisor) connect(proto *protocol.Protocol, debugPort int) (string, error) {
	msg := ipcMessage{Type: ipcTypeConnect}
	if debugPort != 0 {
		msg.DebugPort = debugPort
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if err := proto.SendControl(payload); err != nil {
		return "", fmt.Errorf("exthost: sending connect control message: %w", err)
	}

	residual := proto.ReadEntireBuffer()
	proto.Dispose(nil)
	return base64.StdEncoding.EncodeToString(residual), nil
}

// Start connects, forks, attaches stdout/stderr readers, and waits in the
// background for the worker's ready signal before handing off the socket.
func (s *Supervisor) Start(ctx context.Context, params registry.ExtensionHostStartParams, proto *protocol.Protocol, sock registry.ReconnectSocket) error {
	initialDataChunk, err := s.connect(proto, params.DebugPort)
	if err != nil {
		return err
	}

	process, err := s.forker.Fork(ForkSpec{
		WorkerPath:          s.cfg.WorkerPath,
		URITransformerPath:  s.cfg.URITransformerPath,
		NLSConfig:           s.cfg.NLSConfig,
		LogLevel:            s.cfg.LogLevel,
		DebugPort:           params.DebugPort,
		BreakOnEntry:        params.BreakOnEntry,
		TokenPrefix:         s.prefix,
	})
	if err != nil {
		metrics.WorkerCrashes.WithLabelValues("fork_failed").Inc()
		return fmt.Errorf("exthost: forking worker: %w", err)
	}
	metrics.WorkerForks.Inc()

	s.mu.Lock()
	s.process = process
	s.proto = proto
	s.sock = sock
	s.params = params
	s.state = StateStarted
	s.forkedAt = time.Now()
	s.mu.Unlock()

	go s.watchExit(process)
	go s.runIPCLoop(process, initialDataChunk)

	log.Printf("[%s] extension host forked, pid=%d", s.prefix, process.PID())
	return nil
}

// runIPCLoop drives the child's IPC channel: forwards __$console entries
// to the logger and, on the one-shot ready signal, performs the socket
// hand-off.
func (s *Supervisor) runIPCLoop(process Process, initialDataChunk string) {
	handedOff := false
	err := readIPCLoop(process.IPC(), func(msg ipcMessage) {
		switch msg.Type {
		case ipcTypeConsole:
			if len(msg.Arguments) > 0 {
				log.Printf("[%s] console: %s", s.prefix, string(msg.Arguments[0]))
			}
		case ipcTypeReady:
			if handedOff {
				return // the ready signal is one-shot
			}
			handedOff = true
			s.mu.Lock()
			forkedAt := s.forkedAt
			s.mu.Unlock()
			if !forkedAt.IsZero() {
				metrics.WorkerForkDuration.Observe(time.Since(forkedAt).Seconds())
			}
			if err := s.handOff(process, initialDataChunk); err != nil {
				log.Printf("[%s] socket hand-off failed: %v", s.prefix, err)
				s.Dispose()
			}
		}
	})
	if err != nil {
		log.Printf("[%s] extension host ipc channel closed: %v", s.prefix, err)
	}
}

// handOff duplicates the client socket's fd and sends it to the worker
// over the IPC channel as ancillary data, attaching the worker to that
// session.
func (s *Supervisor) handOff(process Process, initialDataChunk string) error {
	s.mu.Lock()
	sock := s.sock
	skipWebSocketFrames := s.params.SkipWebSocketFrames
	s.mu.Unlock()
	if sock == nil {
		return errors.New("exthost: no socket to hand off")
	}

	if err := sock.Drain(); err != nil {
		return fmt.Errorf("draining socket: %w", err)
	}

	tcpConn, ok := sock.TCPConn()
	if !ok {
		return errors.New("exthost: socket has no underlying tcp connection")
	}
	file, err := tcpConn.File()
	if err != nil {
		return fmt.Errorf("duplicating socket fd: %w", err)
	}
	defer file.Close()

	inflateBytes := ""
	if sock.DeflateEnabled() {
		inflateBytes = base64.StdEncoding.EncodeToString(sock.RecordedInflateBytes())
	}

	msg := ipcMessage{
		Type:                ipcTypeSocket,
		InitialDataChunk:    initialDataChunk,
		SkipWebSocketFrames: skipWebSocketFrames,
		PermessageDeflate:   sock.DeflateEnabled(),
		InflateBytes:        inflateBytes,
	}
	if err := sendIPCMessageWithFD(process.IPC(), msg, int(file.Fd())); err != nil {
		return fmt.Errorf("sending socket message: %w", err)
	}

	s.setState(StateAttached)
	log.Printf("[%s] extension host attached, pid=%d", s.prefix, process.PID())
	return nil
}

// Reconnect captures a fresh initialDataChunk on the new protocol, stores
// it as current, and repeats the hand-off on the new socket.
func (s *Supervisor) Reconnect(newProtocol *protocol.Protocol, newSocket registry.ReconnectSocket, debugPort int) error {
	s.mu.Lock()
	if s.state != StateAttached {
		st := s.state
		s.mu.Unlock()
		if st == StateDead {
			return ErrNotAttached
		}
		return fmt.Errorf("%w: cannot reconnect from state %s", ErrNotAttached, st)
	}
	process := s.process
	s.state = StateReattaching
	s.mu.Unlock()

	initialDataChunk, err := s.connect(newProtocol, debugPort)
	if err != nil {
		s.setState(StateAttached)
		return err
	}

	s.mu.Lock()
	s.proto = newProtocol
	s.sock = newSocket
	s.mu.Unlock()

	if err := s.handOff(process, initialDataChunk); err != nil {
		s.setState(StateDead)
		return err
	}
	return nil
}

func (s *Supervisor) watchExit(process Process) {
	err := process.Wait()
	if err != nil {
		metrics.WorkerCrashes.WithLabelValues("exit").Inc()
		log.Printf("[%s] extension host exited: %v", s.prefix, err)
	} else {
		log.Printf("[%s] extension host exited cleanly", s.prefix)
	}
	s.Dispose()
}

// Dispose kills the worker if still alive, closes its IPC channel, flushes
// pending writes on its socket, and marks the supervisor disposed. It does
// not close the client socket. Idempotent.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	process := s.process
	sock := s.sock
	s.mu.Unlock()

	if process != nil {
		process.Kill()
		process.IPC().Close()
	}
	if sock != nil {
		sock.Drain()
	}
}
