package registry

import (
	"net"
	"sync"

	"github.com/abdelmounim-dev/workbench-gateway/protocol"
)

// DisconnectNotifier is signaled when a session's client disconnects, so
// dependent components (the Channel Dispatcher, the Extension-Host
// Supervisor) can react without polling the table.
type DisconnectNotifier struct {
	mu       sync.Mutex
	ch       chan struct{}
	fired    bool
}

// NewDisconnectNotifier creates an unfired notifier.
func NewDisconnectNotifier() *DisconnectNotifier {
	return &DisconnectNotifier{ch: make(chan struct{})}
}

// Fire signals disconnect exactly once; subsequent calls are no-ops.
func (n *DisconnectNotifier) Fire() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fired {
		return
	}
	n.fired = true
	close(n.ch)
}

// C returns the channel that closes when Fire is called.
func (n *DisconnectNotifier) C() <-chan struct{} { return n.ch }

// ManagementEntry is one Management Session: token, protocol,
// disconnect-notifier, disposed flag.
type ManagementEntry struct {
	Token      string
	Protocol   *protocol.Protocol
	Disconnect *DisconnectNotifier

	mu        sync.Mutex
	disposed  bool
	runCancel func()
}

// SetRunCancel stores the cancel function for whichever goroutine is
// currently driving Protocol.Run on this entry's socket, so a later
// reconnect can stop it before swapping the socket out from under it.
func (e *ManagementEntry) SetRunCancel(cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runCancel = cancel
}

// CancelRun stops whichever goroutine is currently driving Protocol.Run,
// if any.
func (e *ManagementEntry) CancelRun() {
	e.mu.Lock()
	cancel := e.runCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Dispose marks the entry disposed and fires its disconnect notifier. Safe
// to call more than once.
func (e *ManagementEntry) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.mu.Unlock()
	e.Disconnect.Fire()
}

// Disposed reports whether Dispose has been called.
func (e *ManagementEntry) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Worker is the narrow view of an Extension-Host Supervisor that the
// registry needs, kept as an interface here (rather than importing package
// exthost) so the two packages don't form an import cycle: exthost.Supervisor
// implements this.
type Worker interface {
	PID() int
	Reconnect(newProtocol *protocol.Protocol, reconnectSocket ReconnectSocket, debugPort int) error
	Dispose()
}

// ReconnectSocket is the socket surface the Supervisor needs during
// reconnect hand-off, expressed as an interface so this package needn't
// import package frame; *frame.Conn satisfies it structurally.
type ReconnectSocket interface {
	Drain() error
	RecordedInflateBytes() []byte
	DeflateEnabled() bool
	TCPConn() (*net.TCPConn, bool)
}

// ExtensionHostStartParams mirrors RemoteExtensionHostStartParams:
// language, debug port, and break-on-entry, merged with defaults by the
// session broker before the Supervisor forks.
type ExtensionHostStartParams struct {
	Language            string
	DebugPort           int
	BreakOnEntry        bool
	SkipWebSocketFrames bool
}

// ExtensionHostEntry is one Extension-Host Session: token, current
// protocol, optional worker handle, start params, disposed flag.
type ExtensionHostEntry struct {
	Token      string
	Protocol   *protocol.Protocol
	Worker     Worker // nil until SetWorker is called
	Params     ExtensionHostStartParams
	Disconnect *DisconnectNotifier

	mu       sync.Mutex
	disposed bool
}

// SetWorker attaches the worker handle. Routing calls it before the worker
// is started, so the handle may refer to a worker whose fork is still in
// flight.
func (e *ExtensionHostEntry) SetWorker(w Worker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Worker = w
}

// GetWorker returns the attached worker handle, or nil if SetWorker has not
// been called, in which case routing aborts the session instead of
// handing off to a worker that doesn't exist.
func (e *ExtensionHostEntry) GetWorker() Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Worker
}

// Dispose marks the entry disposed, disposes its worker if attached, and
// fires its disconnect notifier. Safe to call more than once.
func (e *ExtensionHostEntry) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	worker := e.Worker
	e.mu.Unlock()

	if worker != nil {
		worker.Dispose()
	}
	e.Disconnect.Fire()
}

// Disposed reports whether Dispose has been called.
func (e *ExtensionHostEntry) Disposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}
