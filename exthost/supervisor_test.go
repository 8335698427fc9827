package exthost

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/abdelmounim-dev/workbench-gateway/config"
	"github.com/abdelmounim-dev/workbench-gateway/frame"
	"github.com/abdelmounim-dev/workbench-gateway/protocol"
	"github.com/abdelmounim-dev/workbench-gateway/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess implements Process without spawning anything. Its IPC side
// is a real socketpair so readIPCLoop / sendIPCMessageWithFD exercise
// actual syscalls; there is simply no child process behind it.
type fakeProcess struct {
	pid    int
	ipc    *net.UnixConn
	other  *net.UnixConn // the "child" end the test drives directly
	waitCh chan error
}

func newFakeProcess(t *testing.T) *fakeProcess {
	parent, child, err := newSocketpair()
	require.NoError(t, err)
	childConn, err := net.FileConn(child)
	require.NoError(t, err)
	child.Close()
	unixChildConn, ok := childConn.(*net.UnixConn)
	require.True(t, ok)
	return &fakeProcess{pid: 4242, ipc: parent, other: unixChildConn, waitCh: make(chan error, 1)}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) IPC() *net.UnixConn    { return p.ipc }
func (p *fakeProcess) Stdout() IPCLineSource { return newLineSource(discardReader{}, "stdout") }
func (p *fakeProcess) Stderr() IPCLineSource { return newLineSource(discardReader{}, "stderr") }
func (p *fakeProcess) Wait() error           { return <-p.waitCh }
func (p *fakeProcess) Kill() error {
	select {
	case p.waitCh <- nil:
	default:
	}
	return nil
}

type discardReader struct{}

func (discardReader) Read(b []byte) (int, error) { return 0, io.EOF }

type fakeForker struct {
	process *fakeProcess
}

func (f *fakeForker) Fork(spec ForkSpec) (Process, error) {
	return f.process, nil
}

// fakeSocket implements registry.ReconnectSocket over a real loopback TCP
// connection, so the hand-off path's tcpConn.File() duplication exercises
// a genuine fd rather than a synthetic one.
type fakeSocket struct {
	tcpConn *net.TCPConn
}

func newFakeSocket(t *testing.T) *fakeSocket {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })
	serverConn := <-accepted
	t.Cleanup(func() { serverConn.Close() })

	return &fakeSocket{tcpConn: clientConn.(*net.TCPConn)}
}

func (f *fakeSocket) Drain() error                  { return nil }
func (f *fakeSocket) RecordedInflateBytes() []byte  { return nil }
func (f *fakeSocket) DeflateEnabled() bool          { return false }
func (f *fakeSocket) TCPConn() (*net.TCPConn, bool) { return f.tcpConn, true }

// newTestProtocol returns a Protocol backed by a real frame.Conn over an
// in-memory pipe, with the peer side drained in the background so control
// writes (connect()'s debugPort message) never block.
func newTestProtocol(t *testing.T) *protocol.Protocol {
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close() })
	go io.Copy(io.Discard, client)

	conn := frame.NewConn(server, false)
	return protocol.New(conn, 0)
}

func TestSupervisorReachesAttachedAfterReadySignal(t *testing.T) {
	fp := newFakeProcess(t)
	sup := New(&fakeForker{process: fp}, config.ExtensionHostConfig{WorkerPath: "/bin/true"}, "TOKEN1234")

	proto := newTestProtocol(t)
	sock := newFakeSocket(t)
	err := sup.Start(context.Background(), registry.ExtensionHostStartParams{Language: "en"}, proto, sock)
	require.NoError(t, err)
	assert.Equal(t, StateStarted, sup.State())

	sendReady(t, fp.other)

	waitForState(t, sup, StateAttached, time.Second)
}

func TestSupervisorDisposeIsIdempotentAndReachesDead(t *testing.T) {
	fp := newFakeProcess(t)
	sup := New(&fakeForker{process: fp}, config.ExtensionHostConfig{WorkerPath: "/bin/true"}, "TOKEN1234")

	proto := newTestProtocol(t)
	sock := newFakeSocket(t)
	require.NoError(t, sup.Start(context.Background(), registry.ExtensionHostStartParams{}, proto, sock))

	sup.Dispose()
	sup.Dispose() // must not panic

	assert.Equal(t, StateDead, sup.State())
}

func TestReconnectFromDeadFails(t *testing.T) {
	fp := newFakeProcess(t)
	sup := New(&fakeForker{process: fp}, config.ExtensionHostConfig{WorkerPath: "/bin/true"}, "TOKEN1234")

	proto := newTestProtocol(t)
	sock := newFakeSocket(t)
	require.NoError(t, sup.Start(context.Background(), registry.ExtensionHostStartParams{}, proto, sock))
	sup.Dispose()

	newProto := newTestProtocol(t)
	newSock := newFakeSocket(t)
	err := sup.Reconnect(newProto, newSock, 0)
	assert.ErrorIs(t, err, ErrNotAttached)
}

func waitForState(t *testing.T, sup *Supervisor, want State, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("supervisor did not reach state %s, stuck at %s", want, sup.State())
}

func sendReady(t *testing.T, conn *net.UnixConn) {
	require.NoError(t, sendIPCMessage(conn, ipcMessage{Type: ipcTypeReady}))
}
