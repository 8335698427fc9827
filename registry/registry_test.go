package registry

import (
	"testing"

	"github.com/abdelmounim-dev/workbench-gateway/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagementAndExtensionHostKeyspacesAreIndependent(t *testing.T) {
	reg := New()

	entry := &ManagementEntry{Token: "T1", Disconnect: NewDisconnectNotifier()}
	require.True(t, reg.Management.Register("T1", entry))

	_, foundInExtHost := reg.ExtensionHost.Lookup("T1")
	assert.False(t, foundInExtHost)

	_, foundInMgmt := reg.Management.Lookup("T1")
	assert.True(t, foundInMgmt)
}

func TestRegisterDoesNotOverwriteExisting(t *testing.T) {
	reg := New()
	first := &ManagementEntry{Token: "T1", Disconnect: NewDisconnectNotifier()}
	second := &ManagementEntry{Token: "T1", Disconnect: NewDisconnectNotifier()}

	require.True(t, reg.Management.Register("T1", first))
	require.False(t, reg.Management.Register("T1", second))

	got, ok := reg.Management.Lookup("T1")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRemoveThenLookupMisses(t *testing.T) {
	reg := New()
	entry := &ManagementEntry{Token: "T1", Disconnect: NewDisconnectNotifier()}
	reg.Management.Register("T1", entry)

	reg.Management.Remove("T1")

	_, ok := reg.Management.Lookup("T1")
	assert.False(t, ok)
}

func TestForEachVisitsAllEntries(t *testing.T) {
	reg := New()
	reg.Management.Register("T1", &ManagementEntry{Token: "T1", Disconnect: NewDisconnectNotifier()})
	reg.Management.Register("T2", &ManagementEntry{Token: "T2", Disconnect: NewDisconnectNotifier()})

	seen := map[string]bool{}
	reg.Management.ForEach(func(token string, _ *ManagementEntry) {
		seen[token] = true
	})

	assert.True(t, seen["T1"])
	assert.True(t, seen["T2"])
}

func TestDisconnectNotifierFiresOnce(t *testing.T) {
	n := NewDisconnectNotifier()
	n.Fire()
	n.Fire() // must not panic on double-close

	select {
	case <-n.C():
	default:
		t.Fatal("expected C() to be closed after Fire")
	}
}

func TestManagementEntryDisposeIsIdempotent(t *testing.T) {
	entry := &ManagementEntry{Token: "T1", Disconnect: NewDisconnectNotifier()}
	entry.Dispose()
	entry.Dispose()
	assert.True(t, entry.Disposed())
}

func TestExtensionHostEntryDisposeDisposesWorker(t *testing.T) {
	w := &fakeWorker{}
	entry := &ExtensionHostEntry{Token: "T1", Disconnect: NewDisconnectNotifier()}
	entry.SetWorker(w)

	entry.Dispose()

	assert.True(t, w.disposed)
	assert.True(t, entry.Disposed())
}

type fakeWorker struct {
	disposed bool
}

func (f *fakeWorker) PID() int { return 1234 }
func (f *fakeWorker) Reconnect(_ *protocol.Protocol, _ ReconnectSocket, _ int) error {
	return nil
}
func (f *fakeWorker) Dispose() { f.disposed = true }
