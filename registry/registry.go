// Package registry implements the Reconnection Registry: two tables keyed
// by reconnection token, one for management sessions and one for
// extension-host sessions, confined to this package and exposing only
// register/lookup/remove/forEach so no caller reaches into table
// internals. No ambient access to the underlying maps.
//
// Persistence across gateway restarts is out of scope, so these tables
// are pure in-memory state. Cross-instance visibility instead goes
// through session.Directory.
package registry

import (
	"sync"

	"github.com/abdelmounim-dev/workbench-gateway/metrics"
)

// Table is a typed, concurrency-safe map from reconnection token to *T.
// Only register/lookup/remove/forEach are exposed.
type Table[T any] struct {
	entries sync.Map // string -> *T
	gauge   func(delta float64)
}

func newTable[T any](gauge func(delta float64)) *Table[T] {
	return &Table[T]{gauge: gauge}
}

// Register inserts a new entry for token. It returns false if an entry
// already exists; callers must use Lookup first to distinguish a first
// connect from a reconnect.
func (t *Table[T]) Register(token string, value *T) bool {
	_, loaded := t.entries.LoadOrStore(token, value)
	if !loaded && t.gauge != nil {
		t.gauge(1)
	}
	return !loaded
}

// Lookup returns the entry for token, or nil if none exists. A reconnect
// request must use Lookup, never Register.
func (t *Table[T]) Lookup(token string) (*T, bool) {
	v, ok := t.entries.Load(token)
	if !ok {
		return nil, false
	}
	return v.(*T), true
}

// Remove deletes the entry for token, if any.
func (t *Table[T]) Remove(token string) {
	if _, loaded := t.entries.LoadAndDelete(token); loaded && t.gauge != nil {
		t.gauge(-1)
	}
}

// ForEach calls fn for every entry currently in the table. fn must not
// mutate the table.
func (t *Table[T]) ForEach(fn func(token string, value *T)) {
	t.entries.Range(func(k, v interface{}) bool {
		fn(k.(string), v.(*T))
		return true
	})
}

// Registry holds the two disjoint-keyspace tables.
type Registry struct {
	Management    *Table[ManagementEntry]
	ExtensionHost *Table[ExtensionHostEntry]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		Management:    newTable[ManagementEntry](func(d float64) { addGauge(metrics.ManagementSessionsActive, d) }),
		ExtensionHost: newTable[ExtensionHostEntry](func(d float64) { addGauge(metrics.ExtensionHostSessionsActive, d) }),
	}
}

func addGauge(g interface{ Add(float64) }, delta float64) { g.Add(delta) }
