// Package registry holds the hub's table of registered sub-devices.
//
// The table is an immutable map published through an atomic pointer. Writers
// (only the engine's worker) build a new map and swap it in; readers on any
// goroutine load the current map without locking and therefore always see a
// complete table, never a mix of two.
package registry

import (
	"sort"
	"sync/atomic"

	"github.com/muurk/rbfhub/internal/protocol"
)

type table map[protocol.DeviceID]protocol.Record

// Registry maps (category, registration number) to the device record.
type Registry struct {
	current atomic.Pointer[table]
	version atomic.Uint64
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	empty := make(table)
	r.current.Store(&empty)
	return r
}

func (r *Registry) load() table {
	return *r.current.Load()
}

func (r *Registry) publish(t table) {
	r.current.Store(&t)
	r.version.Add(1)
}

// Upsert creates or overwrites the record for rec.ID.
func (r *Registry) Upsert(rec protocol.Record) {
	old := r.load()
	next := make(table, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[rec.ID] = rec
	r.publish(next)
}

// Remove deletes id. It reports whether id was present.
func (r *Registry) Remove(id protocol.DeviceID) bool {
	old := r.load()
	if _, ok := old[id]; !ok {
		return false
	}
	next := make(table, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	r.publish(next)
	return true
}

// RemoveAll empties the registry.
func (r *Registry) RemoveAll() {
	r.publish(make(table))
}

// ReplaceSnapshot swaps the whole table for recs. Devices absent from recs
// are no longer registered. Later duplicates of an ID win.
func (r *Registry) ReplaceSnapshot(recs []protocol.Record) {
	next := make(table, len(recs))
	for _, rec := range recs {
		next[rec.ID] = rec
	}
	r.publish(next)
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id protocol.DeviceID) (protocol.Record, bool) {
	rec, ok := r.load()[id]
	return rec, ok
}

// Snapshot returns every record ordered by category then number.
func (r *Registry) Snapshot() []protocol.Record {
	t := r.load()
	recs := make([]protocol.Record, 0, len(t))
	for _, rec := range t {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ID.Category != recs[j].ID.Category {
			return recs[i].ID.Category < recs[j].ID.Category
		}
		return recs[i].ID.No < recs[j].ID.No
	})
	return recs
}

// ByCategory returns the records of one category, ordered by number.
func (r *Registry) ByCategory(cat protocol.Category) []protocol.Record {
	var out []protocol.Record
	for _, rec := range r.Snapshot() {
		if rec.ID.Category == cat {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.load())
}

// Version increases by one on every mutation.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}
