// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package mapcache // import "go.opentelemetry.io/spu-profiler/mapcache"

import (
	"sync/atomic"

	"go.opentelemetry.io/spu-profiler/addrmap"
)

// Entry is a reference counted address space map together with the local store
// its overlay guards are read from. The last Release frees the map.
type Entry struct {
	m     atomic.Pointer[addrmap.Map]
	ls    addrmap.LocalStore
	owner Context
	refs  atomic.Int32
}

func newEntry(m *addrmap.Map, owner Context, refs int32) *Entry {
	e := &Entry{
		ls:    owner.LocalStore(),
		owner: owner,
	}
	e.m.Store(m)
	e.refs.Store(refs)
	return e
}

// Map returns the address space map, or nil once the entry has been freed.
func (e *Entry) Map() *addrmap.Map {
	return e.m.Load()
}

// Owner returns the context the map was built for.
func (e *Entry) Owner() Context {
	return e.owner
}

// Lookup translates vaddr, reading overlay guards from the owner's local store.
// A freed entry maps nothing.
func (e *Entry) Lookup(vaddr uint32) (addrmap.Translation, bool) {
	m := e.m.Load()
	if m == nil {
		return addrmap.Translation{}, false
	}
	return m.Lookup(vaddr, e.ls)
}

// Acquire adds a reference and returns e.
func (e *Entry) Acquire() *Entry {
	e.refs.Add(1)
	return e
}

// Release drops a reference. Dropping the last one frees the map.
func (e *Entry) Release() {
	switch refs := e.refs.Add(-1); {
	case refs == 0:
		e.m.Store(nil)
	case refs < 0:
		panic("mapcache: entry released too often")
	}
}

// Refs returns the current number of references.
func (e *Entry) Refs() int32 {
	return e.refs.Load()
}
