// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package mapcache caches the address space map of the image each unit runs.
//
// A cached map is held twice: once by the registry slot of the unit and once by
// the context it was built for. Deactivating the unit drops the first hold,
// closing the context drops the second, and the map is freed with the last one.
// A context that is activated again, on the same or another unit, brings its
// map along so the image is parsed once per context.
package mapcache // import "go.opentelemetry.io/spu-profiler/mapcache"

import (
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/spu-profiler/addrmap"
	"go.opentelemetry.io/spu-profiler/libpf/xsync"
	"go.opentelemetry.io/spu-profiler/metrics"
)

// ErrInvalidUnit is returned for unit indexes outside of the registry.
var ErrInvalidUnit = errors.New("invalid unit index")

// Context is the task a unit runs.
type Context interface {
	// Image returns the reader of the executable image the unit runs.
	Image() io.ReaderAt
	// LocalStore returns the local store of the unit, used for overlay guards.
	LocalStore() addrmap.LocalStore
	// Attached returns the entry attached by a previous activation, if any.
	Attached() *Entry
	// Attach hands the hold of a newly built entry to the context.
	Attach(e *Entry)
}

// Registry holds the cached map of each unit.
type Registry struct {
	slots xsync.Mutex[[]*Entry]
	// build is replaceable for tests.
	build func(io.ReaderAt) (*addrmap.Map, error)
}

// New returns a registry for numUnits units.
func New(numUnits int) *Registry {
	return &Registry{
		slots: xsync.NewMutex(make([]*Entry, numUnits)),
		build: addrmap.Build,
	}
}

// Len returns the number of unit slots.
func (r *Registry) Len() int {
	slots := r.slots.Lock()
	defer r.slots.Unlock(&slots)
	return len(*slots)
}

func (r *Registry) checkUnit(slots []*Entry, unit int) error {
	if unit < 0 || unit >= len(slots) {
		metrics.Add(metrics.IDInvalidUnitIndex, 1)
		log.Warnf("Unit index %d outside of [0, %d)", unit, len(slots))
		return fmt.Errorf("%w: %d", ErrInvalidUnit, unit)
	}
	return nil
}

// lookupCached returns the entry to cache for ctx without building one,
// and whether it was already cached for unit.
func (r *Registry) lookupCached(unit int, ctx Context) (e *Entry, hit bool, err error) {
	slots := r.slots.Lock()
	defer r.slots.Unlock(&slots)

	if err = r.checkUnit(*slots, unit); err != nil {
		return nil, false, err
	}
	if cur := (*slots)[unit]; cur != nil {
		if cur.owner == ctx {
			return cur, true, nil
		}
		// The unit switched tasks without being deactivated.
		log.Debugf("Dropping stale map of unit %d", unit)
		(*slots)[unit] = nil
		cur.Release()
	}
	if attached := ctx.Attached(); attached != nil && attached.Map() != nil {
		(*slots)[unit] = attached.Acquire()
		return attached, false, nil
	}
	return nil, false, nil
}

// Activate makes sure the map of the image ctx runs is cached for unit and
// returns it. The returned entry is valid until the unit is deactivated, use
// Get to hold it longer. A failed build leaves the unit without map.
func (r *Registry) Activate(unit int, ctx Context) (*Entry, error) {
	e, hit, err := r.lookupCached(unit, ctx)
	if err != nil {
		return nil, err
	}
	if hit {
		metrics.Add(metrics.IDMapCacheHits, 1)
		return e, nil
	}
	if e != nil {
		log.Debugf("Unit %d reuses the map of its context", unit)
		return e, nil
	}

	// Images are parsed without the registry lock, lookups of other units go on.
	m, err := r.build(ctx.Image())
	if err != nil {
		metrics.Add(metrics.IDMapBuildFailures, 1)
		return nil, fmt.Errorf("building map of unit %d: %w", unit, err)
	}
	metrics.Add(metrics.IDMapBuilds, 1)
	log.Debugf("Built map of unit %d with %d segments", unit, m.Len())

	slots := r.slots.Lock()
	defer r.slots.Unlock(&slots)
	if cur := (*slots)[unit]; cur != nil {
		if cur.owner == ctx {
			// Lost the race against a concurrent activation of the same context.
			return cur, nil
		}
		cur.Release()
	}
	e = newEntry(m, ctx, 2)
	ctx.Attach(e)
	(*slots)[unit] = e
	return e, nil
}

// Deactivate drops the hold of the registry on the map of unit.
func (r *Registry) Deactivate(unit int) error {
	slots := r.slots.Lock()
	defer r.slots.Unlock(&slots)

	if err := r.checkUnit(*slots, unit); err != nil {
		return err
	}
	if e := (*slots)[unit]; e != nil {
		(*slots)[unit] = nil
		e.Release()
	}
	return nil
}

// ReleaseAll deactivates every unit.
func (r *Registry) ReleaseAll() {
	slots := r.slots.Lock()
	defer r.slots.Unlock(&slots)

	for unit, e := range *slots {
		if e != nil {
			(*slots)[unit] = nil
			e.Release()
		}
	}
}

// Get returns the map cached for unit with an additional reference the caller
// must Release, or nil if the unit has none.
func (r *Registry) Get(unit int) *Entry {
	slots := r.slots.Lock()
	defer r.slots.Unlock(&slots)

	if unit < 0 || unit >= len(*slots) {
		return nil
	}
	if e := (*slots)[unit]; e != nil {
		return e.Acquire()
	}
	return nil
}
