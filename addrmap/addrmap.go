// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package addrmap translates unit local store addresses into offsets of the executable image
// the unit runs. The image may use overlays: code regions that share an address range and are
// swapped in at runtime. Overlay segments carry a guard, a word in the local store that tells
// which of the overlays sharing the range is currently loaded.
package addrmap // import "go.opentelemetry.io/spu-profiler/addrmap"

import (
	"fmt"

	"go.opentelemetry.io/spu-profiler/libpf"
)

// LocalStore gives access to the words of a unit local store. Unreadable words read as zero.
type LocalStore interface {
	Uint32(addr libpf.Address) uint32
}

// Segment maps the address range [Vaddr, Vaddr+Size) to the image starting at Offset.
// Segments with a non-zero GuardPtr are only valid while the local store word at
// GuardPtr equals GuardValue.
type Segment struct {
	Vaddr      uint32
	Size       uint32
	Offset     uint32
	GuardPtr   uint32
	GuardValue uint32
}

func (s *Segment) contains(vaddr uint32) bool {
	return vaddr >= s.Vaddr && vaddr-s.Vaddr < s.Size
}

func (s Segment) String() string {
	if s.GuardPtr == 0 {
		return fmt.Sprintf("%#08x-%#08x @%#x", s.Vaddr, uint64(s.Vaddr)+uint64(s.Size), s.Offset)
	}
	return fmt.Sprintf("%#08x-%#08x @%#x guard *%#x == %d", s.Vaddr,
		uint64(s.Vaddr)+uint64(s.Size), s.Offset, s.GuardPtr, s.GuardValue)
}

// Translation is the result of a successful Lookup.
type Translation struct {
	// Offset is the image offset of the looked up address.
	Offset uint32
	// Guard is the guard word observed for the matching overlay segment, or zero
	// when the address resolved through a segment without guard.
	Guard uint32
}

// Map is the address space map of one image. Segments added later shadow the ones
// added before them. A Map is immutable once built and safe for concurrent lookups.
type Map struct {
	// segments in the order they were added; lookups walk them backwards.
	segments []Segment
}

// New returns a map holding the given segments, the last one being searched first.
func New(segments ...Segment) *Map {
	m := &Map{segments: make([]Segment, 0, len(segments))}
	for _, s := range segments {
		m.add(s)
	}
	return m
}

func (m *Map) add(s Segment) {
	m.segments = append(m.segments, s)
}

// Len returns the number of segments in the map.
func (m *Map) Len() int {
	return len(m.segments)
}

// Segments returns a copy of the segments in lookup order.
func (m *Map) Segments() []Segment {
	out := make([]Segment, 0, len(m.segments))
	for i := len(m.segments) - 1; i >= 0; i-- {
		out = append(out, m.segments[i])
	}
	return out
}

// Lookup translates vaddr into an image offset. The first matching segment in lookup
// order wins. Overlay segments whose guard does not hold in ls are skipped; a nil ls
// skips all overlay segments. ok is false when no segment maps vaddr.
func (m *Map) Lookup(vaddr uint32, ls LocalStore) (t Translation, ok bool) {
	for i := len(m.segments) - 1; i >= 0; i-- {
		s := &m.segments[i]
		if !s.contains(vaddr) {
			continue
		}
		if s.GuardPtr != 0 {
			if ls == nil {
				continue
			}
			guard := ls.Uint32(libpf.Address(s.GuardPtr))
			if guard != s.GuardValue {
				continue
			}
			t.Guard = guard
		}
		t.Offset = vaddr - s.Vaddr + s.Offset
		return t, true
	}
	return Translation{}, false
}
