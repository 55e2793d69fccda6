// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package samplebuf implements the fixed size per unit word rings the profiler
// records into, and their drain to a Sink.
package samplebuf // import "go.opentelemetry.io/spu-profiler/samplebuf"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/spu-profiler/libpf/xsync"
	"go.opentelemetry.io/spu-profiler/metrics"
)

const (
	// MinWords is the smallest buffer accepted: a context switch record and one
	// sample, plus the reserved slot.
	MinWords = ContextSwitchWords + 2
	// MaxWords bounds the size of a single unit buffer.
	MaxWords = 1 << 24
	// MaxTotalWords bounds the words allocated for all units of a session.
	MaxTotalWords = 1 << 26
	// MaxUnits bounds the number of units of a session.
	MaxUnits = 256
)

// ErrOutOfMemory is returned when the requested buffers can not be allocated.
var ErrOutOfMemory = errors.New("sample buffer allocation failed")

// Sink receives the drained words of a unit buffer. The range [from, to) wraps
// around the end of words when to < from; len(words) is the buffer capacity.
// The words are only valid during the call.
type Sink interface {
	Consume(words []uint64, from, to int)
}

// state is the part of a UnitBuffer that producers and the drain share.
type state struct {
	// head is the next slot written, tail the next slot drained.
	head, tail int
	// contextSwitchSeen gates the samples until the context switch record of the
	// task running on the unit has been written.
	contextSwitchSeen bool
	// lastGuard is the overlay guard value observed by the last sampler pass.
	lastGuard uint32
}

// UnitBuffer is the sample ring of one unit. One slot is always left empty to
// tell a full ring from an empty one.
type UnitBuffer struct {
	unit  int
	words []uint64
	state xsync.Mutex[state]

	// drainMu serializes drains, each buffer has a single consumer.
	drainMu sync.Mutex

	set *Set
}

// Unit returns the index of the unit the buffer belongs to.
func (b *UnitBuffer) Unit() int {
	return b.unit
}

// Cap returns the number of words of the ring. It holds at most Cap()-1 words.
func (b *UnitBuffer) Cap() int {
	return len(b.words)
}

// Len returns the number of words waiting to be drained.
func (b *UnitBuffer) Len() int {
	st := b.state.Lock()
	defer b.state.Unlock(&st)
	return b.used(st)
}

func (b *UnitBuffer) used(st *state) int {
	n := len(b.words)
	return (st.head - st.tail + n) % n
}

func (b *UnitBuffer) free(st *state) int {
	return len(b.words) - 1 - b.used(st)
}

// Batch is a set of writes to one unit buffer made while holding its lock.
// It must not be used after the Update call that created it returned.
type Batch struct {
	b  *UnitBuffer
	st *state

	recorded, dropped, early int
}

// Update runs fn with the buffer locked, so the writes fn makes become visible
// to the drain at once.
func (b *UnitBuffer) Update(fn func(*Batch)) {
	batch := Batch{b: b}
	batch.st = b.state.Lock()
	fn(&batch)
	b.state.Unlock(&batch.st)

	b.set.account(batch.recorded, batch.dropped, batch.early)
}

// append writes w, or counts it as dropped when the ring is full.
func (bt *Batch) append(w uint64) bool {
	b := bt.b
	if b.free(bt.st) == 0 {
		bt.dropped++
		return false
	}
	b.words[bt.st.head] = w
	bt.st.head = (bt.st.head + 1) % len(b.words)
	return true
}

// appendRecord writes all of words or none of them.
func (bt *Batch) appendRecord(words ...uint64) bool {
	if bt.b.free(bt.st) < len(words) {
		bt.dropped += len(words)
		return false
	}
	for _, w := range words {
		bt.append(w)
	}
	return true
}

// ContextSwitchSeen tells if samples are currently accepted.
func (bt *Batch) ContextSwitchSeen() bool {
	return bt.st.contextSwitchSeen
}

// LastGuard returns the overlay guard recorded by SetLastGuard.
func (bt *Batch) LastGuard() uint32 {
	return bt.st.lastGuard
}

// SetLastGuard records the overlay guard value observed by a sampler pass.
func (bt *Batch) SetLastGuard(guard uint32) {
	bt.st.lastGuard = guard
}

// RecordSample appends the sample for the image offset. It is a no-op before
// the context switch record of the unit or for a zero offset. The result tells
// whether the sample was stored.
func (bt *Batch) RecordSample(offset uint32) bool {
	if !bt.st.contextSwitchSeen {
		bt.early++
		return false
	}
	if offset == 0 {
		return false
	}
	if !bt.append(SampleWord(bt.b.unit, offset)) {
		return false
	}
	bt.recorded++
	return true
}

// RecordContextSwitch writes the context switch record and from then on accepts
// samples. A record that does not fit is dropped as a whole and samples are
// rejected until the next context switch record is written.
func (bt *Batch) RecordContextSwitch(cs ContextSwitch) bool {
	ok := bt.appendRecord(Escape, ContextSwitchCode, uint64(bt.b.unit),
		uint64(cs.PID), uint64(cs.TGID), cs.BinaryID, cs.MapID, cs.Offset)
	bt.st.contextSwitchSeen = ok
	return ok
}

// RecordContextSwitch writes a context switch record in its own batch.
func (b *UnitBuffer) RecordContextSwitch(cs ContextSwitch) (ok bool) {
	b.Update(func(bt *Batch) {
		ok = bt.RecordContextSwitch(cs)
	})
	if ok {
		metrics.Add(metrics.IDContextSwitches, 1)
	}
	return ok
}

// RecordSample appends a single sample in its own batch.
func (b *UnitBuffer) RecordSample(offset uint32) (ok bool) {
	b.Update(func(bt *Batch) {
		ok = bt.RecordSample(offset)
	})
	return ok
}

// RecordProfilingStart writes the session header.
func (b *UnitBuffer) RecordProfilingStart(numUnits int) (ok bool) {
	b.Update(func(bt *Batch) {
		ok = bt.appendRecord(Escape, ProfilingCode, uint64(numUnits))
	})
	return ok
}

// ResetContext rejects samples until the next context switch record and
// forgets the last overlay guard.
func (b *UnitBuffer) ResetContext() {
	st := b.state.Lock()
	st.contextSwitchSeen = false
	st.lastGuard = 0
	b.state.Unlock(&st)
}

// Drain hands the words written so far to sink and returns their number. Words
// written while sink runs are left for the next drain.
func (b *UnitBuffer) Drain(sink Sink) int {
	b.drainMu.Lock()
	defer b.drainMu.Unlock()

	st := b.state.Lock()
	head, tail := st.head, st.tail
	b.state.Unlock(&st)

	if head == tail {
		return 0
	}
	// The producers never write [tail, head), so the sink reads it unlocked.
	sink.Consume(b.words, tail, head)

	st = b.state.Lock()
	st.tail = head
	b.state.Unlock(&st)

	n := len(b.words)
	return (head - tail + n) % n
}

// Set holds the unit buffers of a profiling session and their shared drop counter.
type Set struct {
	units  []*UnitBuffer
	drops  atomic.Uint64
	onDrop func()
}

// NewSet allocates numUnits buffers of words each. onDrop, if not nil, is called
// for every dropped word. ErrOutOfMemory is returned when the request is beyond
// the allocation limits.
func NewSet(numUnits, words int, onDrop func()) (*Set, error) {
	if numUnits <= 0 || numUnits > MaxUnits {
		return nil, fmt.Errorf("%w: %d units", ErrOutOfMemory, numUnits)
	}
	if words < MinWords || words > MaxWords {
		return nil, fmt.Errorf("%w: buffer of %d words not in [%d, %d]",
			ErrOutOfMemory, words, MinWords, MaxWords)
	}

	if numUnits*words > MaxTotalWords {
		log.Errorf("Buffers of %d units exceed the limit of %d words", numUnits, MaxTotalWords)
		return nil, fmt.Errorf("%w: %d units of %d words", ErrOutOfMemory, numUnits, words)
	}

	s := &Set{
		units:  make([]*UnitBuffer, 0, numUnits),
		onDrop: onDrop,
	}
	for unit := range numUnits {
		s.units = append(s.units, &UnitBuffer{
			unit:  unit,
			words: make([]uint64, words),
			state: xsync.NewMutex(state{}),
			set:   s,
		})
	}
	return s, nil
}

// Len returns the number of unit buffers.
func (s *Set) Len() int {
	return len(s.units)
}

// Unit returns the buffer of unit, or nil if the index is out of range.
func (s *Set) Unit(unit int) *UnitBuffer {
	if unit < 0 || unit >= len(s.units) {
		return nil
	}
	return s.units[unit]
}

// Drops returns the number of words dropped because a buffer was full.
func (s *Set) Drops() uint64 {
	return s.drops.Load()
}

// RecordProfilingStart writes the session header into every buffer.
func (s *Set) RecordProfilingStart() {
	for _, b := range s.units {
		b.RecordProfilingStart(len(s.units))
	}
}

// DrainAll drains every buffer into sink and returns the number of words delivered.
func (s *Set) DrainAll(sink Sink) int {
	total := 0
	for _, b := range s.units {
		total += b.Drain(sink)
	}
	if total > 0 {
		metrics.Add(metrics.IDWordsDrained, metrics.MetricValue(total))
	}
	return total
}

// Release drops the references to the buffers. The set must not be used afterwards.
func (s *Set) Release() {
	for i := range s.units {
		s.units[i] = nil
	}
	s.units = nil
}

func (s *Set) account(recorded, dropped, early int) {
	if dropped > 0 {
		s.drops.Add(uint64(dropped))
		if s.onDrop != nil {
			for range dropped {
				s.onDrop()
			}
		}
	}
	if recorded == 0 && dropped == 0 && early == 0 {
		return
	}
	metrics.AddSlice([]metrics.Metric{
		{ID: metrics.IDSamplesRecorded, Value: metrics.MetricValue(recorded)},
		{ID: metrics.IDSamplesDropped, Value: metrics.MetricValue(dropped)},
		{ID: metrics.IDSamplesBeforeContextSwitch, Value: metrics.MetricValue(early)},
	})
}
