// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package samplebuf

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/spu-profiler/testutils"
)

var testSwitch = ContextSwitch{PID: 100, TGID: 99, BinaryID: 0xb1, MapID: 0xa1, Offset: 0x40}

func newUnit(t *testing.T, words int) (*Set, *UnitBuffer) {
	t.Helper()
	s, err := NewSet(1, words, nil)
	require.NoError(t, err)
	return s, s.Unit(0)
}

func recordWords(unit int) []uint64 {
	return []uint64{Escape, ContextSwitchCode, uint64(unit), 100, 99, 0xb1, 0xa1, 0x40}
}

func TestCapacityScenario(t *testing.T) {
	// Room for the context switch record and four sample words.
	s, b := newUnit(t, ContextSwitchWords+4)

	require.True(t, b.RecordContextSwitch(testSwitch))
	for range 3 {
		require.True(t, b.RecordSample(0x1000))
	}
	assert.Equal(t, uint64(0), s.Drops())

	assert.False(t, b.RecordSample(0x1000))
	assert.False(t, b.RecordSample(0x1000))
	assert.Equal(t, uint64(2), s.Drops())

	sink := &testutils.RecordingSink{}
	assert.Equal(t, ContextSwitchWords+3, b.Drain(sink))

	events, err := Decode(sink.Words())
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, EventContextSwitch, events[0].Kind)
	for _, ev := range events[1:] {
		assert.Equal(t, Event{Kind: EventSample, Unit: 0, Offset: 0x1000}, ev)
	}
}

func TestOverflowKeepsContents(t *testing.T) {
	var callbacks atomic.Int64
	s, err := NewSet(2, 16, func() { callbacks.Add(1) })
	require.NoError(t, err)
	b := s.Unit(1)

	require.True(t, b.RecordContextSwitch(testSwitch))
	// 15 usable slots: the record and seven samples.
	for i := range uint32(20) {
		b.RecordSample(0x100 + i)
	}
	assert.Equal(t, 15, b.Len())
	assert.Equal(t, uint64(13), s.Drops())
	assert.Equal(t, int64(13), callbacks.Load())

	sink := &testutils.RecordingSink{}
	b.Drain(sink)
	want := recordWords(1)
	for i := range uint32(7) {
		want = append(want, SampleWord(1, 0x100+i))
	}
	assert.Equal(t, want, sink.Words())
}

func TestSampleGate(t *testing.T) {
	s, b := newUnit(t, 32)

	assert.False(t, b.RecordSample(0x1000))
	assert.Equal(t, 0, b.Len())

	require.True(t, b.RecordContextSwitch(testSwitch))
	assert.False(t, b.RecordSample(0))
	assert.True(t, b.RecordSample(0x1000))

	b.ResetContext()
	assert.False(t, b.RecordSample(0x1000))
	assert.Equal(t, ContextSwitchWords+1, b.Len())
	assert.Equal(t, uint64(0), s.Drops())
}

func TestContextSwitchDoesNotFit(t *testing.T) {
	s, b := newUnit(t, MinWords)

	require.True(t, b.RecordContextSwitch(testSwitch))
	require.True(t, b.RecordSample(0x10))

	// A second record does not fit, it is dropped whole and closes the gate.
	assert.False(t, b.RecordContextSwitch(testSwitch))
	assert.Equal(t, uint64(ContextSwitchWords), s.Drops())
	assert.False(t, b.RecordSample(0x20))

	sink := &testutils.RecordingSink{}
	b.Drain(sink)
	assert.Equal(t, append(recordWords(0), SampleWord(0, 0x10)), sink.Words())
}

func TestLastGuard(t *testing.T) {
	_, b := newUnit(t, 32)
	b.Update(func(bt *Batch) {
		assert.Equal(t, uint32(0), bt.LastGuard())
		bt.SetLastGuard(3)
	})
	b.Update(func(bt *Batch) {
		assert.Equal(t, uint32(3), bt.LastGuard())
	})
	b.ResetContext()
	b.Update(func(bt *Batch) {
		assert.Equal(t, uint32(0), bt.LastGuard())
		assert.False(t, bt.ContextSwitchSeen())
	})
}

func TestDrainWraps(t *testing.T) {
	_, b := newUnit(t, 12)
	sink := &testutils.RecordingSink{}

	require.True(t, b.RecordContextSwitch(testSwitch))
	want := recordWords(0)
	assert.Equal(t, ContextSwitchWords, b.Drain(sink))
	assert.Equal(t, 0, b.Drain(sink))

	// Every round crosses the end of the ring sooner or later.
	next := uint32(1)
	for range 10 {
		for range 7 {
			require.True(t, b.RecordSample(next))
			want = append(want, SampleWord(0, next))
			next++
		}
		assert.Equal(t, 7, b.Drain(sink))
	}
	assert.Equal(t, want, sink.Words())
	assert.Equal(t, 11, sink.Ranges())
}

func TestDrainConcurrent(t *testing.T) {
	_, b := newUnit(t, 64)
	require.True(t, b.RecordContextSwitch(testSwitch))

	sink := &testutils.RecordingSink{}
	var stored []uint32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(1); i <= 5000; i++ {
			if b.RecordSample(i) {
				stored = append(stored, i)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 2000 {
			b.Drain(sink)
		}
	}()
	wg.Wait()
	<-done
	b.Drain(sink)

	events, err := Decode(sink.Words())
	require.NoError(t, err)
	require.Equal(t, EventContextSwitch, events[0].Kind)

	var got []uint32
	for _, ev := range events[1:] {
		require.Equal(t, EventSample, ev.Kind)
		got = append(got, ev.Offset)
	}
	// Nothing is delivered twice and nothing stored is lost.
	assert.Equal(t, stored, got)
}

func TestNoSampleBeforeContextSwitch(t *testing.T) {
	_, b := newUnit(t, 1024)
	sink := &testutils.RecordingSink{}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.RecordSample(0x42)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			b.Drain(sink)
		}
	}()
	b.RecordContextSwitch(testSwitch)
	close(stop)
	wg.Wait()
	b.Drain(sink)

	events, err := Decode(sink.Words())
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, EventContextSwitch, events[0].Kind)
	assert.Equal(t, testSwitch, events[0].ContextSwitch)
}

func TestSetProfilingStart(t *testing.T) {
	s, err := NewSet(3, 16, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.Nil(t, s.Unit(3))
	assert.Nil(t, s.Unit(-1))

	s.RecordProfilingStart()
	sink := &testutils.RecordingSink{}
	assert.Equal(t, 3*ProfilingStartWords, s.DrainAll(sink))

	events, err := Decode(sink.Words())
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, Event{Kind: EventProfilingStart, NumUnits: 3}, ev)
	}

	s.Release()
	assert.Equal(t, 0, s.Len())
}

func TestNewSetLimits(t *testing.T) {
	tests := map[string]struct {
		units, words int
	}{
		"no units":       {units: 0, words: 64},
		"too many units": {units: MaxUnits + 1, words: 64},
		"too small":      {units: 1, words: MinWords - 1},
		"too large":      {units: 1, words: MaxWords + 1},
		"total":          {units: MaxUnits, words: MaxWords},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, err := NewSet(tc.units, tc.words, nil)
			require.ErrorIs(t, err, ErrOutOfMemory)
			assert.Nil(t, s)
		})
	}
}
