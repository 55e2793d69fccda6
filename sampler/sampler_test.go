// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.opentelemetry.io/spu-profiler/addrmap"
	"go.opentelemetry.io/spu-profiler/mapcache"
	"go.opentelemetry.io/spu-profiler/samplebuf"
	"go.opentelemetry.io/spu-profiler/testutils"
)

type scriptedReader struct {
	mu      sync.Mutex
	pending map[int][]TraceEntry
	calls   map[int]int
	endless bool
	// count, when set, replaces the number of entries reported by ReadTrace.
	count *int
}

func newScriptedReader() *scriptedReader {
	return &scriptedReader{
		pending: make(map[int][]TraceEntry),
		calls:   make(map[int]int),
	}
}

func (r *scriptedReader) push(core int, entries ...TraceEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[core] = append(r.pending[core], entries...)
}

func (r *scriptedReader) ReadTrace(core int, buf []TraceEntry) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[core]++
	if r.endless {
		buf[0] = TraceEntry{SubUnit: 0, PC: 0x10}
		return 1, false
	}
	n := copy(buf, r.pending[core])
	r.pending[core] = r.pending[core][n:]
	if r.count != nil {
		n = *r.count
	}
	return n, len(r.pending[core]) == 0
}

type fakeContext struct {
	image    []byte
	ls       *testutils.LocalStore
	attached *mapcache.Entry
}

func (c *fakeContext) Image() io.ReaderAt             { return bytes.NewReader(c.image) }
func (c *fakeContext) LocalStore() addrmap.LocalStore { return c.ls }
func (c *fakeContext) Attached() *mapcache.Entry      { return c.attached }
func (c *fakeContext) Attach(e *mapcache.Entry)       { c.attached = e }

const guardPtr = 0x8040

func overlayImage() []byte {
	img := testutils.Image{
		Segments: []testutils.LoadSegment{
			{Vaddr: 0x0, Offset: 0x100, Size: 0x1000},
			{Vaddr: 0x8000, Offset: 0x1100, Size: 0x100},
		},
		OverlayTable: 0x8000,
		BufTable:     guardPtr,
		Overlays: []testutils.Overlay{
			{Vaddr: 0x4000, Size: 0x100, Offset: 0x2000, Buf: 1},
			{Vaddr: 0x4000, Size: 0x100, Offset: 0x3000, Buf: 1},
		},
	}
	return img.Bytes()
}

type fixture struct {
	cfg      Config
	reader   *scriptedReader
	buffers  *samplebuf.Set
	registry *mapcache.Registry
	sampler  *Sampler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		cfg: Config{
			Cores:         2,
			UnitsPerCore:  2,
			MaxTraceReads: 4,
			Interval:      time.Hour,
		},
		reader:   newScriptedReader(),
		registry: mapcache.New(4),
	}
	var err error
	f.buffers, err = samplebuf.NewSet(4, 256, nil)
	require.NoError(t, err)
	f.sampler, err = New(f.cfg, f.reader, f.buffers, f.registry)
	require.NoError(t, err)
	return f
}

// activate caches the map of ctx for unit and opens the sample gate.
func (f *fixture) activate(t *testing.T, unit int) *fakeContext {
	t.Helper()
	ctx := &fakeContext{image: overlayImage(), ls: testutils.NewLocalStore()}
	_, err := f.registry.Activate(unit, ctx)
	require.NoError(t, err)
	require.True(t, f.buffers.Unit(unit).RecordContextSwitch(samplebuf.ContextSwitch{PID: 1}))
	return ctx
}

func (f *fixture) samples(t *testing.T, unit int) []uint32 {
	t.Helper()
	sink := &testutils.RecordingSink{}
	f.buffers.Unit(unit).Drain(sink)
	events, err := samplebuf.Decode(sink.Words())
	require.NoError(t, err)

	var offsets []uint32
	for _, ev := range events {
		if ev.Kind == samplebuf.EventSample {
			require.Equal(t, unit, ev.Unit)
			offsets = append(offsets, ev.Offset)
		}
	}
	return offsets
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]Config{
		"no cores":    {Cores: 0, UnitsPerCore: 1, MaxTraceReads: 1, Interval: time.Millisecond},
		"no units":    {Cores: 1, UnitsPerCore: 0, MaxTraceReads: 1, Interval: time.Millisecond},
		"no reads":    {Cores: 1, UnitsPerCore: 1, MaxTraceReads: 0, Interval: time.Millisecond},
		"no interval": {Cores: 1, UnitsPerCore: 1, MaxTraceReads: 1},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			require.Error(t, cfg.Validate())
		})
	}
}

func TestNewTooFewUnits(t *testing.T) {
	buffers, err := samplebuf.NewSet(2, 64, nil)
	require.NoError(t, err)
	cfg := Config{Cores: 2, UnitsPerCore: 2, MaxTraceReads: 1, Interval: time.Millisecond}
	_, err = New(cfg, newScriptedReader(), buffers, mapcache.New(4))
	require.Error(t, err)
}

func TestPassRecordsSamples(t *testing.T) {
	f := newFixture(t)
	f.activate(t, 3)

	f.reader.push(1,
		TraceEntry{SubUnit: 1, PC: 0x10},
		TraceEntry{SubUnit: 0, PC: 0x30},
		TraceEntry{SubUnit: 1, PC: 0x20},
		// Unmapped address.
		TraceEntry{SubUnit: 1, PC: 0x2000},
		// Not a unit of the core.
		TraceEntry{SubUnit: 5, PC: 0x40},
	)
	f.sampler.Pass()

	assert.Equal(t, []uint32{0x110, 0x120}, f.samples(t, 3))
	// Unit 2 has no map.
	assert.Empty(t, f.samples(t, 2))
	assert.Equal(t, 1, f.reader.calls[0])
	assert.Equal(t, 1, f.reader.calls[1])
}

func TestPassIsBounded(t *testing.T) {
	f := newFixture(t)
	f.activate(t, 0)
	f.reader.endless = true

	f.sampler.Pass()
	assert.Equal(t, f.cfg.MaxTraceReads, f.reader.calls[0])
	assert.Equal(t, f.cfg.MaxTraceReads, f.reader.calls[1])
	assert.Len(t, f.samples(t, 0), f.cfg.MaxTraceReads)
}

func TestPassBadEntryCount(t *testing.T) {
	for name, count := range map[string]int{
		"negative":      -1,
		"beyond buffer": 2*traceBatchSize + 1,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.activate(t, 0)
			f.reader.count = &count
			f.reader.push(0, TraceEntry{SubUnit: 0, PC: 0x100})

			require.NotPanics(t, f.sampler.Pass)
			if count < 0 {
				assert.Empty(t, f.samples(t, 0))
			}
		})
	}
}

func TestPassLargeTrace(t *testing.T) {
	f := newFixture(t)
	f.activate(t, 0)

	var want []uint32
	for i := range uint32(2*traceBatchSize + 1) {
		f.reader.push(0, TraceEntry{SubUnit: 0, PC: 0x100 + 4*i})
		want = append(want, 0x200+4*i)
	}
	f.sampler.Pass()
	assert.Equal(t, want, f.samples(t, 0))
	assert.Equal(t, 3, f.reader.calls[0])
}

func TestGuardChangeAbortsPass(t *testing.T) {
	f := newFixture(t)
	ctx := f.activate(t, 1)
	ctx.ls.Set(guardPtr, 1)

	trace := []TraceEntry{
		{SubUnit: 1, PC: 0x10},
		{SubUnit: 1, PC: 0x4010},
		{SubUnit: 1, PC: 0x4020},
		{SubUnit: 1, PC: 0x20},
	}

	// The first overlay sample carries a new guard, the rest of the pass is dropped.
	f.reader.push(0, trace...)
	f.sampler.Pass()
	assert.Equal(t, []uint32{0x110}, f.samples(t, 1))

	f.reader.push(0, trace...)
	f.sampler.Pass()
	assert.Equal(t, []uint32{0x110, 0x2010, 0x2020, 0x120}, f.samples(t, 1))

	// Another overlay got loaded.
	ctx.ls.Set(guardPtr, 2)
	f.reader.push(0, trace...)
	f.sampler.Pass()
	assert.Equal(t, []uint32{0x110}, f.samples(t, 1))

	f.reader.push(0, trace...)
	f.sampler.Pass()
	assert.Equal(t, []uint32{0x110, 0x3010, 0x3020, 0x120}, f.samples(t, 1))
}

func TestSamplesWaitForContextSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := &fakeContext{image: overlayImage(), ls: testutils.NewLocalStore()}
	_, err := f.registry.Activate(0, ctx)
	require.NoError(t, err)

	f.reader.push(0, TraceEntry{SubUnit: 0, PC: 0x10})
	f.sampler.Pass()
	assert.Empty(t, f.samples(t, 0))
}

func TestStartRunsFinalPass(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	f.activate(t, 0)

	stop := f.sampler.Start(context.Background())
	f.reader.push(0, TraceEntry{SubUnit: 0, PC: 0x10})
	stop()

	assert.Equal(t, []uint32{0x110}, f.samples(t, 0))
}
