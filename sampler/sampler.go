// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package sampler periodically reads the program counters the hardware traced
// for every unit, translates them to image offsets and records them.
package sampler // import "go.opentelemetry.io/spu-profiler/sampler"

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/spu-profiler/mapcache"
	"go.opentelemetry.io/spu-profiler/metrics"
	"go.opentelemetry.io/spu-profiler/periodiccaller"
	"go.opentelemetry.io/spu-profiler/samplebuf"
)

const (
	// DefaultMaxTraceReads bounds the reads of one core trace per pass.
	DefaultMaxTraceReads = 64
	// traceBatchSize is the number of entries requested per read.
	traceBatchSize = 32
)

// TraceEntry is one program counter traced by the hardware.
type TraceEntry struct {
	// SubUnit is the index of the unit within its core.
	SubUnit int
	// PC is the local store address the unit executed.
	PC uint32
}

// TraceReader reads the trace of the hardware sampling facility.
type TraceReader interface {
	// ReadTrace fills buf with entries traced by core and returns their number.
	// empty reports that no further entries are pending. It must not block.
	ReadTrace(core int, buf []TraceEntry) (n int, empty bool)
}

// Config describes the unit topology and the sampling bounds.
type Config struct {
	// Cores is the number of trace facilities, each serving UnitsPerCore units.
	Cores        int
	UnitsPerCore int
	// MaxTraceReads bounds the ReadTrace calls per core and pass.
	MaxTraceReads int
	// Interval is the time between two passes.
	Interval time.Duration
}

// Units returns the number of units the configuration covers.
func (c *Config) Units() int {
	return c.Cores * c.UnitsPerCore
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Cores <= 0 || c.UnitsPerCore <= 0 {
		return fmt.Errorf("invalid topology of %d cores with %d units each",
			c.Cores, c.UnitsPerCore)
	}
	if c.MaxTraceReads <= 0 {
		return errors.New("MaxTraceReads must be positive")
	}
	if c.Interval <= 0 {
		return errors.New("sampling interval must be positive")
	}
	return nil
}

// Sampler turns the hardware traces into samples. Pass must not run concurrently.
type Sampler struct {
	cfg      Config
	reader   TraceReader
	buffers  *samplebuf.Set
	registry *mapcache.Registry

	entries []TraceEntry
	// pcs groups the entries of one core by sub unit.
	pcs [][]uint32
}

// New returns a sampler recording into buffers, translating through registry.
func New(cfg Config, reader TraceReader, buffers *samplebuf.Set,
	registry *mapcache.Registry) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if buffers.Len() < cfg.Units() || registry.Len() < cfg.Units() {
		return nil, fmt.Errorf("%d units configured, %d buffers and %d map slots available",
			cfg.Units(), buffers.Len(), registry.Len())
	}
	return &Sampler{
		cfg:      cfg,
		reader:   reader,
		buffers:  buffers,
		registry: registry,
		entries:  make([]TraceEntry, traceBatchSize),
		pcs:      make([][]uint32, cfg.UnitsPerCore),
	}, nil
}

// Start runs a pass every interval until the returned function is called or ctx
// is canceled. The returned function waits for the in-flight pass, runs a final
// one and returns.
func (s *Sampler) Start(ctx context.Context) func() {
	stop := periodiccaller.Start(ctx, s.cfg.Interval, s.Pass)
	return func() {
		stop()
		s.Pass()
		log.Debugf("Sampler stopped")
	}
}

// Pass reads the traces of all cores once.
func (s *Sampler) Pass() {
	for core := range s.cfg.Cores {
		s.passCore(core)
	}
}

func (s *Sampler) passCore(core int) {
	for sub := range s.pcs {
		s.pcs[sub] = s.pcs[sub][:0]
	}

	read, invalid := 0, 0
	for range s.cfg.MaxTraceReads {
		n, empty := s.reader.ReadTrace(core, s.entries)
		n = max(0, min(n, len(s.entries)))
		for _, entry := range s.entries[:n] {
			if entry.SubUnit < 0 || entry.SubUnit >= s.cfg.UnitsPerCore {
				invalid++
				continue
			}
			s.pcs[entry.SubUnit] = append(s.pcs[entry.SubUnit], entry.PC)
		}
		read += n
		if empty {
			break
		}
	}
	if read == 0 {
		return
	}
	metrics.Add(metrics.IDTraceEntriesRead, metrics.MetricValue(read))
	if invalid > 0 {
		metrics.Add(metrics.IDInvalidUnitIndex, metrics.MetricValue(invalid))
		log.Warnf("Core %d traced %d entries of unknown units", core, invalid)
	}

	for sub, pcs := range s.pcs {
		if len(pcs) > 0 {
			s.recordUnit(core*s.cfg.UnitsPerCore+sub, pcs)
		}
	}
}

// recordUnit records the traced pcs of unit in one batch. A change of the
// overlay guard discards the remaining pcs, they may belong to either overlay.
func (s *Sampler) recordUnit(unit int, pcs []uint32) {
	e := s.registry.Get(unit)
	if e == nil {
		metrics.Add(metrics.IDSamplesUnmapped, metrics.MetricValue(len(pcs)))
		return
	}
	defer e.Release()

	b := s.buffers.Unit(unit)
	unmapped, aborted := 0, false
	b.Update(func(bt *samplebuf.Batch) {
		for _, pc := range pcs {
			tr, ok := e.Lookup(pc)
			if !ok {
				unmapped++
				continue
			}
			if tr.Guard != 0 && tr.Guard != bt.LastGuard() {
				bt.SetLastGuard(tr.Guard)
				aborted = true
				return
			}
			bt.RecordSample(tr.Offset)
		}
	})

	if unmapped > 0 {
		metrics.Add(metrics.IDSamplesUnmapped, metrics.MetricValue(unmapped))
	}
	if aborted {
		metrics.Add(metrics.IDOverlayScanAborts, 1)
		log.Debugf("Overlay of unit %d changed, discarding the rest of the pass", unit)
	}
}
