// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package profiler runs a unit profiling session: it owns the unit buffers and
// the map registry, records context switches reported by HandleUnitEvent, runs
// the sampler and periodically drains the buffers into the sink.
package profiler // import "go.opentelemetry.io/spu-profiler/profiler"

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/spu-profiler/mapcache"
	"go.opentelemetry.io/spu-profiler/metrics"
	"go.opentelemetry.io/spu-profiler/periodiccaller"
	"go.opentelemetry.io/spu-profiler/samplebuf"
	"go.opentelemetry.io/spu-profiler/sampler"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is running.
	ErrAlreadyRunning = errors.New("profiling session already running")
	// ErrNotRunning is returned for unit events outside of a session.
	ErrNotRunning = errors.New("no profiling session running")
)

// EventKind tells what happened to a unit.
type EventKind uint8

const (
	// Activated reports that a unit started to run a context.
	Activated EventKind = iota
	// Deactivated reports that a unit stopped running its context.
	Deactivated
)

func (k EventKind) String() string {
	switch k {
	case Activated:
		return "activated"
	case Deactivated:
		return "deactivated"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// UnitContext is the context a unit runs.
type UnitContext interface {
	mapcache.Context
	// ContextSwitch returns the record written when a unit starts to run the context.
	ContextSwitch() samplebuf.ContextSwitch
}

type session struct {
	id       uuid.UUID
	cancel   context.CancelFunc
	buffers  *samplebuf.Set
	registry *mapcache.Registry

	stopSampler func()
	stopDrain   func()
}

// Profiler runs at most one profiling session at a time.
type Profiler struct {
	cfg Config

	// mu guards session. Unit events hold it shared, Start and Stop exclusively.
	mu      sync.RWMutex
	session *session

	// flush triggers a drain outside of the regular interval.
	flush chan bool
}

// New creates a profiler. The configuration is validated, see Config.Validate.
func New(cfg Config) (*Profiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Profiler{
		cfg:   cfg,
		flush: make(chan bool, 1),
	}, nil
}

// Start starts a profiling session. Every unit buffer receives the session header,
// then unit events are accepted and the sampler and the drain task are started.
// When Start fails nothing of the session is left allocated.
func (p *Profiler) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil {
		return ErrAlreadyRunning
	}

	units := p.cfg.Units()
	buffers, err := samplebuf.NewSet(units, p.cfg.BufferWords, p.cfg.OnDrop)
	if err != nil {
		return fmt.Errorf("failed to allocate unit buffers: %w", err)
	}
	registry := mapcache.New(units)

	smp, err := sampler.New(sampler.Config{
		Cores:         p.cfg.Cores,
		UnitsPerCore:  p.cfg.UnitsPerCore,
		MaxTraceReads: p.cfg.MaxTraceReads,
		Interval:      p.cfg.Intervals.SampleInterval(),
	}, p.cfg.TraceReader, buffers, registry)
	if err != nil {
		buffers.Release()
		return fmt.Errorf("failed to create sampler: %w", err)
	}

	buffers.RecordProfilingStart()

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:       uuid.New(),
		cancel:   cancel,
		buffers:  buffers,
		registry: registry,
	}
	// Drop a stale trigger of a previous session.
	select {
	case <-p.flush:
	default:
	}

	s.stopSampler = smp.Start(ctx)
	s.stopDrain = periodiccaller.StartWithManualTrigger(ctx, p.cfg.Intervals.SyncInterval(),
		p.flush, func(manual bool) {
			n := buffers.DrainAll(p.cfg.Sink)
			if manual {
				log.Debugf("Flushed %d words", n)
			}
		})
	p.session = s

	metrics.Add(metrics.IDSessionUnits, metrics.MetricValue(units))
	log.Infof("Started profiling session %s on %d units", s.id, units)
	return nil
}

// Stop ends the running session. The sampler finishes with a last pass, then
// the buffers are drained a final time, the cached maps are released and the
// buffered metrics are reported.
func (p *Profiler) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.session
	if s == nil {
		return
	}
	p.session = nil

	s.cancel()
	s.stopSampler()
	s.stopDrain()
	s.buffers.DrainAll(p.cfg.Sink)
	s.registry.ReleaseAll()

	drops := s.buffers.Drops()
	s.buffers.Release()
	if drops > 0 {
		log.Warnf("Profiling session %s dropped %d words", s.id, drops)
	}
	metrics.Flush()
	log.Infof("Stopped profiling session %s", s.id)
}

// Running tells whether a session is running.
func (p *Profiler) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session != nil
}

// SessionID returns the id of the running session, or uuid.Nil.
func (p *Profiler) SessionID() uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return uuid.Nil
	}
	return p.session.id
}

// Flush asks the drain task to drain the buffers now. It does not wait for the drain.
func (p *Profiler) Flush() {
	select {
	case p.flush <- true:
	default:
	}
}

// HandleUnitEvent processes the notification that unit started or stopped
// running uctx. An activation caches the map of the image uctx runs and writes
// the context switch record, after which the samples of unit are recorded.
// Errors concern the given unit only.
func (p *Profiler) HandleUnitEvent(unit int, kind EventKind, uctx UnitContext) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := p.session
	if s == nil {
		return ErrNotRunning
	}
	b := s.buffers.Unit(unit)
	if b == nil {
		metrics.Add(metrics.IDInvalidUnitIndex, 1)
		log.Errorf("Event %v for unit %d outside of [0, %d)", kind, unit, s.buffers.Len())
		return fmt.Errorf("%w: %d", mapcache.ErrInvalidUnit, unit)
	}

	switch kind {
	case Activated:
		// Samples traced before the record belong to the previous context.
		b.ResetContext()
		if _, err := s.registry.Activate(unit, uctx); err != nil {
			log.Warnf("Unit %d left without map: %v", unit, err)
			return err
		}
		if !b.RecordContextSwitch(uctx.ContextSwitch()) {
			log.Debugf("No room for the context switch record of unit %d", unit)
		}
		return nil
	case Deactivated:
		b.ResetContext()
		return s.registry.Deactivate(unit)
	default:
		return fmt.Errorf("unknown event %v for unit %d", kind, unit)
	}
}
