// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package profiler // import "go.opentelemetry.io/spu-profiler/profiler"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/spu-profiler/samplebuf"
	"go.opentelemetry.io/spu-profiler/sampler"
	"go.opentelemetry.io/spu-profiler/times"
)

const (
	// DefaultBufferWords is the size of each unit buffer if not configured.
	DefaultBufferWords = 64 * 1024

	// minBufferWords leaves room for the session header, one context switch
	// record and one sample.
	minBufferWords = samplebuf.ProfilingStartWords + samplebuf.ContextSwitchWords + 2
)

// Config is the configuration of a Profiler.
type Config struct {
	// Cores is the number of hardware trace facilities.
	Cores int
	// UnitsPerCore is the number of units each trace facility samples.
	UnitsPerCore int
	// BufferWords is the size of each unit buffer.
	BufferWords int
	// MaxTraceReads bounds the trace reads per core and sampler pass.
	MaxTraceReads int

	// Intervals holds the sampling and the drain intervals.
	Intervals times.IntervalsAndTimers

	TraceReader sampler.TraceReader
	Sink        samplebuf.Sink
	// OnDrop, if set, is called for every word dropped because a buffer was full.
	OnDrop func()
}

// Units returns the number of units profiled.
func (cfg *Config) Units() int {
	return cfg.Cores * cfg.UnitsPerCore
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided. Unset optional values get their defaults.
func (cfg *Config) Validate() error {
	if cfg.Cores <= 0 || cfg.UnitsPerCore <= 0 {
		return fmt.Errorf("invalid unit topology: %d cores with %d units",
			cfg.Cores, cfg.UnitsPerCore)
	}
	if cfg.BufferWords == 0 {
		cfg.BufferWords = DefaultBufferWords
	}
	if cfg.BufferWords < minBufferWords {
		return fmt.Errorf("buffer of %d words is below the minimum of %d",
			cfg.BufferWords, minBufferWords)
	}
	if cfg.MaxTraceReads == 0 {
		cfg.MaxTraceReads = sampler.DefaultMaxTraceReads
	}
	if cfg.MaxTraceReads < 0 {
		return fmt.Errorf("invalid trace read bound %d", cfg.MaxTraceReads)
	}
	if cfg.Intervals == nil {
		cfg.Intervals = times.New(0, 0)
	}
	if cfg.Intervals.SampleInterval() <= 0 {
		return errors.New("sampling interval must be positive")
	}
	if cfg.Intervals.SyncInterval() < cfg.Intervals.SampleInterval() {
		return fmt.Errorf("sync interval %v below the sampling interval %v",
			cfg.Intervals.SyncInterval(), cfg.Intervals.SampleInterval())
	}
	if cfg.TraceReader == nil {
		return errors.New("no trace reader configured")
	}
	if cfg.Sink == nil {
		return errors.New("no sink configured")
	}
	return nil
}
