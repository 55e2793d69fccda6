// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds the intervals that drive the periodic work of a profiling session.
package times // import "go.opentelemetry.io/spu-profiler/times"

import (
	"fmt"
	"time"
)

const (
	// DefaultSampleInterval is the period of the PC sampler.
	DefaultSampleInterval = 10 * time.Millisecond
	// DefaultSyncInterval is the period of the buffer drain task.
	DefaultSyncInterval = 100 * time.Millisecond
)

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

// Times hold all the intervals that are used across the profiler in a central place
// and comes with Getters to read them.
type Times struct {
	sampleInterval time.Duration
	syncInterval   time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// SampleInterval defines the interval at which the hardware trace buffers are drained
	// and the PC samples are translated.
	SampleInterval() time.Duration
	// SyncInterval defines the interval at which the unit buffers are handed to the sink.
	// It is expected to be an order of magnitude above SampleInterval.
	SyncInterval() time.Duration
}

func (t *Times) SampleInterval() time.Duration { return t.sampleInterval }

func (t *Times) SyncInterval() time.Duration { return t.syncInterval }

// New returns a new Times instance. Zero values are replaced by the defaults.
func New(sampleInterval, syncInterval time.Duration) *Times {
	if sampleInterval == 0 {
		sampleInterval = DefaultSampleInterval
	}
	if syncInterval == 0 {
		syncInterval = DefaultSyncInterval
	}
	return &Times{
		sampleInterval: sampleInterval,
		syncInterval:   syncInterval,
	}
}

// Validate checks that the intervals can drive a session.
func (t *Times) Validate() error {
	if t.sampleInterval <= 0 {
		return fmt.Errorf("invalid sample interval %v", t.sampleInterval)
	}
	if t.syncInterval < t.sampleInterval {
		return fmt.Errorf("sync interval %v is shorter than sample interval %v",
			t.syncInterval, t.sampleInterval)
	}
	return nil
}
