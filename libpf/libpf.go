// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf holds the basic types shared by the profiler packages.
package libpf // import "go.opentelemetry.io/spu-profiler/libpf"

import (
	"time"
)

// PID represent Unix Process ID (pid_t)
type PID uint32

// Address represents an address, or offset within a process or a unit local store.
type Address uint64

// UnixTime32 is another type to represent seconds since epoch.
// In most cases 32bit time values are good enough until year 2106.
type UnixTime32 uint32

// NowAsUInt32 is a convenience function to avoid code repetition
func NowAsUInt32() uint32 {
	return uint32(time.Now().Unix())
}

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (p PID) Hash32() uint32 {
	return uint32(p)
}
