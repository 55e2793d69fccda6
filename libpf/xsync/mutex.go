// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides lock types that hide the data they protect, so that the
// data cannot be reached without holding the lock.
package xsync // import "go.opentelemetry.io/spu-profiler/libpf/xsync"

import "sync"

// Mutex is a thin wrapper around sync.Mutex that owns the data it protects.
//
// The only way to reach the guarded value is through Lock, which returns a pointer that
// Unlock invalidates again:
//
//	type unitState struct {
//		head, tail uint32
//	}
//
//	state := xsync.NewMutex(unitState{})
//
//	st := state.Lock()
//	defer state.Unlock(&st)
//	st.head++
//
// Forgetting the lock does not compile, and using the pointer after Unlock crashes
// immediately in tests instead of racing silently.
type Mutex[T any] struct {
	guarded T
	mutex   sync.Mutex
}

// NewMutex creates a new mutex guarding the given value.
func NewMutex[T any](guarded T) Mutex[T] {
	return Mutex[T]{
		guarded: guarded,
	}
}

// Lock locks the mutex, returning a pointer to the protected data.
//
// The caller **must not** let the returned pointer leak out of the scope of the function where it
// was originally created, except for temporarily borrowing it to other functions.
func (mtx *Mutex[T]) Lock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// Unlock unlocks the mutex after previously being locked by Lock.
//
// Pass a reference to the pointer returned from Lock here to ensure it is invalidated.
func (mtx *Mutex[T]) Unlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
