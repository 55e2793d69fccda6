// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testutils // import "go.opentelemetry.io/spu-profiler/testutils"

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/spu-profiler/libpf"
)

type MockIntervals struct{}

func (f MockIntervals) SampleInterval() time.Duration { return 1 * time.Millisecond }
func (f MockIntervals) SyncInterval() time.Duration   { return 10 * time.Millisecond }

// LocalStore is a sparse unit local store holding 32-bit words.
type LocalStore struct {
	mu    sync.Mutex
	words map[libpf.Address]uint32
}

func NewLocalStore() *LocalStore {
	return &LocalStore{words: make(map[libpf.Address]uint32)}
}

// Set stores a word at addr.
func (ls *LocalStore) Set(addr libpf.Address, v uint32) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.words[addr] = v
}

func (ls *LocalStore) Uint32(addr libpf.Address) uint32 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.words[addr]
}

// CountingReader is an io.ReaderAt over a byte slice that counts its calls.
type CountingReader struct {
	r     *bytes.Reader
	calls atomic.Int64
}

func NewCountingReader(data []byte) *CountingReader {
	return &CountingReader{r: bytes.NewReader(data)}
}

func (c *CountingReader) ReadAt(p []byte, off int64) (int, error) {
	c.calls.Add(1)
	return c.r.ReadAt(p, off)
}

// Calls returns the number of ReadAt calls so far.
func (c *CountingReader) Calls() int64 {
	return c.calls.Load()
}

// RecordingSink collects every word handed to it.
type RecordingSink struct {
	mu     sync.Mutex
	words  []uint64
	ranges int
}

func (s *RecordingSink) Consume(words []uint64, from, to int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranges++
	for i := from; i != to; i = (i + 1) % len(words) {
		s.words = append(s.words, words[i])
	}
}

// Words returns a copy of the collected words.
func (s *RecordingSink) Words() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.words...)
}

// Ranges returns how many ranges were delivered.
func (s *RecordingSink) Ranges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranges
}
