// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package reporter contains sinks for the words drained from the unit buffers.
package reporter // import "go.opentelemetry.io/spu-profiler/reporter"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// wordSize is the encoded size of one word.
const wordSize = 8

// StreamReporter writes the delivered words as big endian 64 bit integers into
// a zstd compressed stream. It is safe for concurrent use.
type StreamReporter struct {
	mu      sync.Mutex
	enc     *zstd.Encoder
	scratch []byte
	words   uint64
	// err is the first write error, later words are discarded.
	err error
}

// NewStreamReporter returns a reporter writing to w.
func NewStreamReporter(w io.Writer, level zstd.EncoderLevel) (*StreamReporter, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &StreamReporter{enc: enc}, nil
}

// Consume implements samplebuf.Sink.
func (r *StreamReporter) Consume(words []uint64, from, to int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}

	r.scratch = r.scratch[:0]
	n := 0
	for i := from; i != to; i = (i + 1) % len(words) {
		r.scratch = binary.BigEndian.AppendUint64(r.scratch, words[i])
		n++
	}
	if _, err := r.enc.Write(r.scratch); err != nil {
		r.err = err
		log.Errorf("Failed to write %d words: %v", n, err)
		return
	}
	r.words += uint64(n)
}

// Words returns the number of words written so far.
func (r *StreamReporter) Words() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.words
}

// Flush writes the buffered words to the underlying writer.
func (r *StreamReporter) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	return r.enc.Flush()
}

// Close flushes the stream and finishes it. It does not close the underlying writer.
func (r *StreamReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.err, r.enc.Close())
}

// Decode reads a stream written by a StreamReporter.
func Decode(rd io.Reader) ([]uint64, error) {
	dec, err := zstd.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompressing words: %w", err)
	}
	if len(data)%wordSize != 0 {
		return nil, fmt.Errorf("stream of %d bytes is not made of words", len(data))
	}
	words := make([]uint64, 0, len(data)/wordSize)
	for off := 0; off < len(data); off += wordSize {
		words = append(words, binary.BigEndian.Uint64(data[off:]))
	}
	return words, nil
}
