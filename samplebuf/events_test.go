// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package samplebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	words := []uint64{Escape, ProfilingCode, 2}
	words = append(words, recordWords(1)...)
	words = append(words, SampleWord(1, 0x1234), SampleWord(1, 0x10))

	events, err := Decode(words)
	require.NoError(t, err)
	assert.Equal(t, []Event{
		{Kind: EventProfilingStart, NumUnits: 2},
		{Kind: EventContextSwitch, Unit: 1, ContextSwitch: testSwitch},
		{Kind: EventSample, Unit: 1, Offset: 0x1234},
		{Kind: EventSample, Unit: 1, Offset: 0x10},
	}, events)
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string]struct {
		words []uint64
		err   error
		n     int
	}{
		"lone escape":      {words: []uint64{SampleWord(0, 1), Escape}, err: ErrTruncated, n: 1},
		"short header":     {words: []uint64{Escape, ProfilingCode}, err: ErrTruncated},
		"short record":     {words: recordWords(0)[:5], err: ErrTruncated},
		"unknown":          {words: []uint64{Escape, 99, 0}, err: ErrUnknownRecord},
		"after good event": {words: []uint64{Escape, ProfilingCode, 1, Escape, 7}, err: ErrUnknownRecord, n: 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			events, err := Decode(tc.words)
			require.ErrorIs(t, err, tc.err)
			assert.Len(t, events, tc.n)
		})
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "context-switch", EventContextSwitch.String())
	assert.Equal(t, "unknown(9)", EventKind(9).String())
}
