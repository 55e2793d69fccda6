// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package samplebuf // import "go.opentelemetry.io/spu-profiler/samplebuf"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/spu-profiler/libpf"
)

const (
	// Escape starts every record that is not a plain sample word.
	Escape = ^uint64(0)

	// ProfilingCode tags the session header written when profiling starts.
	ProfilingCode uint64 = 11
	// ContextSwitchCode tags a context switch record.
	ContextSwitchCode uint64 = 12

	// ProfilingStartWords is the length of the session header record.
	ProfilingStartWords = 3
	// ContextSwitchWords is the length of a context switch record.
	ContextSwitchWords = 8
)

// ContextSwitch describes the task a unit started to run.
type ContextSwitch struct {
	PID  libpf.PID
	TGID libpf.PID
	// BinaryID identifies the file the unit image was loaded from.
	BinaryID uint64
	// MapID identifies the mapping holding the image, equal to BinaryID for
	// images that are not embedded in another file.
	MapID uint64
	// Offset is the offset of the image in the mapping.
	Offset uint64
}

// SampleWord encodes a translated sample of a unit.
func SampleWord(unit int, offset uint32) uint64 {
	return uint64(uint32(unit))<<32 | uint64(offset)
}

// EventKind tells which record an Event was decoded from.
type EventKind uint8

const (
	EventSample EventKind = iota
	EventProfilingStart
	EventContextSwitch
)

func (k EventKind) String() string {
	switch k {
	case EventSample:
		return "sample"
	case EventProfilingStart:
		return "profiling-start"
	case EventContextSwitch:
		return "context-switch"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Event is one decoded record of a drained word stream.
type Event struct {
	Kind EventKind
	// Unit is set for samples and context switches.
	Unit int
	// Offset is the image offset of a sample.
	Offset uint32
	// NumUnits is the unit count of a session header.
	NumUnits int
	// ContextSwitch is set for context switch records.
	ContextSwitch ContextSwitch
}

var (
	// ErrTruncated is returned when a record does not fit the remaining words.
	ErrTruncated = errors.New("truncated record")
	// ErrUnknownRecord is returned for escaped records with an unknown code.
	ErrUnknownRecord = errors.New("unknown record")
)

// Decode splits a word stream as delivered to a Sink into events. Events decoded
// before an error are returned together with it.
func Decode(words []uint64) ([]Event, error) {
	var events []Event
	for i := 0; i < len(words); {
		w := words[i]
		if w != Escape {
			events = append(events, Event{
				Kind:   EventSample,
				Unit:   int(w >> 32),
				Offset: uint32(w),
			})
			i++
			continue
		}
		if i+1 >= len(words) {
			return events, fmt.Errorf("%w: escape at word %d", ErrTruncated, i)
		}
		switch code := words[i+1]; code {
		case ProfilingCode:
			if i+ProfilingStartWords > len(words) {
				return events, fmt.Errorf("%w: session header at word %d", ErrTruncated, i)
			}
			events = append(events, Event{
				Kind:     EventProfilingStart,
				NumUnits: int(words[i+2]),
			})
			i += ProfilingStartWords
		case ContextSwitchCode:
			if i+ContextSwitchWords > len(words) {
				return events, fmt.Errorf("%w: context switch at word %d", ErrTruncated, i)
			}
			rec := words[i : i+ContextSwitchWords]
			events = append(events, Event{
				Kind: EventContextSwitch,
				Unit: int(rec[2]),
				ContextSwitch: ContextSwitch{
					PID:      libpf.PID(rec[3]),
					TGID:     libpf.PID(rec[4]),
					BinaryID: rec[5],
					MapID:    rec[6],
					Offset:   rec[7],
				},
			})
			i += ContextSwitchWords
		default:
			return events, fmt.Errorf("%w: code %d at word %d", ErrUnknownRecord, code, i)
		}
	}
	return events, nil
}
