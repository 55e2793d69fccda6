// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to memory that does not belong to the profiler: the
// local store of a unit, or the address space of the process that owns a unit context.
// The ReaderAt interface is used for the basic access, and convenience functions are
// provided to read the big endian words the units work with.
package remotememory // import "go.opentelemetry.io/spu-profiler/remotememory"

import (
	"encoding/binary"
	"io"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/spu-profiler/libpf"
)

// RemoteMemory implements a set of convenience functions to access the remote memory
type RemoteMemory struct {
	io.ReaderAt
}

// Read fills slice p[] with data from remote memory at address addr
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Uint32 reads a 32-bit unsigned integer from remote memory. Read failures are
// logged and yield zero.
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	v, err := rm.Uint32Checked(addr)
	if err != nil {
		log.Debugf("Failed to read word at %#x: %v", addr, err)
		return 0
	}
	return v
}

// Uint32Checked reads a 32-bit unsigned integer from remote memory
func (rm RemoteMemory) Uint32Checked(addr libpf.Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ProcessVirtualMemory implements RemoteMemory by using process_vm_readv syscalls
// to read the remote memory.
type ProcessVirtualMemory struct {
	pid libpf.PID
}

// NewProcessVirtualMemory returns ProcessVirtualMemory implementation of RemoteMemory.
func NewProcessVirtualMemory(pid libpf.PID) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}

// NewWindow returns a reader that sees [base, base+size) of rm as offsets starting at zero.
// It is used to read an image embedded at some address of a process.
func NewWindow(rm RemoteMemory, base libpf.Address, size int64) io.ReaderAt {
	return io.NewSectionReader(rm, int64(base), size)
}
