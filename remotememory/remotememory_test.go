// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"bytes"
	"errors"
	"io"
	"os"
	"runtime"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/spu-profiler/libpf"
)

func TestBigEndianWords(t *testing.T) {
	rm := RemoteMemory{ReaderAt: bytes.NewReader([]byte{
		0x00, 0x00, 0x00, 0x01, 0xde, 0xad, 0xbe, 0xef,
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	})}

	assert.Equal(t, uint32(1), rm.Uint32(0))
	assert.Equal(t, uint32(0xdeadbeef), rm.Uint32(4))
	assert.Equal(t, uint32(0x05060708), rm.Uint32(12))

	// Reads past the end yield zero, the checked variant reports why.
	assert.Equal(t, uint32(0), rm.Uint32(14))
	_, err := rm.Uint32Checked(14)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWindow(t *testing.T) {
	rm := RemoteMemory{ReaderAt: bytes.NewReader([]byte("xxxxELF image"))}
	w := NewWindow(rm, 4, 9)

	buf := make([]byte, 3)
	_, err := w.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "ELF", string(buf))

	_, err = w.ReadAt(buf, 8)
	assert.ErrorIs(t, err, io.EOF)
}

func TestProcessVirtualMemory(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("unsupported os %s", runtime.GOOS)
	}
	data := []byte{0x12, 0x34, 0x56, 0x78}
	rm := NewProcessVirtualMemory(libpf.PID(os.Getpid()))

	got, err := rm.Uint32Checked(libpf.Address(uintptr(unsafe.Pointer(&data[0]))))
	if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
		t.Skipf("skipping due to error: %v", err)
	}
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), got)
	runtime.KeepAlive(data)
}
