// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package unitctx // import "go.opentelemetry.io/spu-profiler/unitctx"

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/elastic/go-freelru"
	"github.com/prometheus/procfs"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/spu-profiler/libpf"
)

const (
	binaryIDCacheSize     = 1024
	binaryIDCacheLifetime = 1 * time.Minute
)

// ErrNoMapping is returned when no file mapping holds an embedded image.
var ErrNoMapping = errors.New("image not inside a file mapping")

// Identity names the files a unit context runs.
type Identity struct {
	// BinaryID identifies the executable of the owning process.
	BinaryID uint64
	// MapID identifies the file the unit image is embedded in.
	MapID uint64
	// Offset is the file offset of the embedded image.
	Offset uint64
}

// FileID returns the identifier used for the file at path.
func FileID(path string) uint64 {
	return xxh3.HashString(path)
}

// Resolver finds the identity of unit contexts in the proc file system.
type Resolver struct {
	fs procfs.FS
	// binaryIDs caches the executable id per process.
	binaryIDs *lru.SyncedLRU[libpf.PID, uint64]
}

// NewResolver returns a resolver reading the proc file system mounted at procRoot.
func NewResolver(procRoot string) (*Resolver, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	binaryIDs, err := lru.NewSynced[libpf.PID, uint64](binaryIDCacheSize, libpf.PID.Hash32)
	if err != nil {
		return nil, fmt.Errorf("unable to create binary id cache: %v", err)
	}
	binaryIDs.SetLifetime(binaryIDCacheLifetime)
	return &Resolver{fs: fs, binaryIDs: binaryIDs}, nil
}

// Resolve returns the identity of the image at objectAddr in the memory of pid.
// A zero objectAddr denotes an image that is not embedded in another file.
func (r *Resolver) Resolve(pid libpf.PID, objectAddr libpf.Address) (Identity, error) {
	proc, err := r.fs.Proc(int(pid))
	if err != nil {
		return Identity{}, fmt.Errorf("process %d: %w", pid, err)
	}

	binaryID, ok := r.binaryIDs.Get(pid)
	if !ok {
		exe, err := proc.Executable()
		if err != nil {
			return Identity{}, fmt.Errorf("executable of %d: %w", pid, err)
		}
		binaryID = FileID(exe)
		r.binaryIDs.Add(pid, binaryID)
	}

	if objectAddr == 0 {
		return Identity{BinaryID: binaryID, MapID: binaryID}, nil
	}

	maps, err := proc.ProcMaps()
	if err != nil {
		return Identity{}, fmt.Errorf("mappings of %d: %w", pid, err)
	}
	for _, m := range maps {
		if uintptr(objectAddr) < m.StartAddr || uintptr(objectAddr) >= m.EndAddr {
			continue
		}
		if m.Pathname == "" || m.Pathname[0] != '/' {
			break
		}
		return Identity{
			BinaryID: binaryID,
			MapID:    FileID(m.Pathname),
			Offset:   uint64(m.Offset) + uint64(uintptr(objectAddr)-m.StartAddr),
		}, nil
	}
	return Identity{}, fmt.Errorf("%w: %#x in process %d", ErrNoMapping, objectAddr, pid)
}

// Forget drops the cached identity of pid, for instance after it exited.
func (r *Resolver) Forget(pid libpf.PID) {
	r.binaryIDs.Remove(pid)
}
