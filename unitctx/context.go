// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unitctx provides the unit contexts of Linux processes: the image a unit
// runs, its local store and the identity recorded in context switch records.
package unitctx // import "go.opentelemetry.io/spu-profiler/unitctx"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/spu-profiler/addrmap"
	"go.opentelemetry.io/spu-profiler/libpf"
	"go.opentelemetry.io/spu-profiler/mapcache"
	"go.opentelemetry.io/spu-profiler/remotememory"
	"go.opentelemetry.io/spu-profiler/samplebuf"
)

// MaxImageSize bounds the window of process memory an embedded image is read from.
const MaxImageSize = 64 * 1024 * 1024

// ErrNoImage is returned when a context has neither an image file nor an image address.
var ErrNoImage = errors.New("no unit image")

// Config describes a unit context.
type Config struct {
	PID  libpf.PID
	TGID libpf.PID
	// ObjectAddr is the address of the unit image in the memory of TGID, zero
	// for images loaded from their own file.
	ObjectAddr libpf.Address
	// ImagePath is the image file of contexts without ObjectAddr.
	ImagePath string
	// LocalStorePath is the file exposing the local store of the unit, like
	// the mem file of the context directory in spufs.
	LocalStorePath string
}

// Context is the unit context of a Linux process.
type Context struct {
	cfg      Config
	identity Identity

	image      io.ReaderAt
	localStore remotememory.RemoteMemory
	files      []*os.File

	attached  atomic.Pointer[mapcache.Entry]
	closeOnce sync.Once
}

var _ mapcache.Context = (*Context)(nil)

// Open opens the image and the local store of the context described by cfg.
func Open(r *Resolver, cfg Config) (*Context, error) {
	identity, err := r.Resolve(cfg.TGID, cfg.ObjectAddr)
	if err != nil {
		return nil, err
	}
	c := &Context{cfg: cfg, identity: identity}

	switch {
	case cfg.ObjectAddr != 0:
		c.image = remotememory.NewWindow(remotememory.NewProcessVirtualMemory(cfg.TGID),
			cfg.ObjectAddr, MaxImageSize)
	case cfg.ImagePath != "":
		f, err := os.Open(cfg.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("opening unit image: %w", err)
		}
		c.files = append(c.files, f)
		c.image = f
	default:
		return nil, fmt.Errorf("%w: process %d", ErrNoImage, cfg.TGID)
	}

	ls, err := os.Open(cfg.LocalStorePath)
	if err != nil {
		c.closeFiles()
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	c.files = append(c.files, ls)
	c.localStore = remotememory.RemoteMemory{ReaderAt: ls}
	return c, nil
}

// Identity returns the identity of the image the context runs.
func (c *Context) Identity() Identity {
	return c.identity
}

// ContextSwitch returns the context switch record of the context.
func (c *Context) ContextSwitch() samplebuf.ContextSwitch {
	return samplebuf.ContextSwitch{
		PID:      c.cfg.PID,
		TGID:     c.cfg.TGID,
		BinaryID: c.identity.BinaryID,
		MapID:    c.identity.MapID,
		Offset:   c.identity.Offset,
	}
}

func (c *Context) Image() io.ReaderAt {
	return c.image
}

func (c *Context) LocalStore() addrmap.LocalStore {
	return c.localStore
}

func (c *Context) Attached() *mapcache.Entry {
	return c.attached.Load()
}

func (c *Context) Attach(e *mapcache.Entry) {
	if old := c.attached.Swap(e); old != nil {
		old.Release()
	}
}

// Close releases the map attached to the context and closes its files.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if e := c.attached.Swap(nil); e != nil {
			e.Release()
		}
		err = c.closeFiles()
	})
	return err
}

func (c *Context) closeFiles() error {
	var errs []error
	for _, f := range c.files {
		if err := f.Close(); err != nil {
			log.Warnf("Failed to close %s: %v", f.Name(), err)
			errs = append(errs, err)
		}
	}
	c.files = nil
	return errors.Join(errs...)
}
