// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutils holds fixtures shared by the tests of the profiler packages.
package testutils // import "go.opentelemetry.io/spu-profiler/testutils"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"slices"
)

// LoadSegment describes one program header of a generated image.
type LoadSegment struct {
	Type   elf.ProgType
	Flags  elf.ProgFlag
	Vaddr  uint32
	Offset uint32
	Size   uint32
}

// Overlay is one entry of the overlay table of a generated image.
type Overlay struct {
	Vaddr  uint32
	Size   uint32
	Offset uint32
	Buf    uint32
}

// Image describes a unit executable to generate with Bytes.
type Image struct {
	Segments []LoadSegment

	// Overlays, if not empty, are written to the overlay table at OverlayTable
	// when one of the load segments covers that address.
	Overlays     []Overlay
	OverlayTable uint32
	BufTable     uint32

	// Symbols are added to the symbol table in addition to the overlay symbols.
	Symbols map[string]uint32
	// OmitSymbols removes overlay symbols from the symbol table.
	OmitSymbols []string

	// Machine overrides addrmap.EMSPU when set.
	Machine elf.Machine
}

const (
	// emSPU mirrors addrmap.EMSPU; addrmap tests import this package.
	emSPU elf.Machine = 23

	headerSize  = 52
	progSize    = 32
	sectionSize = 40
	symSize     = 16
)

type blob struct {
	data []byte
}

func (b *blob) put(off uint32, v any) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
		panic(err)
	}
	end := int(off) + buf.Len()
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[off:], buf.Bytes())
}

func (b *blob) end() uint32 {
	return (uint32(len(b.data)) + 15) &^ 15
}

// Bytes renders the image as a big endian ELF32 executable.
func (img *Image) Bytes() []byte {
	b := &blob{}
	machine := emSPU
	if img.Machine != elf.EM_NONE {
		machine = img.Machine
	}

	// Reserve room for the segment contents so overlay tables land where the
	// segments say they are.
	for _, s := range img.Segments {
		b.put(s.Offset+s.Size, uint8(0))
	}

	if tableOff, ok := img.fileOffset(img.OverlayTable); ok {
		for i, o := range img.Overlays {
			b.put(tableOff+uint32(i)*16, o)
		}
	}

	// String and symbol table.
	strtab := []byte{0}
	var syms []elf.Sym32
	addSym := func(name string, value uint32) {
		syms = append(syms, elf.Sym32{Name: uint32(len(strtab)), Value: value})
		strtab = append(strtab, name...)
		strtab = append(strtab, 0)
	}
	syms = append(syms, elf.Sym32{})
	for name, value := range img.Symbols {
		addSym(name, value)
	}
	if len(img.Overlays) > 0 {
		overlaySyms := map[string]uint32{
			"_ovly_table":         img.OverlayTable,
			"_ovly_table_end":     img.OverlayTable + uint32(len(img.Overlays))*16,
			"_ovly_buf_table":     img.BufTable,
			"_ovly_buf_table_end": img.BufTable + img.maxBuf()*4,
		}
		for _, name := range []string{"_ovly_table", "_ovly_table_end",
			"_ovly_buf_table", "_ovly_buf_table_end"} {
			if !slices.Contains(img.OmitSymbols, name) {
				addSym(name, overlaySyms[name])
			}
		}
	}

	symOff := b.end()
	for i, s := range syms {
		b.put(symOff+uint32(i)*symSize, s)
	}
	strOff := b.end()
	b.put(strOff, strtab)

	shOff := b.end()
	sections := []elf.Section32{
		{},
		{
			Type:    uint32(elf.SHT_SYMTAB),
			Off:     symOff,
			Size:    uint32(len(syms)) * symSize,
			Link:    2,
			Entsize: symSize,
		},
		{
			Type: uint32(elf.SHT_STRTAB),
			Off:  strOff,
			Size: uint32(len(strtab)),
		},
	}
	for i, s := range sections {
		b.put(shOff+uint32(i)*sectionSize, s)
	}

	phOff := uint32(headerSize)
	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     phOff,
		Shoff:     shOff,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(img.Segments)),
		Shentsize: sectionSize,
		Shnum:     uint16(len(sections)),
	}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS32), byte(elf.ELFDATA2MSB), byte(elf.EV_CURRENT)})
	b.put(0, hdr)

	for i, s := range img.Segments {
		typ := s.Type
		if typ == elf.PT_NULL {
			typ = elf.PT_LOAD
		}
		b.put(phOff+uint32(i)*progSize, elf.Prog32{
			Type:   uint32(typ),
			Flags:  uint32(s.Flags),
			Off:    s.Offset,
			Vaddr:  s.Vaddr,
			Filesz: s.Size,
			Memsz:  s.Size,
		})
	}
	return b.data
}

// fileOffset returns the file offset of vaddr in the non overlay load segments.
func (img *Image) fileOffset(vaddr uint32) (uint32, bool) {
	for _, s := range img.Segments {
		if s.Flags&(1<<27) != 0 {
			continue
		}
		if vaddr >= s.Vaddr && vaddr < s.Vaddr+s.Size {
			return vaddr - s.Vaddr + s.Offset, true
		}
	}
	return 0, false
}

func (img *Image) maxBuf() uint32 {
	var n uint32
	for _, o := range img.Overlays {
		n = max(n, o.Buf)
	}
	return n
}
