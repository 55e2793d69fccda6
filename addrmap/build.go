// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package addrmap // import "go.opentelemetry.io/spu-profiler/addrmap"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

const (
	// EMSPU is the ELF machine of unit images. debug/elf does not define it.
	EMSPU elf.Machine = 23

	// PFOverlay marks program headers that describe overlay regions. Those are taken
	// from the overlay table instead.
	PFOverlay elf.ProgFlag = 1 << 27

	// OverlayTableLimit is the first image offset that can not hold the overlay table.
	OverlayTableLimit = 0x10000000

	// overlayEntrySize is the size of one {vma, size, offset, buf} overlay table entry.
	overlayEntrySize = 16

	// guardSlotSize is the size of one overlay buffer table slot.
	guardSlotSize = 4

	// maxBytesLargeSection bounds the symbol and string tables and the overlay table
	// read from an image.
	maxBytesLargeSection = 16 * 1024 * 1024

	sizeofHeader32  = 52
	sizeofProg32    = 32
	sizeofSection32 = 40
	sizeofSym32     = 16
)

// Symbols that describe the overlay table and the overlay buffer table of an image.
const (
	symOverlayTable       = "_ovly_table"
	symOverlayTableEnd    = "_ovly_table_end"
	symOverlayBufTable    = "_ovly_buf_table"
	symOverlayBufTableEnd = "_ovly_buf_table_end"
)

// ErrInvalidImage is returned when an image can not be turned into an address space map.
var ErrInvalidImage = errors.New("invalid unit image")

// expectedIdent is the required ELF identification up to EI_PAD.
var expectedIdent = [elf.EI_PAD]byte{
	0x7f, 'E', 'L', 'F',
	byte(elf.ELFCLASS32),
	byte(elf.ELFDATA2MSB),
	byte(elf.EV_CURRENT),
	byte(elf.ELFOSABI_NONE),
	0,
}

// image wraps the reader of an executable image with the big endian decoding helpers.
type image struct {
	r io.ReaderAt
}

func (img image) read(off int64, size int, data any) error {
	buf := make([]byte, size)
	if _, err := img.r.ReadAt(buf, off); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.BigEndian, data)
}

func (img image) bytes(off, size uint32) ([]byte, error) {
	if size > maxBytesLargeSection {
		return nil, fmt.Errorf("%w: section of %d bytes too large", ErrInvalidImage, size)
	}
	buf := make([]byte, size)
	if _, err := img.r.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("%w: reading %d bytes at %#x: %w", ErrInvalidImage, size, off, err)
	}
	return buf, nil
}

// Build parses the executable image read through r and returns its address space map.
// Images without a complete set of overlay symbols produce a map of their loadable
// segments only.
func Build(r io.ReaderAt) (*Map, error) {
	img := image{r: r}

	var hdr elf.Header32
	if err := img.read(0, sizeofHeader32, &hdr); err != nil {
		return nil, fmt.Errorf("%w: reading ELF header: %w", ErrInvalidImage, err)
	}
	if err := validateHeader(&hdr); err != nil {
		return nil, err
	}

	m := &Map{}
	if err := addLoadSegments(img, &hdr, m); err != nil {
		return nil, err
	}

	syms, err := findOverlaySymbols(img, &hdr)
	if err != nil {
		return nil, err
	}
	if syms == nil {
		return m, nil
	}

	if err := addOverlaySegments(img, syms, m); err != nil {
		return nil, err
	}
	return m, nil
}

func validateHeader(hdr *elf.Header32) error {
	if !bytes.Equal(hdr.Ident[:elf.EI_PAD], expectedIdent[:]) {
		return fmt.Errorf("%w: unexpected ELF identification %x", ErrInvalidImage,
			hdr.Ident[:elf.EI_PAD])
	}
	if elf.Type(hdr.Type) != elf.ET_EXEC {
		return fmt.Errorf("%w: unexpected ELF type %v", ErrInvalidImage, elf.Type(hdr.Type))
	}
	if elf.Machine(hdr.Machine) != EMSPU {
		return fmt.Errorf("%w: unexpected ELF machine %v", ErrInvalidImage,
			elf.Machine(hdr.Machine))
	}
	return nil
}

func addLoadSegments(img image, hdr *elf.Header32, m *Map) error {
	if hdr.Phnum != 0 && hdr.Phentsize != sizeofProg32 {
		return fmt.Errorf("%w: program header size %d", ErrInvalidImage, hdr.Phentsize)
	}
	for i := range uint32(hdr.Phnum) {
		var ph elf.Prog32
		off := int64(hdr.Phoff) + int64(i)*sizeofProg32
		if err := img.read(off, sizeofProg32, &ph); err != nil {
			return fmt.Errorf("%w: reading program header %d: %w", ErrInvalidImage, i, err)
		}
		if elf.ProgType(ph.Type) != elf.PT_LOAD || elf.ProgFlag(ph.Flags)&PFOverlay != 0 {
			continue
		}
		m.add(Segment{
			Vaddr:  ph.Vaddr,
			Size:   ph.Memsz,
			Offset: ph.Off,
		})
	}
	return nil
}

// overlaySymbols holds the values of the overlay symbols.
type overlaySymbols struct {
	table, tableEnd, bufTable, bufTableEnd uint32
}

// findOverlaySymbols returns the overlay symbols, or nil if the image does not define
// all of them.
func findOverlaySymbols(img image, hdr *elf.Header32) (*overlaySymbols, error) {
	if hdr.Shnum == 0 {
		return nil, nil
	}
	if hdr.Shentsize != sizeofSection32 {
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidImage, hdr.Shentsize)
	}

	sections := make([]elf.Section32, hdr.Shnum)
	for i := range sections {
		off := int64(hdr.Shoff) + int64(i)*sizeofSection32
		if err := img.read(off, sizeofSection32, &sections[i]); err != nil {
			return nil, fmt.Errorf("%w: reading section header %d: %w", ErrInvalidImage, i, err)
		}
	}

	for i := range sections {
		symtab := &sections[i]
		if elf.SectionType(symtab.Type) != elf.SHT_SYMTAB {
			continue
		}
		if symtab.Link >= uint32(len(sections)) {
			return nil, fmt.Errorf("%w: symbol table link %d out of bounds",
				ErrInvalidImage, symtab.Link)
		}
		strtab := &sections[symtab.Link]

		symData, err := img.bytes(symtab.Off, symtab.Size)
		if err != nil {
			return nil, err
		}
		strData, err := img.bytes(strtab.Off, strtab.Size)
		if err != nil {
			return nil, err
		}
		// Only the first symbol table is considered.
		return lookupOverlaySymbols(symData, strData), nil
	}
	return nil, nil
}

func lookupOverlaySymbols(symData, strData []byte) *overlaySymbols {
	var syms overlaySymbols
	var found uint8
	const all = 0b1111

	for off := 0; off+sizeofSym32 <= len(symData) && found != all; off += sizeofSym32 {
		nameIdx := binary.BigEndian.Uint32(symData[off:])
		value := binary.BigEndian.Uint32(symData[off+4:])
		name, ok := getString(strData, nameIdx)
		if !ok {
			continue
		}
		switch name {
		case symOverlayTable:
			syms.table = value
			found |= 1 << 0
		case symOverlayTableEnd:
			syms.tableEnd = value
			found |= 1 << 1
		case symOverlayBufTable:
			syms.bufTable = value
			found |= 1 << 2
		case symOverlayBufTableEnd:
			syms.bufTableEnd = value
			found |= 1 << 3
		}
	}
	if found != all {
		return nil
	}
	return &syms
}

// getString extracts a null terminated string from an ELF string table
func getString(section []byte, start uint32) (string, bool) {
	if start >= uint32(len(section)) {
		return "", false
	}
	slen := bytes.IndexByte(section[start:], 0)
	if slen < 0 {
		return "", false
	}
	return string(section[start : start+uint32(slen)]), true
}

func addOverlaySegments(img image, syms *overlaySymbols, m *Map) error {
	t, ok := m.Lookup(syms.table, nil)
	if !ok || t.Offset >= OverlayTableLimit {
		return fmt.Errorf("%w: overlay table at %#x has no valid image offset",
			ErrInvalidImage, syms.table)
	}
	if syms.tableEnd < syms.table {
		return fmt.Errorf("%w: overlay table end %#x before start %#x",
			ErrInvalidImage, syms.tableEnd, syms.table)
	}

	n := (syms.tableEnd - syms.table) / overlayEntrySize
	table, err := img.bytes(t.Offset, n*overlayEntrySize)
	if err != nil {
		return err
	}

	for i := range n {
		entry := table[i*overlayEntrySize:]
		buf := binary.BigEndian.Uint32(entry[12:])
		if buf == 0 {
			log.Warnf("Skipping overlay %d at %#x without buffer", i,
				binary.BigEndian.Uint32(entry[0:]))
			continue
		}
		m.add(Segment{
			Vaddr:      binary.BigEndian.Uint32(entry[0:]),
			Size:       binary.BigEndian.Uint32(entry[4:]),
			Offset:     binary.BigEndian.Uint32(entry[8:]),
			GuardPtr:   syms.bufTable + (buf-1)*guardSlotSize,
			GuardValue: i + 1,
		})
	}
	return nil
}
