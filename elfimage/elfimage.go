// Package elfimage provides the binary image view that gadget chains
// are built from: symbols, PLT stubs, GOT entries, loadable segments
// and the current load address of an ELF file.
package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
)

var (
	// ErrSymbolNotFound is returned when a name cannot be resolved
	// to an address.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrNotFound is returned by Search when the needle does not
	// occur in any loadable segment.
	ErrNotFound = errors.New("byte sequence not found")
)

// DefaultExitFn is invoked by the OrExit functions when an error occurs.
var DefaultExitFn = func(err error) {
	logrus.Fatalln(err)
}

const pltEntrySize = 16

// Segment is a loadable segment's file-backed bytes and the address
// they are mapped at.
type Segment struct {
	Addr uint64
	Data []byte
}

type loadSegment struct {
	vaddr uint64
	data  []byte
	flags elf.ProgFlag
}

// OpenOrExit calls Open. It calls DefaultExitFn if an error occurs.
func OpenOrExit(filePath string) *Image {
	image, err := Open(filePath)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to open elf image - %w", err))
	}

	return image
}

// Open parses the ELF file at filePath.
func Open(filePath string) (*Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	image, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q - %w", filePath, err)
	}

	image.path = filePath

	return image, nil
}

// Parse parses an ELF file. Everything the Image needs is read up
// front, so r is not used after Parse returns.
func Parse(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	image := &Image{
		machine:   f.Machine,
		byteOrder: f.ByteOrder,
		symbols:   make(map[string]uint64),
		got:       make(map[string]uint64),
		plt:       make(map[string]uint64),
	}

	switch f.Class {
	case elf.ELFCLASS32:
		image.wordSize = 4
	case elf.ELFCLASS64:
		image.wordSize = 8
	default:
		return nil, fmt.Errorf("unsupported elf class: %s", f.Class)
	}

	err = image.loadSegments(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read loadable segments - %w", err)
	}

	image.loadSymbols(f)

	err = image.loadRelocations(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read relocations - %w", err)
	}

	return image, nil
}

// Image is a parsed ELF file.
//
// All addresses returned by an Image are relative to its current
// base, which starts as the lowest PT_LOAD virtual address and can
// be changed with SetBase once the real load address is known.
type Image struct {
	path      string
	machine   elf.Machine
	byteOrder binary.ByteOrder
	wordSize  int
	linkBase  uint64
	base      uint64
	segments  []loadSegment
	symbols   map[string]uint64
	got       map[string]uint64
	plt       map[string]uint64
}

func (o *Image) loadSegments(f *elf.File) error {
	first := true

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		data := make([]byte, prog.Filesz)
		_, err := prog.ReadAt(data, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read segment at 0x%x - %w", prog.Vaddr, err)
		}

		o.segments = append(o.segments, loadSegment{
			vaddr: prog.Vaddr,
			data:  data,
			flags: prog.Flags,
		})

		if first || prog.Vaddr < o.linkBase {
			o.linkBase = prog.Vaddr
			first = false
		}
	}

	if first {
		return errors.New("file has no PT_LOAD segments")
	}

	o.base = o.linkBase

	return nil
}

func (o *Image) loadSymbols(f *elf.File) {
	// Stripped files have no symbol table, and shared libraries
	// export everything through the dynamic one.
	static, _ := f.Symbols()
	dynamic, _ := f.DynamicSymbols()

	for _, symbols := range [][]elf.Symbol{dynamic, static} {
		for _, sym := range symbols {
			if sym.Name == "" || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
				continue
			}

			// STT_LOOS is STT_GNU_IFUNC on Linux.
			switch elf.ST_TYPE(sym.Info) {
			case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE, elf.STT_LOOS:
				o.symbols[sym.Name] = sym.Value
			}
		}
	}
}

type relocation struct {
	offset uint64
	symbol int
	rType  uint32
}

func (o *Image) loadRelocations(f *elf.File) error {
	dynamic, err := f.DynamicSymbols()
	if err != nil {
		// Static binaries have neither a GOT nor a PLT.
		return nil
	}

	var pltRelocs []relocation

	for _, section := range f.Sections {
		if section.Type != elf.SHT_RELA && section.Type != elf.SHT_REL {
			continue
		}

		if int(section.Link) >= len(f.Sections) || f.Sections[section.Link].Type != elf.SHT_DYNSYM {
			continue
		}

		relocs, err := readRelocations(f, section)
		if err != nil {
			return fmt.Errorf("failed to read %s - %w", section.Name, err)
		}

		isPLT := section.Name == ".rela.plt" || section.Name == ".rel.plt"

		for _, reloc := range relocs {
			// The first dynamic symbol is the null symbol, which
			// debug/elf omits.
			if reloc.symbol <= 0 || reloc.symbol > len(dynamic) {
				continue
			}

			name := dynamic[reloc.symbol-1].Name
			if name == "" {
				continue
			}

			if isPLT || isGOTRelocation(f.Machine, reloc.rType) {
				o.got[name] = reloc.offset
			}
		}

		if isPLT {
			pltRelocs = relocs
		}
	}

	pltSec := f.Section(".plt.sec")
	plt := f.Section(".plt")

	for i, reloc := range pltRelocs {
		if reloc.symbol <= 0 || reloc.symbol > len(dynamic) {
			continue
		}

		name := dynamic[reloc.symbol-1].Name

		switch {
		case pltSec != nil:
			o.plt[name] = pltSec.Addr + uint64(i)*pltEntrySize
		case plt != nil:
			// The first .plt entry is the resolver trampoline.
			o.plt[name] = plt.Addr + uint64(i+1)*pltEntrySize
		}
	}

	return nil
}

func isGOTRelocation(machine elf.Machine, rType uint32) bool {
	switch machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(rType) {
		case elf.R_X86_64_GLOB_DAT, elf.R_X86_64_JMP_SLOT:
			return true
		}
	case elf.EM_386:
		switch elf.R_386(rType) {
		case elf.R_386_GLOB_DAT, elf.R_386_JMP_SLOT:
			return true
		}
	}

	return false
}

func readRelocations(f *elf.File, section *elf.Section) ([]relocation, error) {
	data, err := section.Data()
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(data)
	var relocs []relocation

	switch {
	case f.Class == elf.ELFCLASS64 && section.Type == elf.SHT_RELA:
		entries := make([]elf.Rela64, len(data)/24)
		err = binary.Read(r, f.ByteOrder, entries)
		for _, e := range entries {
			relocs = append(relocs, relocation{
				offset: e.Off,
				symbol: int(elf.R_SYM64(e.Info)),
				rType:  elf.R_TYPE64(e.Info),
			})
		}
	case f.Class == elf.ELFCLASS64:
		entries := make([]elf.Rel64, len(data)/16)
		err = binary.Read(r, f.ByteOrder, entries)
		for _, e := range entries {
			relocs = append(relocs, relocation{
				offset: e.Off,
				symbol: int(elf.R_SYM64(e.Info)),
				rType:  elf.R_TYPE64(e.Info),
			})
		}
	case section.Type == elf.SHT_RELA:
		entries := make([]elf.Rela32, len(data)/12)
		err = binary.Read(r, f.ByteOrder, entries)
		for _, e := range entries {
			relocs = append(relocs, relocation{
				offset: uint64(e.Off),
				symbol: int(elf.R_SYM32(e.Info)),
				rType:  elf.R_TYPE32(e.Info),
			})
		}
	default:
		entries := make([]elf.Rel32, len(data)/8)
		err = binary.Read(r, f.ByteOrder, entries)
		for _, e := range entries {
			relocs = append(relocs, relocation{
				offset: uint64(e.Off),
				symbol: int(elf.R_SYM32(e.Info)),
				rType:  elf.R_TYPE32(e.Info),
			})
		}
	}

	if err != nil {
		return nil, err
	}

	return relocs, nil
}

func (o *Image) rebase(linkAddr uint64) uint64 {
	return linkAddr - o.linkBase + o.base
}

// Path returns the file path the Image was opened from, if any.
func (o *Image) Path() string {
	return o.path
}

// Machine returns the ELF machine type.
func (o *Image) Machine() elf.Machine {
	return o.machine
}

// WordSize returns the size of a pointer in bytes.
func (o *Image) WordSize() int {
	return o.wordSize
}

// Bits returns the size of a pointer in bits.
func (o *Image) Bits() int {
	return o.wordSize * 8
}

// ByteOrder returns the file's byte order.
func (o *Image) ByteOrder() binary.ByteOrder {
	return o.byteOrder
}

// Base returns the address the Image is currently assumed to be
// loaded at.
func (o *Image) Base() uint64 {
	return o.base
}

// SetBase rebases every address returned by the Image so that its
// lowest loadable segment starts at base.
func (o *Image) SetBase(base uint64) {
	o.base = base
}

// SymbolOrExit calls Symbol. It calls DefaultExitFn if an error occurs.
func (o *Image) SymbolOrExit(name string) uint64 {
	addr, err := o.Symbol(name)
	if err != nil {
		DefaultExitFn(err)
	}

	return addr
}

// Symbol returns the address of a defined symbol. Imported functions
// resolve to their PLT stub.
func (o *Image) Symbol(name string) (uint64, error) {
	addr, hasIt := o.symbols[name]
	if hasIt {
		return o.rebase(addr), nil
	}

	addr, hasIt = o.plt[name]
	if hasIt {
		return o.rebase(addr), nil
	}

	return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
}

// PLT returns the address of the PLT stub for an imported function.
func (o *Image) PLT(name string) (uint64, error) {
	addr, hasIt := o.plt[name]
	if !hasIt {
		return 0, fmt.Errorf("%w: no plt entry for %s", ErrSymbolNotFound, name)
	}

	return o.rebase(addr), nil
}

// GOT returns the address of the GOT entry that holds the runtime
// address of an imported symbol.
func (o *Image) GOT(name string) (uint64, error) {
	addr, hasIt := o.got[name]
	if !hasIt {
		return 0, fmt.Errorf("%w: no got entry for %s", ErrSymbolNotFound, name)
	}

	return o.rebase(addr), nil
}

// Symbols returns the names of all defined symbols, sorted.
func (o *Image) Symbols() []string {
	names := make([]string, 0, len(o.symbols))
	for name := range o.symbols {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// SearchOrExit calls Search. It calls DefaultExitFn if an error occurs.
func (o *Image) SearchOrExit(needle []byte) uint64 {
	addr, err := o.Search(needle)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to search for 0x%x - %w", needle, err))
	}

	return addr
}

// Search returns the address of the first occurrence of needle in
// the file-backed bytes of the loadable segments.
func (o *Image) Search(needle []byte) (uint64, error) {
	if len(needle) == 0 {
		return 0, errors.New("needle cannot be empty")
	}

	for _, seg := range o.segments {
		i := bytes.Index(seg.data, needle)
		if i >= 0 {
			return o.rebase(seg.vaddr + uint64(i)), nil
		}
	}

	return 0, ErrNotFound
}

// ExecutableSegments returns the loadable segments that are mapped
// executable.
func (o *Image) ExecutableSegments() []Segment {
	var segs []Segment

	for _, seg := range o.segments {
		if seg.flags&elf.PF_X == 0 {
			continue
		}

		segs = append(segs, Segment{
			Addr: o.rebase(seg.vaddr),
			Data: seg.data,
		})
	}

	return segs
}
