// Package elftest builds small x86 64-bit ELF files for tests.
//
// The files are never executed. They carry just enough structure
// for debug/elf to find symbols, PLT relocations and loadable
// segments: a writable segment holding the dynamic symbol table,
// relocations, GOT and data, followed by an executable segment
// holding the PLT and the text.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// Base is the virtual address of the first loadable segment.
const Base = 0x400000

const (
	ehdrSize    = 64
	phdrSize    = 56
	shdrSize    = 64
	symSize     = 24
	relaSize    = 24
	pltEntry    = 16
	gotReserved = 3
)

// Config describes the contents of a test ELF.
type Config struct {
	// Text is the contents of the executable .text section.
	Text []byte

	// Functions maps function names to offsets into Text.
	Functions map[string]uint64

	// Imports are functions that get a PLT stub and a GOT entry.
	Imports []string

	// Data is the contents of the writable .data section.
	Data []byte
}

// File is a built ELF and the addresses of its sections.
type File struct {
	Raw      []byte
	TextAddr uint64
	PLTAddr  uint64
	GOTAddr  uint64
	DataAddr uint64
}

// PLT returns the expected PLT stub address of the i-th import.
func (o File) PLT(i int) uint64 {
	return o.PLTAddr + uint64(i+1)*pltEntry
}

// GOT returns the expected GOT entry address of the i-th import.
func (o File) GOT(i int) uint64 {
	return o.GOTAddr + uint64(gotReserved+i)*8
}

// WriteFile builds the ELF described by config into a temporary
// directory and returns its path.
func WriteFile(t testing.TB, config Config) (string, File) {
	t.Helper()

	f := Build(config)

	filePath := filepath.Join(t.TempDir(), "victim")

	err := os.WriteFile(filePath, f.Raw, 0o755)
	if err != nil {
		t.Fatalf("failed to write test elf - %s", err)
	}

	return filePath, f
}

type section struct {
	name      string
	sType     elf.SectionType
	flags     elf.SectionFlag
	data      []byte
	link      uint32
	align     uint64
	entsize   uint64
	loaded    bool
	off       uint64
	nameIndex uint32
}

// Build returns the ELF described by config.
func Build(config Config) File {
	le := binary.LittleEndian

	dynstr := []byte{0}
	dynsym := make([]byte, symSize)
	relaPLT := bytes.NewBuffer(nil)

	for _, name := range config.Imports {
		nameOff := uint32(len(dynstr))
		dynstr = append(append(dynstr, name...), 0)

		dynsym = append(dynsym, symBytes(elf.Sym64{
			Name: nameOff,
			Info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
		})...)
	}

	strtab := []byte{0}
	var functionNames []string
	for name := range config.Functions {
		functionNames = append(functionNames, name)
	}
	sort.Strings(functionNames)

	sections := []*section{
		{name: ""},
		{name: ".dynstr", sType: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, data: dynstr, align: 1, loaded: true},
		{name: ".dynsym", sType: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, data: dynsym, link: 1, align: 8, entsize: symSize, loaded: true},
		{name: ".rela.plt", sType: elf.SHT_RELA, flags: elf.SHF_ALLOC, link: 2, align: 8, entsize: relaSize, loaded: true},
		{name: ".got.plt", sType: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: make([]byte, 8*(gotReserved+len(config.Imports))), align: 8, loaded: true},
		{name: ".data", sType: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, data: config.Data, align: 8, loaded: true},
		{name: ".plt", sType: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: bytes.Repeat([]byte{0xcc}, pltEntry*(len(config.Imports)+1)), align: 16, loaded: true},
		{name: ".text", sType: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: config.Text, align: 16, loaded: true},
		{name: ".strtab", sType: elf.SHT_STRTAB, align: 1},
		{name: ".symtab", sType: elf.SHT_SYMTAB, link: 8, align: 8, entsize: symSize},
		{name: ".shstrtab", sType: elf.SHT_STRTAB, align: 1},
	}

	const (
		relaIndex     = 3
		gotIndex      = 4
		dataIndex     = 5
		pltIndex      = 6
		textIndex     = 7
		strtabIndex   = 8
		symtabIndex   = 9
		shstrtabIndex = 10
	)

	// The rela and symbol tables have fixed sizes, so offsets can
	// be laid out before their contents are known.
	sections[relaIndex].data = make([]byte, relaSize*len(config.Imports))
	sections[symtabIndex].data = make([]byte, symSize*(len(functionNames)+1))

	for _, name := range functionNames {
		strtab = append(append(strtab, name...), 0)
	}
	sections[strtabIndex].data = strtab

	shstrtab := []byte{0}
	for _, s := range sections[1:] {
		s.nameIndex = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s.name...), 0)
	}
	sections[shstrtabIndex].data = shstrtab

	off := uint64(ehdrSize + 2*phdrSize)
	for _, s := range sections[1:] {
		off = alignUp(off, s.align)
		s.off = off
		off += uint64(len(s.data))
	}

	shoff := alignUp(off, 8)
	total := shoff + uint64(len(sections))*shdrSize

	addr := func(s *section) uint64 {
		return Base + s.off
	}

	got := sections[gotIndex]
	for i := range config.Imports {
		rela := elf.Rela64{
			Off:  addr(got) + uint64(gotReserved+i)*8,
			Info: elf.R_INFO(uint32(i+1), uint32(elf.R_X86_64_JMP_SLOT)),
		}
		binary.Write(relaPLT, le, rela)
	}
	sections[relaIndex].data = relaPLT.Bytes()

	text := sections[textIndex]
	symtab := bytes.NewBuffer(make([]byte, symSize))
	nameOff := uint32(1)
	for _, name := range functionNames {
		symtab.Write(symBytes(elf.Sym64{
			Name:  nameOff,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: textIndex,
			Value: addr(text) + config.Functions[name],
		}))
		nameOff += uint32(len(name) + 1)
	}
	sections[symtabIndex].data = symtab.Bytes()

	raw := make([]byte, total)
	for _, s := range sections[1:] {
		copy(raw[s.off:], s.data)
	}

	plt := sections[pltIndex]

	header := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     addr(text),
		Phoff:     ehdrSize,
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Phentsize: phdrSize,
		Phnum:     2,
		Shentsize: shdrSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  shstrtabIndex,
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := bytes.NewBuffer(nil)
	binary.Write(buf, le, header)
	binary.Write(buf, le, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_W),
		Off:    0,
		Vaddr:  Base,
		Paddr:  Base,
		Filesz: plt.off,
		Memsz:  plt.off,
		Align:  0x1000,
	})
	execSize := text.off + uint64(len(text.data)) - plt.off
	binary.Write(buf, le, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    plt.off,
		Vaddr:  addr(plt),
		Paddr:  addr(plt),
		Filesz: execSize,
		Memsz:  execSize,
		Align:  0x1000,
	})
	copy(raw, buf.Bytes())

	shdrs := bytes.NewBuffer(nil)
	for _, s := range sections {
		var shAddr uint64
		if s.loaded {
			shAddr = addr(s)
		}

		var shOff uint64
		if s.sType != elf.SHT_NULL {
			shOff = s.off
		}

		binary.Write(shdrs, le, elf.Section64{
			Name:      s.nameIndex,
			Type:      uint32(s.sType),
			Flags:     uint64(s.flags),
			Addr:      shAddr,
			Off:       shOff,
			Size:      uint64(len(s.data)),
			Link:      s.link,
			Addralign: s.align,
			Entsize:   s.entsize,
		})
	}
	copy(raw[shoff:], shdrs.Bytes())

	return File{
		Raw:      raw,
		TextAddr: addr(text),
		PLTAddr:  addr(plt),
		GOTAddr:  addr(got),
		DataAddr: addr(sections[dataIndex]),
	}
}

func symBytes(sym elf.Sym64) []byte {
	buf := bytes.NewBuffer(nil)
	binary.Write(buf, binary.LittleEndian, sym)
	return buf.Bytes()
}

func alignUp(n uint64, boundary uint64) uint64 {
	if boundary <= 1 {
		return n
	}

	return (n + boundary - 1) / boundary * boundary
}
