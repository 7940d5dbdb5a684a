package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"

	"gitlab.com/stephen-fox/ropkit/internal/elftest"
)

func testImage(t *testing.T) (*Image, elftest.File) {
	filePath, f := elftest.WriteFile(t, elftest.Config{
		Text: []byte{
			0x55,       // push rbp
			0x5f, 0xc3, // pop rdi; ret
			0xc3, // ret
		},
		Functions: map[string]uint64{
			"main": 0,
			"vuln": 3,
		},
		Imports: []string{"puts", "__libc_start_main"},
		Data:    []byte("junk\x00/bin/sh\x00"),
	})

	image, err := Open(filePath)
	if err != nil {
		t.Fatalf("failed to open test elf - %s", err)
	}

	return image, f
}

func TestOpen(t *testing.T) {
	image, _ := testImage(t)

	if image.WordSize() != 8 || image.Bits() != 64 {
		t.Fatalf("expected a 64-bit image - got word size %d", image.WordSize())
	}

	if image.ByteOrder() != binary.LittleEndian {
		t.Fatalf("expected little endian - got %s", image.ByteOrder())
	}

	if image.Machine() != elf.EM_X86_64 {
		t.Fatalf("expected x86 64 machine - got %s", image.Machine())
	}

	if image.Base() != elftest.Base {
		t.Fatalf("expected base 0x%x - got 0x%x", elftest.Base, image.Base())
	}
}

func TestImage_Symbol(t *testing.T) {
	image, f := testImage(t)

	main, err := image.Symbol("main")
	if err != nil {
		t.Fatal(err)
	}

	if main != f.TextAddr {
		t.Fatalf("expected main at 0x%x - got 0x%x", f.TextAddr, main)
	}

	vuln, err := image.Symbol("vuln")
	if err != nil {
		t.Fatal(err)
	}

	if vuln != f.TextAddr+3 {
		t.Fatalf("expected vuln at 0x%x - got 0x%x", f.TextAddr+3, vuln)
	}

	puts, err := image.Symbol("puts")
	if err != nil {
		t.Fatal(err)
	}

	if puts != f.PLT(0) {
		t.Fatalf("expected imported puts to resolve to its plt stub 0x%x - got 0x%x",
			f.PLT(0), puts)
	}

	_, err = image.Symbol("system")
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("expected ErrSymbolNotFound - got %v", err)
	}
}

func TestImage_GOT(t *testing.T) {
	image, f := testImage(t)

	for i, name := range []string{"puts", "__libc_start_main"} {
		got, err := image.GOT(name)
		if err != nil {
			t.Fatal(err)
		}

		if got != f.GOT(i) {
			t.Fatalf("expected got entry for %s at 0x%x - got 0x%x", name, f.GOT(i), got)
		}

		plt, err := image.PLT(name)
		if err != nil {
			t.Fatal(err)
		}

		if plt != f.PLT(i) {
			t.Fatalf("expected plt stub for %s at 0x%x - got 0x%x", name, f.PLT(i), plt)
		}
	}

	_, err := image.GOT("main")
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Fatalf("expected ErrSymbolNotFound - got %v", err)
	}
}

func TestImage_SetBase(t *testing.T) {
	image, f := testImage(t)

	const newBase = 0x7f0000000000
	image.SetBase(newBase)

	main, err := image.Symbol("main")
	if err != nil {
		t.Fatal(err)
	}

	expected := f.TextAddr - elftest.Base + newBase
	if main != expected {
		t.Fatalf("expected rebased main at 0x%x - got 0x%x", expected, main)
	}

	got, err := image.GOT("puts")
	if err != nil {
		t.Fatal(err)
	}

	if got != f.GOT(0)-elftest.Base+newBase {
		t.Fatalf("got entry was not rebased: 0x%x", got)
	}
}

func TestImage_Search(t *testing.T) {
	image, f := testImage(t)

	binSh, err := image.Search([]byte("/bin/sh\x00"))
	if err != nil {
		t.Fatal(err)
	}

	if binSh != f.DataAddr+5 {
		t.Fatalf("expected /bin/sh at 0x%x - got 0x%x", f.DataAddr+5, binSh)
	}

	_, err = image.Search([]byte("/bin/zsh"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound - got %v", err)
	}
}

func TestImage_ExecutableSegments(t *testing.T) {
	image, f := testImage(t)

	segs := image.ExecutableSegments()
	if len(segs) != 1 {
		t.Fatalf("expected one executable segment - got %d", len(segs))
	}

	if segs[0].Addr != f.PLTAddr {
		t.Fatalf("expected executable segment at 0x%x - got 0x%x", f.PLTAddr, segs[0].Addr)
	}

	textIndex := f.TextAddr - segs[0].Addr
	if !bytes.HasPrefix(segs[0].Data[textIndex:], []byte{0x55, 0x5f, 0xc3}) {
		t.Fatalf("executable segment does not contain text: 0x%x", segs[0].Data)
	}
}

func TestImage_Symbols(t *testing.T) {
	image, _ := testImage(t)

	names := image.Symbols()
	if len(names) != 2 || names[0] != "main" || names[1] != "vuln" {
		t.Fatalf("unexpected symbols: %v", names)
	}
}

func TestParse_NotELF(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte("#!/bin/sh\necho hi\n")))
	if err == nil {
		t.Fatal("expected an error for a non-elf file")
	}
}
