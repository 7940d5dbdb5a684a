package exploit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/stephen-fox/ropkit/crash"
	"gitlab.com/stephen-fox/ropkit/elfimage"
)

const (
	testBinaryBase = 0x400000
	testPuts       = 0x401030
	testMain       = 0x401136
	testGOTPuts    = 0x404018
	testGOTStart   = 0x404020
)

type fakeImage struct {
	linkBase uint64
	base     uint64
	text     map[uint64][]byte
	data     map[uint64][]byte
	symbols  map[string]uint64
	got      map[string]uint64
}

// newFakeBinary returns a 64-bit image whose text contains
// "pop rdi ; ret" followed by "ret".
func newFakeBinary() *fakeImage {
	return &fakeImage{
		linkBase: testBinaryBase,
		base:     testBinaryBase,
		text: map[uint64][]byte{
			0x401000: {0x5f, 0xc3, 0xc3},
		},
		symbols: map[string]uint64{
			"puts": testPuts,
			"main": testMain,
		},
		got: map[string]uint64{
			"puts":              testGOTPuts,
			"__libc_start_main": testGOTStart,
		},
	}
}

func newFakeLibc() *fakeImage {
	return &fakeImage{
		data: map[uint64][]byte{
			0x1d8690: []byte("xxxxxxxx/bin/sh\x00"),
		},
		symbols: map[string]uint64{
			"puts":   0x80e50,
			"system": 0x50d70,
		},
	}
}

func (o *fakeImage) rebase(addr uint64) uint64 {
	return addr - o.linkBase + o.base
}

func (o *fakeImage) Symbol(name string) (uint64, error) {
	addr, hasIt := o.symbols[name]
	if !hasIt {
		return 0, fmt.Errorf("%w: %s", elfimage.ErrSymbolNotFound, name)
	}

	return o.rebase(addr), nil
}

func (o *fakeImage) GOT(name string) (uint64, error) {
	addr, hasIt := o.got[name]
	if !hasIt {
		return 0, fmt.Errorf("%w: no got entry for %s", elfimage.ErrSymbolNotFound, name)
	}

	return o.rebase(addr), nil
}

func (o *fakeImage) ExecutableSegments() []elfimage.Segment {
	var segs []elfimage.Segment

	for addr, code := range o.text {
		segs = append(segs, elfimage.Segment{Addr: o.rebase(addr), Data: code})
	}

	return segs
}

func (o *fakeImage) Search(needle []byte) (uint64, error) {
	for addr, data := range o.data {
		i := bytes.Index(data, needle)
		if i >= 0 {
			return o.rebase(addr) + uint64(i), nil
		}
	}

	return 0, elfimage.ErrNotFound
}

func (o *fakeImage) WordSize() int {
	return 8
}

func (o *fakeImage) ByteOrder() binary.ByteOrder {
	return binary.LittleEndian
}

func (o *fakeImage) Base() uint64 {
	return o.base
}

func (o *fakeImage) SetBase(base uint64) {
	o.base = base
}

type fakeChannel struct {
	written [][]byte
	lines   [][]byte
	cleaned int
}

func (o *fakeChannel) WriteLine(p []byte) error {
	o.written = append(o.written, append([]byte(nil), p...))
	return nil
}

func (o *fakeChannel) ReadLine() ([]byte, error) {
	if len(o.lines) == 0 {
		return nil, io.EOF
	}

	line := o.lines[0]
	o.lines = o.lines[1:]

	return line, nil
}

func (o *fakeChannel) Clean(time.Duration) ([]byte, error) {
	o.cleaned++
	return nil, nil
}

// leakLine returns the line a leak primitive prints for address,
// including the bytes after the first null.
func leakLine(address uint64) []byte {
	line := make([]byte, 8, 9)
	binary.LittleEndian.PutUint64(line, address)
	return append(line, '\n')
}

// faultingSpawner launches processes that fault by returning to
// the word found at byte offset faultAt of their input.
type faultingSpawner struct {
	faultAt int
	usePC   bool
	spawned []*faultingProcess
}

func (o *faultingSpawner) Spawn(string) (CrashProcess, error) {
	p := &faultingProcess{
		faultAt: o.faultAt,
		usePC:   o.usePC,
	}

	o.spawned = append(o.spawned, p)

	return p, nil
}

type faultingProcess struct {
	faultAt int
	usePC   bool
	input   []byte
	killed  bool
}

func (o *faultingProcess) WriteLine(p []byte) error {
	o.input = append(o.input, p...)
	return nil
}

func (o *faultingProcess) WaitForCrash() (crash.Info, error) {
	if len(o.input) < o.faultAt+8 {
		return crash.Info{}, crash.ErrNoCrash
	}

	word := binary.LittleEndian.Uint64(o.input[o.faultAt:])

	info := crash.Info{
		Signal:   syscall.SIGSEGV,
		PC:       0x401200,
		SP:       0x7ffffffde000,
		WordSize: 8,
	}

	if o.usePC {
		info.PC = word
	} else {
		info.StackWord = word
	}

	return info, nil
}

func (o *faultingProcess) Kill() error {
	o.killed = true
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}

func newTestState(t *testing.T, target Channel) *State {
	s, err := NewState(StateConfig{
		BinaryPath: "/fake/vuln",
		Target:     target,
		OptBinary:  newFakeBinary(),
		OptLogger:  testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func chainWords(raw []byte) []uint64 {
	var words []uint64

	for i := 0; i+8 <= len(raw); i += 8 {
		words = append(words, binary.LittleEndian.Uint64(raw[i:]))
	}

	return words
}

// hasCall reports whether words contains "pop rdi ; ret", arg,
// function in sequence.
func hasCall(words []uint64, function uint64, arg uint64) bool {
	popRdi := uint64(0x401000)

	for i := 0; i+2 < len(words); i++ {
		if words[i] == popRdi && words[i+1] == arg && words[i+2] == function {
			return true
		}
	}

	return false
}
