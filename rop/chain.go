package rop

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/stephen-fox/ropkit/iokit"
	"gitlab.com/stephen-fox/ropkit/memory"
	"gitlab.com/stephen-fox/ropkit/stackalign"
	"golang.org/x/arch/x86/x86asm"
)

// DefaultJunk is the filler word used for stack slots that are
// popped into registers the chain does not care about.
const DefaultJunk = 0x6a756e6b6a756e6b

// sysVArgRegs are the integer argument registers of the System V
// x86 64-bit calling convention, in order.
var sysVArgRegs = []x86asm.Reg{
	x86asm.RDI,
	x86asm.RSI,
	x86asm.RDX,
	x86asm.RCX,
	x86asm.R8,
	x86asm.R9,
}

// ChainConfig configures a Chain.
type ChainConfig struct {
	// Finders supply gadgets and resolve function names. They are
	// consulted in order, so the target binary usually comes first
	// followed by any libraries whose base address is known.
	Finders []*Finder

	// OptJunk overrides DefaultJunk.
	OptJunk uint64

	// OptStackAlignment overrides the alignment boundary used by
	// AlignedCall (stackalign.DefaultBoundary).
	OptStackAlignment int

	OptLogger logrus.FieldLogger
}

// NewChainOrExit calls NewChain. It calls DefaultExitFn if an error
// occurs.
func NewChainOrExit(config ChainConfig) *Chain {
	c, err := NewChain(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create chain - %w", err))
	}

	return c
}

// NewChain returns an empty Chain.
func NewChain(config ChainConfig) (*Chain, error) {
	if len(config.Finders) == 0 {
		return nil, errors.New("at least one gadget finder is required")
	}

	primary := config.Finders[0].Image()

	for _, f := range config.Finders[1:] {
		if f.Image().WordSize() != primary.WordSize() {
			return nil, fmt.Errorf("image word sizes differ (%d and %d)",
				primary.WordSize(), f.Image().WordSize())
		}
	}

	pm, err := memory.PointerMakerFor(primary.ByteOrder(), primary.WordSize())
	if err != nil {
		return nil, err
	}

	junk := config.OptJunk
	if junk == 0 {
		junk = DefaultJunk
	}

	return &Chain{
		finders:   config.Finders,
		pm:        pm,
		junk:      junk,
		alignment: config.OptStackAlignment,
		log:       config.OptLogger,
	}, nil
}

// Chain is a gadget chain under construction. It implements
// stackalign.Chain.
type Chain struct {
	finders   []*Finder
	pm        memory.PointerMaker
	junk      uint64
	alignment int
	log       logrus.FieldLogger
	words     []word
}

type word struct {
	value   uint64
	comment string
}

// Resolve returns the address of function in the first image that
// defines it.
func (o *Chain) Resolve(function string) (uint64, error) {
	var lastErr error

	for _, f := range o.finders {
		addr, err := f.Image().Symbol(function)
		if err == nil {
			return addr, nil
		}

		lastErr = err
	}

	return 0, lastErr
}

func (o *Chain) gadget(query func(*Finder) (Gadget, error)) (uint64, Gadget, error) {
	var lastErr error

	for _, f := range o.finders {
		g, err := query(f)
		if err == nil {
			return g.Address(f.Image().Base()), g, nil
		}

		lastErr = err
	}

	return 0, Gadget{}, lastErr
}

// CallOrExit calls Call. It calls DefaultExitFn if an error occurs.
func (o *Chain) CallOrExit(function string, args ...uint64) {
	err := o.Call(function, args...)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to add call to %s - %w", function, err))
	}
}

// Call appends function(args...) to the chain without adjusting
// the stack's alignment. Most callers want AlignedCall instead.
func (o *Chain) Call(function string, args ...uint64) error {
	addr, err := o.Resolve(function)
	if err != nil {
		return err
	}

	var words []word

	if o.pm.PointerSize() == 8 {
		words, err = o.registerArgsCall(function, addr, args)
	} else {
		words, err = o.stackArgsCall(function, addr, args)
	}
	if err != nil {
		return err
	}

	o.words = append(o.words, words...)

	return nil
}

func (o *Chain) registerArgsCall(function string, addr uint64, args []uint64) ([]word, error) {
	if len(args) > len(sysVArgRegs) {
		return nil, fmt.Errorf("%s: %d arguments exceeds the %d supported register arguments",
			function, len(args), len(sysVArgRegs))
	}

	want := make(map[x86asm.Reg]uint64, len(args))
	for i, arg := range args {
		want[sysVArgRegs[i]] = arg
	}

	loaded := make(map[x86asm.Reg]bool, len(args))
	var words []word

	for i := range args {
		reg := sysVArgRegs[i]
		if loaded[reg] {
			continue
		}

		gAddr, g, err := o.gadget(func(f *Finder) (Gadget, error) {
			return f.PopReg(reg)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to find gadget to load %s for %s - %w",
				regName(reg), function, err)
		}

		words = append(words, word{value: gAddr, comment: g.Text})

		// Every register the gadget pops gets a slot. Argument
		// registers get their value, so a later gadget cannot
		// clobber them.
		for _, popped := range g.Pops {
			value, isArg := want[popped]
			if isArg {
				loaded[popped] = true
				words = append(words, word{
					value:   value,
					comment: fmt.Sprintf("%s = 0x%x", regName(popped), value),
				})
			} else {
				words = append(words, word{
					value:   o.junk,
					comment: regName(popped),
				})
			}
		}
	}

	words = append(words, word{value: addr, comment: function})

	return words, nil
}

func (o *Chain) stackArgsCall(function string, addr uint64, args []uint64) ([]word, error) {
	words := []word{{value: addr, comment: function}}

	if len(args) == 0 {
		return words, nil
	}

	gAddr, g, err := o.gadget(func(f *Finder) (Gadget, error) {
		return f.PopN(len(args))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find gadget to remove %d arguments of %s - %w",
			len(args), function, err)
	}

	words = append(words, word{value: gAddr, comment: g.Text})

	for i, arg := range args {
		words = append(words, word{
			value:   arg,
			comment: fmt.Sprintf("arg%d", i),
		})
	}

	return words, nil
}

// AlignedCallOrExit calls AlignedCall. It calls DefaultExitFn if an
// error occurs.
func (o *Chain) AlignedCallOrExit(function string, args ...uint64) {
	err := o.AlignedCall(function, args...)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to add aligned call to %s - %w", function, err))
	}
}

// AlignedCall appends function(args...) preceded by enough "ret"
// gadgets for the call to execute on an aligned stack (16 bytes
// unless configured otherwise).
func (o *Chain) AlignedCall(function string, args ...uint64) error {
	aligner := &stackalign.Aligner{
		Boundary:  o.alignment,
		OptLogger: o.log,
	}

	return aligner.Call(o, function, args...)
}

// Pad appends the specified number of "ret" gadgets.
func (o *Chain) Pad(words int) error {
	if words == 0 {
		return nil
	}

	gAddr, g, err := o.gadget(func(f *Finder) (Gadget, error) {
		return f.Ret()
	})
	if err != nil {
		return err
	}

	for i := 0; i < words; i++ {
		o.words = append(o.words, word{value: gAddr, comment: g.Text})
	}

	return nil
}

// Raw appends values to the chain as-is.
func (o *Chain) Raw(values ...uint64) *Chain {
	for _, v := range values {
		o.words = append(o.words, word{value: v})
	}

	return o
}

// BytesOrExit calls Bytes. It calls DefaultExitFn if an error occurs.
func (o *Chain) BytesOrExit() []byte {
	b, err := o.Bytes()
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to serialize chain - %w", err))
	}

	return b
}

// Bytes serializes the chain.
func (o *Chain) Bytes() ([]byte, error) {
	builder := iokit.NewPayloadBuilder().SetEndianness(o.pm.ByteOrder())

	for _, w := range o.words {
		builder.Word(w.value, o.pm.PointerSize())
	}

	return builder.Build()
}

// Len returns the length of the serialized chain in bytes.
func (o *Chain) Len() int {
	return len(o.words) * o.pm.PointerSize()
}

// Pack encodes address as a chain word.
func (o *Chain) Pack(address uint64) []byte {
	return o.pm.Pack(address)
}

// WordSize returns the size of a chain word in bytes.
func (o *Chain) WordSize() int {
	return o.pm.PointerSize()
}

// Scratch returns an empty Chain that uses the same gadget finders.
func (o *Chain) Scratch() stackalign.Chain {
	return &Chain{
		finders:   o.finders,
		pm:        o.pm,
		junk:      o.junk,
		alignment: o.alignment,
	}
}

// Dump returns a human readable listing of the chain, one word
// per line.
func (o *Chain) Dump() string {
	buf := strings.Builder{}
	digits := o.pm.PointerSize() * 2

	for i, w := range o.words {
		fmt.Fprintf(&buf, "0x%04x: 0x%0*x", i*o.pm.PointerSize(), digits, w.value)

		if w.comment != "" {
			buf.WriteString(" ")
			buf.WriteString(w.comment)
		}

		buf.WriteString("\n")
	}

	return buf.String()
}

func regName(reg x86asm.Reg) string {
	return strings.ToLower(reg.String())
}
