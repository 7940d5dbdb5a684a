package rop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"gitlab.com/stephen-fox/ropkit/asmkit"
	"gitlab.com/stephen-fox/ropkit/elfimage"
	"golang.org/x/arch/x86/x86asm"
)

const (
	// DefaultMaxGadgetBytes is the number of bytes preceding a "ret"
	// that are considered when FinderConfig.OptMaxGadgetBytes is zero.
	DefaultMaxGadgetBytes = 10

	// DefaultMemoSize is the number of gadget queries remembered
	// when FinderConfig.OptMemoSize is zero.
	DefaultMemoSize = 128

	// Separator joins the instructions of a gadget's text.
	Separator = " ; "

	retOpcode = 0xc3
)

// ErrNoGadget is returned when no gadget satisfies a query.
var ErrNoGadget = errors.New("no suitable gadget")

// Image is a binary that gadgets are found in and functions are
// resolved against.
type Image interface {
	Symbol(name string) (uint64, error)
	ExecutableSegments() []elfimage.Segment
	WordSize() int
	ByteOrder() binary.ByteOrder
	Base() uint64
}

// Gadget is a sequence of instructions ending in "ret".
type Gadget struct {
	// Offset is the gadget's distance from the image's base.
	Offset uint64

	// Text is the gadget's Intel syntax disassembly.
	Text string

	// Pops lists the registers loaded from the stack, in order.
	// It is nil unless every instruction before the "ret" is a pop.
	Pops []x86asm.Reg

	insts []asmkit.Inst
}

// Address returns the gadget's address for an image loaded at base.
func (o Gadget) Address(base uint64) uint64 {
	return base + o.Offset
}

// IsPopOnly returns true if the gadget only pops registers before
// returning.
func (o Gadget) IsPopOnly() bool {
	return len(o.Pops) == len(o.insts)-1
}

// FinderConfig configures a Finder.
type FinderConfig struct {
	Image Image

	// OptMaxGadgetBytes limits how far back from a "ret" instruction
	// the Finder decodes.
	OptMaxGadgetBytes int

	// OptMemoSize sets the capacity of the query memo.
	OptMemoSize int

	OptLogger logrus.FieldLogger
}

// NewFinderOrExit calls NewFinder. It calls DefaultExitFn if an
// error occurs.
func NewFinderOrExit(config FinderConfig) *Finder {
	f, err := NewFinder(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create gadget finder - %w", err))
	}

	return f
}

// NewFinder scans the executable segments of config.Image for gadgets.
func NewFinder(config FinderConfig) (*Finder, error) {
	if config.Image == nil {
		return nil, errors.New("image cannot be nil")
	}

	maxBytes := config.OptMaxGadgetBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxGadgetBytes
	}

	memoSize := config.OptMemoSize
	if memoSize <= 0 {
		memoSize = DefaultMemoSize
	}

	memo, err := lru.New(memoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query memo - %w", err)
	}

	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.IntelSyntax,
		Bits:   config.Image.WordSize() * 8,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create disassembler - %w", err)
	}

	finder := &Finder{
		image:  config.Image,
		index:  trie.New(),
		memo:   memo,
		log:    config.OptLogger,
		disass: disass,
	}

	base := config.Image.Base()

	for _, seg := range config.Image.ExecutableSegments() {
		finder.scan(seg, base, maxBytes)
	}

	sort.Slice(finder.gadgets, func(i, j int) bool {
		return finder.gadgets[i].Offset < finder.gadgets[j].Offset
	})

	if finder.log != nil {
		finder.log.Debugf("found %d unique gadgets", len(finder.gadgets))
	}

	return finder, nil
}

// Finder indexes the gadgets of an Image by their disassembly.
type Finder struct {
	image   Image
	index   *trie.Trie
	memo    *lru.Cache
	log     logrus.FieldLogger
	disass  *asmkit.Disassembler
	gadgets []Gadget
}

func (o *Finder) scan(seg elfimage.Segment, base uint64, maxBytes int) {
	for end := 0; end < len(seg.Data); end++ {
		if seg.Data[end] != retOpcode {
			continue
		}

		for back := 0; back <= maxBytes && back <= end; back++ {
			start := end - back

			insts, err := o.disass.Exactly(seg.Data[start : end+1])
			if err != nil || !isGadget(insts) {
				continue
			}

			text := asmkit.Join(insts, Separator)
			if _, alreadyHave := o.index.Find(text); alreadyHave {
				continue
			}

			g := Gadget{
				Offset: seg.Addr + uint64(start) - base,
				Text:   text,
				Pops:   pops(insts),
				insts:  insts,
			}

			o.index.Add(text, g)
			o.gadgets = append(o.gadgets, g)
		}
	}
}

func isGadget(insts []asmkit.Inst) bool {
	if len(insts) == 0 || !insts[len(insts)-1].IsRet() {
		return false
	}

	for _, inst := range insts[:len(insts)-1] {
		if isControlFlow(inst.Inst.Op) {
			return false
		}
	}

	return true
}

func isControlFlow(op x86asm.Op) bool {
	switch op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.CALL, x86asm.LCALL,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.INT, x86asm.HLT, x86asm.UD2,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return true
	}

	return false
}

func pops(insts []asmkit.Inst) []x86asm.Reg {
	var regs []x86asm.Reg

	for _, inst := range insts[:len(insts)-1] {
		reg, isPop := inst.PoppedReg()
		if !isPop || isStackPointer(reg) {
			return nil
		}

		regs = append(regs, reg)
	}

	return regs
}

func isStackPointer(reg x86asm.Reg) bool {
	return reg == x86asm.RSP || reg == x86asm.ESP || reg == x86asm.SP
}

// Image returns the Image the Finder searches.
func (o *Finder) Image() Image {
	return o.image
}

// Gadgets returns every unique gadget, ordered by address.
func (o *Finder) Gadgets() []Gadget {
	return o.gadgets
}

// Find returns the gadget whose text is exactly text
// (e.g., "pop rdi ; ret").
func (o *Finder) Find(text string) (Gadget, bool) {
	node, hasIt := o.index.Find(text)
	if !hasIt {
		return Gadget{}, false
	}

	return node.Meta().(Gadget), true
}

// WithPrefix returns the gadgets whose text starts with prefix,
// ordered by address.
func (o *Finder) WithPrefix(prefix string) []Gadget {
	var gadgets []Gadget

	for _, text := range o.index.PrefixSearch(prefix) {
		g, _ := o.Find(text)
		gadgets = append(gadgets, g)
	}

	sort.Slice(gadgets, func(i, j int) bool {
		return gadgets[i].Offset < gadgets[j].Offset
	})

	return gadgets
}

// Fuzzy returns the gadgets whose text contains the characters of
// pattern in order (e.g., "poprdi").
func (o *Finder) Fuzzy(pattern string) []Gadget {
	var gadgets []Gadget

	for _, text := range o.index.FuzzySearch(pattern) {
		g, _ := o.Find(text)
		gadgets = append(gadgets, g)
	}

	return gadgets
}

// Ret returns a gadget consisting of a single "ret".
func (o *Finder) Ret() (Gadget, error) {
	g, hasIt := o.Find("ret")
	if !hasIt {
		return Gadget{}, fmt.Errorf("%w: ret", ErrNoGadget)
	}

	return g, nil
}

// PopReg returns the shortest pop-only gadget that loads reg.
func (o *Finder) PopReg(reg x86asm.Reg) (Gadget, error) {
	return o.memoized("pop "+strings.ToLower(reg.String()), func() (Gadget, bool) {
		var best Gadget
		found := false

		for _, g := range o.gadgets {
			if !g.IsPopOnly() || !containsReg(g.Pops, reg) {
				continue
			}

			if !found || len(g.Pops) < len(best.Pops) {
				best = g
				found = true
			}
		}

		return best, found
	})
}

// PopN returns a pop-only gadget that removes exactly n words from
// the stack before returning.
func (o *Finder) PopN(n int) (Gadget, error) {
	return o.memoized(fmt.Sprintf("pop x%d", n), func() (Gadget, bool) {
		for _, g := range o.gadgets {
			if len(g.insts) == n+1 && g.IsPopOnly() {
				return g, true
			}
		}

		return Gadget{}, false
	})
}

func (o *Finder) memoized(query string, fn func() (Gadget, bool)) (Gadget, error) {
	cached, hasIt := o.memo.Get(query)
	if hasIt {
		return cached.(Gadget), nil
	}

	g, found := fn()
	if !found {
		return Gadget{}, fmt.Errorf("%w: %s", ErrNoGadget, query)
	}

	if o.log != nil {
		o.log.Debugf("%s -> 0x%x: %s", query, g.Offset, g.Text)
	}

	o.memo.Add(query, g)

	return g, nil
}

func containsReg(regs []x86asm.Reg, reg x86asm.Reg) bool {
	for _, r := range regs {
		if r == reg {
			return true
		}
	}

	return false
}
