// Package asmkit decodes x86 machine code. It is used to classify
// gadgets found in executable segments and to render them as text.
package asmkit

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

const (
	SkipSyntax  DisassemblySyntax = ""
	ATTSyntax   DisassemblySyntax = "att"
	GoSyntax    DisassemblySyntax = "go"
	IntelSyntax DisassemblySyntax = "intel"
)

// ErrTrailingBytes is returned by Disassembler.Exactly when the final
// instruction would extend past the end of the input.
var ErrTrailingBytes = errors.New("instructions do not end at the end of the input")

// ErrInvalidInst is returned when the input does not begin with a
// complete, valid instruction.
var ErrInvalidInst = errors.New("invalid or truncated instruction")

type DisassemblySyntax string

// DisassemblerConfig configures a Disassembler.
type DisassemblerConfig struct {
	Syntax DisassemblySyntax

	// Bits is the x86 mode: 16, 32, or 64.
	Bits int
}

func NewDisassembler(config DisassemblerConfig) (*Disassembler, error) {
	switch config.Bits {
	case 16, 32, 64:
	default:
		return nil, fmt.Errorf("unsupported x86 mode: %d bits", config.Bits)
	}

	var disassemblyFn func(inst x86asm.Inst) string
	switch config.Syntax {
	case SkipSyntax:
		// Do nothing.
	case ATTSyntax:
		disassemblyFn = func(inst x86asm.Inst) string {
			return x86asm.GNUSyntax(inst, 0, nil)
		}
	case GoSyntax:
		disassemblyFn = func(inst x86asm.Inst) string {
			return x86asm.GoSyntax(inst, 0, nil)
		}
	case IntelSyntax:
		disassemblyFn = func(inst x86asm.Inst) string {
			return x86asm.IntelSyntax(inst, 0, nil)
		}
	default:
		return nil, fmt.Errorf("unsupported syntax type for x86: %q", config.Syntax)
	}

	return &Disassembler{
		bits:          config.Bits,
		disassemblyFn: disassemblyFn,
	}, nil
}

// Disassembler decodes x86 instructions one at a time.
type Disassembler struct {
	bits          int
	disassemblyFn func(inst x86asm.Inst) string
}

// Bits returns the x86 mode of the Disassembler.
func (o *Disassembler) Bits() int {
	return o.bits
}

// All decodes every instruction in rawInstructions, calling
// onDecodeFn for each one.
func (o *Disassembler) All(rawInstructions []byte, onDecodeFn func(Inst) error) error {
	index := 0

	for !isDone(rawInstructions, index) {
		inst, err := o.Next(rawInstructions[index:])
		if err != nil {
			return fmt.Errorf("failed to decode instruction at %d - %w - remaining data: 0x%x",
				index, err, rawInstructions[index:])
		}

		inst.Index = index

		err = onDecodeFn(inst)
		if err != nil {
			return fmt.Errorf("on decode function failed for instruction at %d (%q) - %w",
				index, inst.Dis, err)
		}

		index += inst.Len
	}

	return nil
}

// Exactly decodes rawInstructions and returns the instructions only
// if they consume every byte. Gadget candidates that decode into a
// different instruction stream than intended are rejected this way.
func (o *Disassembler) Exactly(rawInstructions []byte) ([]Inst, error) {
	var insts []Inst

	err := o.All(rawInstructions, func(inst Inst) error {
		insts = append(insts, inst)
		return nil
	})
	if err != nil {
		return nil, err
	}

	total := 0
	for _, inst := range insts {
		total += inst.Len
	}

	if total != len(rawInstructions) {
		return nil, ErrTrailingBytes
	}

	return insts, nil
}

// Next decodes the first instruction in rawInstructions.
func (o *Disassembler) Next(rawInstructions []byte) (Inst, error) {
	x86Inst, err := x86asm.Decode(rawInstructions, o.bits)
	if err != nil {
		return Inst{}, err
	}

	// Decode reports stray prefixes and cut-off instructions as
	// pseudo-instructions with no opcode.
	if x86Inst.Op == 0 {
		return Inst{}, ErrInvalidInst
	}

	var disassembly string
	if o.disassemblyFn != nil {
		disassembly = o.disassemblyFn(x86Inst)
	}

	return Inst{
		Bin:  copySlice(rawInstructions, x86Inst.Len),
		Len:  x86Inst.Len,
		Dis:  disassembly,
		Inst: x86Inst,
	}, nil
}

// Inst is a decoded instruction.
type Inst struct {
	Bin   []byte
	Len   int
	Index int
	Dis   string
	Inst  x86asm.Inst
}

// IsRet returns true if the instruction is a near return with no
// stack adjustment.
func (o Inst) IsRet() bool {
	return o.Inst.Op == x86asm.RET && o.Inst.Args[0] == nil
}

// PoppedReg returns the register loaded by a "pop reg" instruction.
// The bool is false for any other instruction.
func (o Inst) PoppedReg() (x86asm.Reg, bool) {
	if o.Inst.Op != x86asm.POP {
		return 0, false
	}

	reg, isReg := o.Inst.Args[0].(x86asm.Reg)

	return reg, isReg
}

// Join concatenates the disassembly of insts using sep.
func Join(insts []Inst, sep string) string {
	strs := make([]string, len(insts))
	for i := range insts {
		strs[i] = insts[i].Dis
	}

	return strings.Join(strs, sep)
}

func copySlice(src []byte, numBytes int) []byte {
	cp := make([]byte, numBytes)

	copy(cp, src[0:numBytes])

	return cp
}

func isDone(rawInstructions []byte, index int) bool {
	return index >= len(rawInstructions)
}
