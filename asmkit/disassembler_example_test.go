package asmkit_test

import (
	"fmt"
	"log"

	"gitlab.com/stephen-fox/ropkit/asmkit"
)

func ExampleDisassembler() {
	// pop rdi; pop rsi; pop r15; ret
	gadget := []byte{0x5f, 0x5e, 0x41, 0x5f, 0xc3}

	disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.IntelSyntax,
		Bits:   64,
	})
	if err != nil {
		log.Fatalf("failed to create disassembler - %v", err)
	}

	err = disass.All(gadget, func(inst asmkit.Inst) error {
		fmt.Println(inst.Dis)
		return nil
	})
	if err != nil {
		log.Fatalf("disassembler failed - %v", err)
	}

	// Output:
	// pop rdi
	// pop rsi
	// pop r15
	// ret
}
