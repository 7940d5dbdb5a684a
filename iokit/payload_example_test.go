package iokit

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"gitlab.com/stephen-fox/ropkit/memory"
	"gitlab.com/stephen-fox/ropkit/pattern"
)

func ExampleNewPayloadBuilder() {
	pm := memory.PointerMakerForX86_64()

	examplePointer := pm.FromUint(0x7ffac0ded00d)

	payload := NewPayloadBuilder().
		RepeatString("A", 8*2).
		String("zerocool").
		Pattern(&pattern.Cyclic{}, 16).
		Bytes([]byte{0xa8, 0xac, 0x20, 0xff, 0x42, 0x7f, 0x00, 0x00}).
		Uint64(0xc0ded00d, binary.LittleEndian).
		Pointer(examplePointer).
		BuildOrExit()

	fmt.Print(hex.Dump(payload))

	// Output:
	// 00000000  41 41 41 41 41 41 41 41  41 41 41 41 41 41 41 41  |AAAAAAAAAAAAAAAA|
	// 00000010  7a 65 72 6f 63 6f 6f 6c  61 61 61 61 62 61 61 61  |zerocoolaaaabaaa|
	// 00000020  63 61 61 61 64 61 61 61  a8 ac 20 ff 42 7f 00 00  |caaadaaa.. .B...|
	// 00000030  0d d0 de c0 00 00 00 00  0d d0 de c0 fa 7f 00 00  |................|
}

func ExamplePayloadBuilder_Word() {
	chain := NewPayloadBuilder().
		Word(0x401196, 8).
		Word(0x8049010, 4).
		BuildOrExit()

	fmt.Printf("%x\n", chain)

	// Output: 961140000000000010900408
}
