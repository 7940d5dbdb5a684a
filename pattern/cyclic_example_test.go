package pattern_test

import (
	"fmt"
	"log"
	"os"

	"gitlab.com/stephen-fox/ropkit/pattern"
)

func ExampleCyclic_WriteToN() {
	c := &pattern.Cyclic{}

	for i := 0; i < 3; i++ {
		err := c.WriteToN(os.Stdout, 16)
		if err != nil {
			log.Fatalln(err)
		}
		os.Stdout.WriteString("\n")
	}

	// Output:
	// aaaabaaacaaadaaa
	// eaaafaaagaaahaaa
	// iaaajaaakaaalaaa
}

func ExampleCyclic_Find() {
	c := &pattern.Cyclic{N: 8}

	// Little endian 0x616a616161616161, as seen in a
	// crashed 64-bit process' instruction pointer.
	offset, err := c.Find([]byte("aaaaaaja"))
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println(offset)

	// Output:
	// 66
}
