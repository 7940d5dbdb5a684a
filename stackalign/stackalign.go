// Package stackalign appends function calls to gadget chains so that
// each call executes with a stack pointer that satisfies the calling
// convention's alignment requirement.
//
// Where a call will execute inside a chain depends on the exact layout
// the chain builder produces for it (argument gadgets, multi-pop
// gadgets, and so on). That layout is only known after the call has
// been built, but padding has to be inserted before it. The Aligner
// solves this by building the call twice: first in a disposable
// scratch chain to measure the offset of the function's address, then
// for real after the required number of filler gadgets.
//
// The caller is assumed to be inside a function-call context, meaning
// the alignment requirement already holds at the start of the chain.
package stackalign

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

// DefaultBoundary is the stack alignment boundary in bytes required
// by the System V x86 ABIs.
const DefaultBoundary = 16

// Chain is a gadget chain under construction.
type Chain interface {
	// Call appends a call to function with the specified arguments.
	Call(function string, args ...uint64) error

	// Pad appends the specified number of filler words. Each filler
	// must be a no-op when executed (e.g., a "ret" gadget).
	Pad(words int) error

	// Bytes serializes the chain.
	Bytes() ([]byte, error)

	// Len returns the length of the serialized chain in bytes.
	Len() int

	// Resolve returns the address of function.
	Resolve(function string) (uint64, error)

	// Pack encodes an address as the chain would.
	Pack(address uint64) []byte

	// WordSize returns the size of a chain word in bytes.
	WordSize() int

	// Scratch returns a new, empty chain that uses the same binary
	// images as this chain. It is used for layout predictions.
	Scratch() Chain
}

// Call appends an aligned call to chain using DefaultBoundary.
func Call(chain Chain, function string, args ...uint64) error {
	return (&Aligner{}).Call(chain, function, args...)
}

// Aligner appends stack-aligned calls to gadget chains.
type Aligner struct {
	// Boundary is the stack alignment boundary in bytes.
	// DefaultBoundary is used when zero.
	Boundary int

	// OptLogger logs the prediction chain and the padding
	// decision if specified.
	OptLogger logrus.FieldLogger
}

func (o *Aligner) boundary() int {
	if o.Boundary == 0 {
		return DefaultBoundary
	}

	return o.Boundary
}

// Call appends function(args...) to chain, preceded by the number of
// filler words that places the call on an alignment boundary.
//
// chain is mutated in place. Failures to resolve function come from
// the chain builder and are returned as-is (wrapped).
func (o *Aligner) Call(chain Chain, function string, args ...uint64) error {
	callOffset, err := o.PredictCallOffset(chain, function, args...)
	if err != nil {
		return err
	}

	padding, err := PaddingWords(chain.Len(), callOffset, o.boundary(), chain.WordSize())
	if err != nil {
		return err
	}

	if o.OptLogger != nil {
		o.OptLogger.Debugf("aligning call to %s: chain length %d, call offset %d, padding %d words",
			function, chain.Len(), callOffset, padding)
	}

	if padding > 0 {
		err = chain.Pad(padding)
		if err != nil {
			return fmt.Errorf("failed to pad chain with %d words before %s - %w",
				padding, function, err)
		}
	}

	err = chain.Call(function, args...)
	if err != nil {
		return fmt.Errorf("failed to call %s - %w", function, err)
	}

	return nil
}

// PredictCallOffset builds function(args...) in a scratch chain and
// returns the offset in bytes at which the function's address first
// appears as a whole chain word. Because a chain builder lays a call
// out contiguously, the offset does not depend on what precedes
// the call.
func (o *Aligner) PredictCallOffset(chain Chain, function string, args ...uint64) (int, error) {
	prediction := chain.Scratch()

	err := prediction.Call(function, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to build prediction chain for %s - %w", function, err)
	}

	raw, err := prediction.Bytes()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize prediction chain for %s - %w", function, err)
	}

	address, err := chain.Resolve(function)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s - %w", function, err)
	}

	index := wordIndex(raw, chain.Pack(address), chain.WordSize())
	if index < 0 {
		return 0, fmt.Errorf("address of %s (0x%x) does not appear in its own call chain",
			function, address)
	}

	if o.OptLogger != nil {
		o.OptLogger.Debugf("prediction chain for %s: 0x%x (call at offset %d)",
			function, raw, index)
	}

	return index, nil
}

// PaddingWords returns the number of filler words to insert into a
// chain of chainLen bytes so that a call whose function address sits
// callOffset bytes into its own layout lands on a multiple of
// boundary. The result is always less than boundary / wordSize.
func PaddingWords(chainLen int, callOffset int, boundary int, wordSize int) (int, error) {
	if wordSize <= 0 || boundary <= 0 {
		return 0, fmt.Errorf("word size (%d) and boundary (%d) must be greater than zero",
			wordSize, boundary)
	}

	if boundary%wordSize != 0 {
		return 0, fmt.Errorf("boundary %d is not a multiple of the word size %d",
			boundary, wordSize)
	}

	if chainLen < 0 || callOffset < 0 {
		return 0, fmt.Errorf("chain length (%d) and call offset (%d) cannot be negative",
			chainLen, callOffset)
	}

	current := chainLen + callOffset
	if current%wordSize != 0 {
		return 0, fmt.Errorf("call would execute at offset %d, which is not word aligned",
			current)
	}

	// Rounding up and adding a full boundary of slack can overshoot
	// by one boundary. The modulo reclaims the minimal padding.
	rounded := alignUp(current, boundary) + boundary
	words := (rounded - current) / wordSize

	return words % (boundary / wordSize), nil
}

func alignUp(n int, boundary int) int {
	return (n + boundary - 1) / boundary * boundary
}

// wordIndex returns the offset of the first occurrence of word in raw
// that starts on a multiple of wordSize, or -1.
func wordIndex(raw []byte, word []byte, wordSize int) int {
	if wordSize <= 0 {
		return -1
	}

	for i := 0; i+len(word) <= len(raw); i += wordSize {
		if bytes.Equal(raw[i:i+len(word)], word) {
			return i
		}
	}

	return -1
}
