package pattern

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultAlphabet is the alphabet used when Cyclic.Alphabet
	// is empty.
	DefaultAlphabet = "abcdefghijklmnopqrstuvwxyz"

	// DefaultSubsequenceLen is the subsequence length used when
	// Cyclic.N is zero.
	DefaultSubsequenceLen = 4

	// DefaultSearchLimit is the number of pattern bytes searched by
	// Cyclic.Find when Cyclic.OptSearchLimit is zero.
	DefaultSearchLimit = 1 << 20
)

// Cyclic generates a de Bruijn sequence over an alphabet. Every
// subsequence of N bytes occurs at most once in the sequence, which
// means any N (or more) bytes captured from a pattern string reveal
// their own offset into it.
//
// For overflow offset discovery, N should match the pointer size
// of the target (e.g., 8 for x86 64-bit). The zero value generates
// the same sequence as pwntools' cyclic function.
type Cyclic struct {
	// Alphabet is the set of characters used in the sequence.
	// DefaultAlphabet is used when empty.
	Alphabet string

	// N is the length of the unique subsequences.
	// DefaultSubsequenceLen is used when zero.
	N int

	// OptSearchLimit limits the number of bytes Find searches.
	OptSearchLimit int

	// OptLogger logs the pattern strings written by WriteToN
	// if specified.
	OptLogger logrus.FieldLogger

	written  int
	numCalls int
}

func (o *Cyclic) params() (string, int, error) {
	alphabet := o.Alphabet
	if alphabet == "" {
		alphabet = DefaultAlphabet
	}

	n := o.N
	if n == 0 {
		n = DefaultSubsequenceLen
	}

	if n < 0 {
		return "", 0, fmt.Errorf("subsequence length cannot be negative (%d)", n)
	}

	if len(alphabet) < 2 {
		return "", 0, errors.New("alphabet must contain at least two characters")
	}

	return alphabet, n, nil
}

// MaxLen returns the length of the complete sequence.
func (o *Cyclic) MaxLen() (int, error) {
	alphabet, n, err := o.params()
	if err != nil {
		return 0, err
	}

	return maxLen(len(alphabet), n), nil
}

// BytesOrExit calls Bytes. It calls DefaultExitFn if an error occurs.
func (o *Cyclic) BytesOrExit(length int) []byte {
	b, err := o.Bytes(length)
	if err != nil {
		DefaultExitFn(fmt.Errorf("pattern.cyclic: failed to generate %d bytes - %w", length, err))
	}

	return b
}

// Bytes returns the first length bytes of the sequence.
func (o *Cyclic) Bytes(length int) ([]byte, error) {
	alphabet, n, err := o.params()
	if err != nil {
		return nil, err
	}

	if length < 0 {
		return nil, fmt.Errorf("length cannot be negative (%d)", length)
	}

	max := maxLen(len(alphabet), n)
	if length > max {
		return nil, fmt.Errorf("requested %d bytes, but the sequence is only %d bytes long",
			length, max)
	}

	return deBruijn(alphabet, n, length), nil
}

// Pattern returns the first numBytes of the sequence. It satisfies
// the iokit.PatternGenerator interface.
func (o *Cyclic) Pattern(numBytes int) ([]byte, error) {
	return o.Bytes(numBytes)
}

// WriteToN writes n bytes of the sequence to w. Subsequent calls
// to WriteToN resume the sequence where the previous call ended.
func (o *Cyclic) WriteToN(w io.Writer, n int) error {
	if n <= 0 {
		return errors.New("n is less than or equal to zero")
	}

	all, err := o.Bytes(o.written + n)
	if err != nil {
		return err
	}

	chunk := all[o.written:]

	if o.OptLogger != nil {
		o.OptLogger.Debugf("pattern string %d: %s", o.numCalls, chunk)
	}

	_, err = w.Write(chunk)
	if err != nil {
		return err
	}

	o.written += n
	o.numCalls++

	return nil
}

// FindOrExit calls Find. It calls DefaultExitFn if an error occurs.
func (o *Cyclic) FindOrExit(subsequence []byte) int {
	i, err := o.Find(subsequence)
	if err != nil {
		DefaultExitFn(fmt.Errorf("pattern.cyclic: failed to find 0x%x - %w", subsequence, err))
	}

	return i
}

// Find returns the offset of subsequence in the sequence.
// Only the first OptSearchLimit bytes (DefaultSearchLimit if
// unset) of the sequence are searched.
func (o *Cyclic) Find(subsequence []byte) (int, error) {
	if len(subsequence) == 0 {
		return 0, errors.New("subsequence cannot be empty")
	}

	limit := o.OptSearchLimit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	max, err := o.MaxLen()
	if err != nil {
		return 0, err
	}

	if limit > max {
		limit = max
	}

	seq, err := o.Bytes(limit)
	if err != nil {
		return 0, err
	}

	return Index(seq, subsequence)
}

// Index returns the offset of subsequence in an already generated
// pattern string.
func Index(pattern []byte, subsequence []byte) (int, error) {
	i := bytes.Index(pattern, subsequence)
	if i < 0 {
		return 0, ErrNotFound
	}

	return i, nil
}

func maxLen(k int, n int) int {
	total := 1
	for i := 0; i < n; i++ {
		if total > math.MaxInt32/k {
			return math.MaxInt32
		}

		total *= k
	}

	return total
}

// deBruijn generates the first length bytes of the sequence B(k, n)
// using the recursive FKM algorithm. Generation stops as soon as
// length bytes have been produced.
func deBruijn(alphabet string, n int, length int) []byte {
	out := make([]byte, 0, length)
	if length == 0 {
		return out
	}

	k := len(alphabet)
	a := make([]int, n+1)

	var db func(t, p int) bool

	db = func(t, p int) bool {
		if t > n {
			if n%p == 0 {
				for j := 1; j <= p; j++ {
					out = append(out, alphabet[a[j]])
					if len(out) == length {
						return false
					}
				}
			}

			return true
		}

		a[t] = a[t-p]

		if !db(t+1, p) {
			return false
		}

		for j := a[t-p] + 1; j < k; j++ {
			a[t] = j

			if !db(t+1, t) {
				return false
			}
		}

		return true
	}

	db(1, 1)

	return out
}
