package pattern

import (
	"bytes"
	"errors"
	"testing"
)

func TestCyclic_Duplicates(t *testing.T) {
	t.Run("FourBytes", func(t *testing.T) {
		checkCyclicDuplicates(t, 4, 100_000)
	})

	t.Run("EightBytes", func(t *testing.T) {
		checkCyclicDuplicates(t, 8, 100_000)
	})
}

func checkCyclicDuplicates(t *testing.T, n int, numBytes int) {
	t.Helper()

	c := Cyclic{N: n}

	seq, err := c.Bytes(numBytes)
	if err != nil {
		t.Fatalf("failed to generate pattern - %s", err)
	}

	if len(seq) != numBytes {
		t.Fatalf("expected %d bytes - got %d", numBytes, len(seq))
	}

	m := make(map[string]int)

	for i := 0; i+n <= len(seq); i++ {
		str := string(seq[i : i+n])

		previousI, hasIt := m[str]
		if hasIt {
			t.Fatalf("already encountered %q at offset %d (current offset: %d)",
				str, previousI, i)
		}

		m[str] = i
	}
}

func TestCyclic_Bytes_PwntoolsCompatible(t *testing.T) {
	c := Cyclic{}

	res := c.BytesOrExit(16)
	exp := []byte("aaaabaaacaaadaaa")
	if !bytes.Equal(res, exp) {
		t.Fatalf("expected '%s' - got '%s'", exp, res)
	}

	c = Cyclic{N: 8}

	res = c.BytesOrExit(24)
	exp = []byte("aaaaaaaabaaaaaaacaaaaaaa")
	if !bytes.Equal(res, exp) {
		t.Fatalf("expected '%s' - got '%s'", exp, res)
	}
}

func TestCyclic_Bytes_TooLong(t *testing.T) {
	c := Cyclic{Alphabet: "ab", N: 2}

	max, err := c.MaxLen()
	if err != nil {
		t.Fatal(err)
	}

	if max != 4 {
		t.Fatalf("expected max length of 4 - got %d", max)
	}

	_, err = c.Bytes(5)
	if err == nil {
		t.Fatal("expected an error when requesting more bytes than the sequence holds")
	}
}

func TestCyclic_Find(t *testing.T) {
	for _, n := range []int{4, 8} {
		c := Cyclic{N: n}

		seq := c.BytesOrExit(4096)

		for _, offset := range []int{0, 1, 16, 72, 1023, 4096 - n} {
			i, err := c.Find(seq[offset : offset+n])
			if err != nil {
				t.Fatalf("n=%d: failed to find offset %d - %s", n, offset, err)
			}

			if i != offset {
				t.Fatalf("n=%d: expected offset %d - got %d", n, offset, i)
			}
		}
	}
}

func TestCyclic_Find_NotFound(t *testing.T) {
	c := Cyclic{OptSearchLimit: 1024}

	_, err := c.Find([]byte("ZZZZ"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound - got %v", err)
	}
}

func TestCyclic_WriteToN_Resumes(t *testing.T) {
	c := Cyclic{}
	buf := bytes.NewBuffer(nil)

	for i := 0; i < 3; i++ {
		err := c.WriteToN(buf, 16)
		if err != nil {
			t.Fatalf("write %d failed - %s", i, err)
		}
	}

	exp := (&Cyclic{}).BytesOrExit(48)
	if !bytes.Equal(buf.Bytes(), exp) {
		t.Fatalf("expected '%s' - got '%s'", exp, buf.Bytes())
	}
}
