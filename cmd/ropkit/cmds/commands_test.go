package cmds

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"gitlab.com/stephen-fox/ropkit/internal/elftest"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()

	out := bytes.NewBuffer(nil)

	root := New()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(bytes.NewBuffer(nil))

	err := root.Execute()
	if err != nil {
		t.Fatalf("%q failed - %s", args, err)
	}

	return out.String()
}

func TestPatternCreate(t *testing.T) {
	out := execute(t, "pattern", "create", "20")

	if out != "aaaabaaacaaadaaaeaaa" {
		t.Fatalf("unexpected pattern: %q", out)
	}
}

func TestPatternFind(t *testing.T) {
	for _, test := range []struct {
		args []string
		exp  string
	}{
		{args: []string{"pattern", "find", "0x61616162"}, exp: "1\n"},
		{args: []string{"pattern", "find", "--little", "0x61616162"}, exp: "4\n"},
		{args: []string{"pattern", "find", "-s", "caaa"}, exp: "8\n"},
		{args: []string{"pattern", "find", "-n", "8", "-s", "baaaaaaa"}, exp: "8\n"},
		{args: []string{"pattern", "find", "--retry", "-s", "caaaZZ"}, exp: "8\n"},
	} {
		out := execute(t, test.args...)
		if out != test.exp {
			t.Fatalf("%q: expected %q - got %q", test.args, test.exp, out)
		}
	}
}

func TestPatternFind_NotFound(t *testing.T) {
	root := New()
	root.SetArgs([]string{"pattern", "find", "-s", "ZZZZ"})
	root.SetOut(bytes.NewBuffer(nil))
	root.SetErr(bytes.NewBuffer(nil))

	err := root.Execute()
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestDasm(t *testing.T) {
	out := execute(t, "dasm", `\x5f\xc3`)

	if !strings.Contains(out, "pop rdi") || !strings.Contains(out, "ret") {
		t.Fatalf("unexpected disassembly: %q", out)
	}
}

func TestGadgets(t *testing.T) {
	binaryPath, file := elftest.WriteFile(t, elftest.Config{
		Text:      []byte{0x5f, 0xc3, 0x5e, 0xc3},
		Functions: map[string]uint64{"main": 0},
	})

	out := execute(t, "gadgets", "--prefix", "pop rsi", binaryPath)

	exp := fmt.Sprintf("0x%x: pop rsi ; ret\n", file.TextAddr+2)
	if out != exp {
		t.Fatalf("expected %q - got %q", exp, out)
	}
}
