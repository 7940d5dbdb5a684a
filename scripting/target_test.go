package scripting

import (
	"io"
	"net"
	"testing"
)

func TestParseTargetArgs(t *testing.T) {
	config, err := ParseTargetArgs([]string{"local", "./vuln", "-x"})
	if err != nil {
		t.Fatal(err)
	}

	if config.Mode != LocalMode || len(config.Command) != 2 || config.Command[1] != "-x" {
		t.Fatalf("unexpected local config: %+v", config)
	}

	config, err = ParseTargetArgs([]string{"ssh", "user@host", "/tmp/pipes"})
	if err != nil {
		t.Fatal(err)
	}

	if config.Mode != SSHMode || config.Address != "user@host" || config.PipesDir != "/tmp/pipes" {
		t.Fatalf("unexpected ssh config: %+v", config)
	}

	config, err = ParseTargetArgs([]string{"remote", "127.0.0.1:9001"})
	if err != nil {
		t.Fatal(err)
	}

	if config.Mode != RemoteMode || config.Address != "127.0.0.1:9001" {
		t.Fatalf("unexpected remote config: %+v", config)
	}
}

func TestParseTargetArgs_Bad(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"local"},
		{"ssh", "host"},
		{"remote"},
		{"gdb", "./vuln"},
	} {
		_, err := ParseTargetArgs(args)
		if err == nil {
			t.Fatalf("expected an error for %q", args)
		}
	}
}

func TestOpenTarget_Remote(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("failed to listen - %s", err)
	}
	defer listener.Close()

	go func() {
		c, err := listener.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		io.WriteString(c, "welcome\n")
	}()

	proc, err := OpenTarget(TargetConfig{
		Mode:    RemoteMode,
		Address: listener.Addr().String(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Close()

	line, err := proc.ReadLine()
	if err != nil {
		t.Fatal(err)
	}

	if string(line) != "welcome\n" {
		t.Fatalf("unexpected line: %q", line)
	}
}
