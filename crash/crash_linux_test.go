//go:build linux && (amd64 || 386)

package crash

import (
	"errors"
	"os/exec"
	"syscall"
	"testing"
)

func spawnShell(t *testing.T, script string) *Process {
	shPath, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh is not available - %s", err)
	}

	tracer := &Tracer{
		OptArgs: []string{"-c", script},
	}

	p, err := tracer.Spawn(shPath)
	if errors.Is(err, syscall.EPERM) {
		t.Skipf("ptrace is not permitted here - %s", err)
	}
	if err != nil {
		t.Fatal(err)
	}

	return p
}

func TestProcess_WaitForCrash(t *testing.T) {
	p := spawnShell(t, "read x; kill -SEGV $$")

	err := p.WriteLine([]byte("aaaabaaa"))
	if err != nil {
		t.Fatal(err)
	}

	info, err := p.WaitForCrash()
	if err != nil {
		t.Fatal(err)
	}

	if info.Signal != syscall.SIGSEGV {
		t.Fatalf("expected SIGSEGV - got %s", info.Signal)
	}

	if info.PC == 0 || info.SP == 0 {
		t.Fatalf("registers were not collected: %s", info)
	}

	if len(info.Candidates()) != 3 {
		t.Fatalf("expected three candidates - got %d", len(info.Candidates()))
	}

	err = p.Kill()
	if err != nil {
		t.Fatalf("kill after crash should be a no-op - got %s", err)
	}
}

func TestProcess_WaitForCrash_CleanExit(t *testing.T) {
	p := spawnShell(t, "read x; exit 3")

	err := p.WriteLine([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.WaitForCrash()
	if !errors.Is(err, ErrNoCrash) {
		t.Fatalf("expected ErrNoCrash - got %v", err)
	}

	_, err = p.WaitForCrash()
	if err == nil {
		t.Fatal("expected an error when waiting twice")
	}
}

func TestProcess_Kill(t *testing.T) {
	p := spawnShell(t, "read x")

	err := p.Kill()
	if err != nil {
		t.Fatal(err)
	}
}
