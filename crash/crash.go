// Package crash launches a program under ptrace and reports the
// machine state at the moment it faults. It is used to recover the
// bytes of a cyclic pattern that ended up in the instruction pointer
// or on top of the stack after a stack buffer overflow.
package crash

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoCrash is returned when the program exits without
	// faulting.
	ErrNoCrash = errors.New("program exited without crashing")

	// ErrUnsupported is returned on platforms without ptrace support.
	ErrUnsupported = errors.New("crash analysis is not supported on this platform")

	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		logrus.Fatalln(err)
	}
)

// Info describes a faulting program.
type Info struct {
	Signal syscall.Signal

	// Address is the faulting memory address reported by the kernel.
	// It is zero for general protection faults, such as jumping to
	// a non-canonical address on x86 64-bit.
	Address uint64

	// PC is the instruction pointer.
	PC uint64

	// SP is the stack pointer.
	SP uint64

	// StackWord is the word at the top of the stack. When a "ret"
	// faults, this is the address it tried to return to.
	StackWord uint64

	// WordSize is the size of the program's words in bytes.
	WordSize int
}

// Candidates returns the values that may contain attacker-controlled
// bytes, most specific first.
func (o Info) Candidates() []uint64 {
	return []uint64{o.Address, o.PC, o.StackWord}
}

func (o Info) String() string {
	return fmt.Sprintf("%s: address 0x%x, pc 0x%x, sp 0x%x, [sp] 0x%x",
		o.Signal, o.Address, o.PC, o.SP, o.StackWord)
}

// Tracer launches programs under ptrace.
type Tracer struct {
	// OptArgs are passed to the program.
	OptArgs []string

	// OptOutput receives the program's stdout and stderr.
	// Output is discarded when nil.
	OptOutput *os.File

	OptLogger logrus.FieldLogger
}

// SpawnOrExit calls Spawn. It calls DefaultExitFn if an error occurs.
func (o *Tracer) SpawnOrExit(binaryPath string) *Process {
	p, err := o.Spawn(binaryPath)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to spawn %q - %w", binaryPath, err))
	}

	return p
}

func isFault(sig syscall.Signal) bool {
	switch sig {
	case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGILL:
		return true
	}

	return false
}
