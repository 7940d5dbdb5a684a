//go:build linux && (amd64 || 386)

package crash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"
)

// Spawn starts binaryPath stopped under ptrace and resumes it. The
// program's stdin is connected to Process.WriteLine.
func (o *Tracer) Spawn(binaryPath string) (*Process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe - %w", err)
	}
	defer stdinR.Close()

	p := newProcess(o.OptLogger)
	p.stdin = stdinW

	p.execPtraceFunc(func() {
		cmd := exec.Command(binaryPath, o.OptArgs...)
		cmd.Stdin = stdinR
		if o.OptOutput != nil {
			cmd.Stdout = o.OptOutput
			cmd.Stderr = o.OptOutput
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}

		err = cmd.Start()
		if err != nil {
			return
		}

		p.pid = cmd.Process.Pid
		p.osProc = cmd.Process

		// The program stops with SIGTRAP after execve.
		var status sys.WaitStatus
		_, err = sys.Wait4(p.pid, &status, sys.WALL, nil)
		if err != nil {
			err = fmt.Errorf("failed to wait for execve - %w", err)
			return
		}

		if !status.Stopped() {
			err = fmt.Errorf("program did not stop after execve (status 0x%x)", uint32(status))
			return
		}

		err = sys.PtraceSetOptions(p.pid, sys.PTRACE_O_EXITKILL)
		if err != nil {
			err = fmt.Errorf("failed to set ptrace options - %w", err)
			return
		}

		err = sys.PtraceCont(p.pid, 0)
	})
	if err != nil {
		p.shutdown()
		stdinW.Close()
		return nil, fmt.Errorf("failed to start %q under ptrace - %w", binaryPath, err)
	}

	if p.log != nil {
		p.log.Debugf("started %q as pid %d", binaryPath, p.pid)
	}

	return p, nil
}

func newProcess(logger logrus.FieldLogger) *Process {
	p := &Process{
		log:            logger,
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
	}

	go p.handlePtraceFuncs()

	return p
}

// Process is a program running under ptrace.
type Process struct {
	pid            int
	osProc         *os.Process
	stdin          *os.File
	log            logrus.FieldLogger
	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
	done           bool
}

// ptrace requests must come from the thread that attached.
func (o *Process) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range o.ptraceChan {
		fn()
		o.ptraceDoneChan <- struct{}{}
	}
}

func (o *Process) execPtraceFunc(fn func()) {
	o.ptraceChan <- fn
	<-o.ptraceDoneChan
}

func (o *Process) shutdown() {
	if o.done {
		return
	}

	o.done = true
	close(o.ptraceChan)
}

// Pid returns the process ID.
func (o *Process) Pid() int {
	return o.pid
}

// WriteLine writes p followed by a newline to the program's stdin.
func (o *Process) WriteLine(p []byte) error {
	if o.log != nil {
		o.log.Debugf("write line to pid %d: 0x%x", o.pid, p)
	}

	line := make([]byte, len(p)+1)
	copy(line, p)
	line[len(p)] = '\n'

	_, err := o.stdin.Write(line)
	return err
}

// WaitForCrashOrExit calls WaitForCrash. It calls DefaultExitFn if
// an error occurs.
func (o *Process) WaitForCrashOrExit() Info {
	info, err := o.WaitForCrash()
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to wait for crash - %w", err))
	}

	return info
}

// WaitForCrash blocks until the program faults or exits. Other
// signals are delivered to the program as usual. A faulting program
// is killed once its state has been recorded. ErrNoCrash is returned
// if the program exits on its own.
func (o *Process) WaitForCrash() (Info, error) {
	if o.done {
		return Info{}, errors.New("process has already been waited for")
	}
	defer o.shutdown()
	defer o.stdin.Close()

	var info Info
	var err error

	o.execPtraceFunc(func() {
		info, err = o.waitForFault()
	})
	if err != nil {
		return Info{}, err
	}

	if o.log != nil {
		o.log.Debugf("pid %d crashed: %s", o.pid, info)
	}

	return info, nil
}

func (o *Process) waitForFault() (Info, error) {
	for {
		var status sys.WaitStatus

		_, err := sys.Wait4(o.pid, &status, sys.WALL, nil)
		if err != nil {
			return Info{}, fmt.Errorf("failed to wait for pid %d - %w", o.pid, err)
		}

		switch {
		case status.Exited():
			o.osProc.Release()
			return Info{}, fmt.Errorf("%w (exit status %d)", ErrNoCrash, status.ExitStatus())
		case status.Signaled():
			o.osProc.Release()
			return Info{}, fmt.Errorf("%w (killed by %s)", ErrNoCrash, status.Signal())
		case !status.Stopped():
			continue
		}

		sig := status.StopSignal()
		if isFault(syscall.Signal(sig)) {
			info, err := o.faultInfo(syscall.Signal(sig))
			o.kill()
			return info, err
		}

		// Forward everything else except our own traps.
		forward := int(sig)
		if sig == sys.SIGTRAP {
			forward = 0
		}

		err = sys.PtraceCont(o.pid, forward)
		if err != nil {
			return Info{}, fmt.Errorf("failed to continue pid %d - %w", o.pid, err)
		}
	}
}

func (o *Process) faultInfo(sig syscall.Signal) (Info, error) {
	var regs sys.PtraceRegs

	err := sys.PtraceGetRegs(o.pid, &regs)
	if err != nil {
		return Info{}, fmt.Errorf("failed to get registers - %w", err)
	}

	info := Info{
		Signal:   sig,
		PC:       regs.PC(),
		SP:       stackPointer(&regs),
		WordSize: wordSize,
	}

	var siginfo [128]byte
	_, _, errno := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(o.pid),
		0, uintptr(unsafe.Pointer(&siginfo[0])), 0, 0)
	if errno != 0 {
		return Info{}, fmt.Errorf("failed to get signal info - %w", errno)
	}

	info.Address = nativeWord(siginfo[siginfoAddrOffset:])

	word := make([]byte, wordSize)
	_, err = sys.PtracePeekData(o.pid, uintptr(info.SP), word)
	if err != nil {
		// An overflow can also smash the stack pointer itself.
		if o.log != nil {
			o.log.Debugf("failed to read stack at 0x%x - %s", info.SP, err)
		}
	} else {
		info.StackWord = nativeWord(word)
	}

	return info, nil
}

func (o *Process) kill() {
	sys.Kill(o.pid, sys.SIGKILL)

	var status sys.WaitStatus
	sys.Wait4(o.pid, &status, sys.WALL, nil)

	o.osProc.Release()
}

// Kill kills the program if it has not been waited for.
func (o *Process) Kill() error {
	if o.done {
		return nil
	}
	defer o.shutdown()
	defer o.stdin.Close()

	o.execPtraceFunc(o.kill)

	return nil
}

// x86 is little endian.
func nativeWord(b []byte) uint64 {
	if wordSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}

	return binary.LittleEndian.Uint64(b)
}
