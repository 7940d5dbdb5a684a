//go:build !linux || !(amd64 || 386)

package crash

// Spawn returns ErrUnsupported.
func (o *Tracer) Spawn(binaryPath string) (*Process, error) {
	return nil, ErrUnsupported
}

// Process is a program running under ptrace.
type Process struct{}

// Pid returns zero.
func (o *Process) Pid() int {
	return 0
}

// WriteLine returns ErrUnsupported.
func (o *Process) WriteLine(p []byte) error {
	return ErrUnsupported
}

// WaitForCrash returns ErrUnsupported.
func (o *Process) WaitForCrash() (Info, error) {
	return Info{}, ErrUnsupported
}

// WaitForCrashOrExit calls DefaultExitFn.
func (o *Process) WaitForCrashOrExit() Info {
	DefaultExitFn(ErrUnsupported)
	return Info{}
}

// Kill returns nil.
func (o *Process) Kill() error {
	return nil
}
