//go:build !linux

package process

import (
	"errors"
	"os/exec"
)

// ExecPTYOrExit calls DefaultExitFn.
func ExecPTYOrExit(cmd *exec.Cmd, config Config) *Process {
	DefaultExitFn(errors.New("pty execution is only supported on linux"))
	return nil
}

// ExecPTY is only supported on Linux.
func ExecPTY(cmd *exec.Cmd, config Config) (*Process, error) {
	return nil, errors.New("pty execution is only supported on linux")
}
