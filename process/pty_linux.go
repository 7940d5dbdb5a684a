package process

import (
	"fmt"
	"os/exec"

	"github.com/creack/pty"
	sys "golang.org/x/sys/unix"
)

// ExecPTYOrExit calls ExecPTY. It calls DefaultExitFn if an error
// occurs.
func ExecPTYOrExit(cmd *exec.Cmd, config Config) *Process {
	p, err := ExecPTY(cmd, config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to start process on a pty - %w", err))
	}

	return p
}

// ExecPTY starts cmd with its stdout and stderr connected to a
// pseudo terminal and its stdin connected to a pipe.
//
// Programs that use stdio flush output line by line when stdout is
// a terminal. That way, output written just before a crash is not
// lost in a buffer. The terminal is put in raw output mode so that
// newlines are not translated.
func ExecPTY(cmd *exec.Cmd, config Config) (*Process, error) {
	master, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty - %w", err)
	}

	err = makeRaw(int(tty.Fd()))
	if err != nil {
		master.Close()
		tty.Close()
		return nil, fmt.Errorf("failed to configure pty - %w", err)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		master.Close()
		tty.Close()
		return nil, fmt.Errorf("failed to get stdin pipe - %w", err)
	}

	cmd.Stdout = tty
	cmd.Stderr = tty

	err = cmd.Start()
	tty.Close()
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("failed to start process - %w", err)
	}

	return fromCmd(cmd, stdin, master, config), nil
}

func makeRaw(fd int) error {
	termios, err := sys.IoctlGetTermios(fd, sys.TCGETS)
	if err != nil {
		return err
	}

	termios.Oflag &^= sys.OPOST
	termios.Lflag &^= sys.ECHO | sys.ICANON | sys.ISIG | sys.IEXTEN

	return sys.IoctlSetTermios(fd, sys.TCSETS, termios)
}
