package scripting

import (
	"errors"
	"fmt"
	"os/exec"
	"path"

	"github.com/sirupsen/logrus"
	"gitlab.com/stephen-fox/ropkit/process"
)

// TargetUsage describes the arguments accepted by ParseTargetArgs.
const TargetUsage = `please specify one of the following:
  local EXE-PATH [ARGS...]
  ssh SSH-SERVER-ADDRESS STD-PIPES-DIR-PATH
  remote ADDRESS`

const (
	LocalMode  TargetMode = "local"
	SSHMode    TargetMode = "ssh"
	RemoteMode TargetMode = "remote"
)

// TargetMode is the way an exploit reaches its target.
type TargetMode string

// TargetConfig describes how to reach a target program.
type TargetConfig struct {
	Mode TargetMode

	// Command is the program and its arguments in local mode.
	Command []string

	// Address is the ssh server in ssh mode, or the host and
	// port in remote mode.
	Address string

	// PipesDir is the directory on the ssh server that contains
	// the "stdin" and "stdout" named pipes of the target.
	PipesDir string

	// OptPTY connects a local program's output to a pseudo terminal.
	OptPTY bool

	OptLogger logrus.FieldLogger
}

// ParseTargetArgs parses command line arguments of the form described
// by TargetUsage.
func ParseTargetArgs(args []string) (TargetConfig, error) {
	if len(args) == 0 {
		return TargetConfig{}, errors.New(TargetUsage)
	}

	config := TargetConfig{
		Mode: TargetMode(args[0]),
	}

	switch config.Mode {
	case LocalMode:
		if len(args) < 2 || args[1] == "" {
			return TargetConfig{}, errors.New("please specify the local executable path as the last argument")
		}

		config.Command = args[1:]
	case SSHMode:
		if len(args) < 2 || args[1] == "" {
			return TargetConfig{}, errors.New("please specify the ssh server address to connect to as the first non-flag argument")
		}

		if len(args) < 3 || args[2] == "" {
			return TargetConfig{}, errors.New("please specify the directory path containing the stdin and stdout pipe files as the second non-flag argument")
		}

		config.Address = args[1]
		config.PipesDir = args[2]
	case RemoteMode:
		if len(args) < 2 || args[1] == "" {
			return TargetConfig{}, errors.New("please specify the remote address as the last non-flag argument")
		}

		config.Address = args[1]
	default:
		return TargetConfig{}, fmt.Errorf("unknown mode: %q - %s", config.Mode, TargetUsage)
	}

	return config, nil
}

// OpenTargetOrExit calls OpenTarget. It calls DefaultExitFn if an
// error occurs.
func OpenTargetOrExit(config TargetConfig) *process.Process {
	proc, err := OpenTarget(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to open target - %w", err))
	}

	return proc
}

// OpenTarget starts or connects to the target described by config.
func OpenTarget(config TargetConfig) (*process.Process, error) {
	procConfig := process.Config{
		OptLogger: config.OptLogger,
	}

	switch config.Mode {
	case LocalMode:
		if len(config.Command) == 0 {
			return nil, errors.New("local mode requires a command")
		}

		cmd := exec.Command(config.Command[0], config.Command[1:]...)

		if config.OptPTY {
			return process.ExecPTY(cmd, procConfig)
		}

		return process.Exec(cmd, procConfig)
	case SSHMode:
		sshInput, err := process.Exec(exec.Command(
			"ssh", config.Address,
			"--",
			"cat", ">", path.Join(config.PipesDir, "stdin")),
			process.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to start ssh input process - %w", err)
		}

		sshOutput, err := process.Exec(exec.Command(
			"ssh", config.Address,
			"--",
			"cat", path.Join(config.PipesDir, "stdout")),
			process.Config{})
		if err != nil {
			sshInput.Close()
			return nil, fmt.Errorf("failed to start ssh output process - %w", err)
		}

		return process.FromIO(sshInput, sshOutput, procConfig), nil
	case RemoteMode:
		return process.Dial("tcp", config.Address, procConfig)
	default:
		return nil, fmt.Errorf("unknown mode: %q - %s", config.Mode, TargetUsage)
	}
}
