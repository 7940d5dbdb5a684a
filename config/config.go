// Package config loads exploit sessions described by YAML files.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/cosiner/argv"
	"github.com/sirupsen/logrus"
	"gitlab.com/stephen-fox/ropkit/exploit"
	"gitlab.com/stephen-fox/ropkit/scripting"
	"gopkg.in/yaml.v2"
)

// Stage names accepted in a session's stage list.
const (
	DiscoverOffsetStage = "discover-offset"
	LeakStage           = "leak"
	LeakPutsStage       = "leak-puts"
	LoadLibcStage       = "load-libc"
	CallSystemStage     = "call-system"
)

// Session describes one exploitation session.
type Session struct {
	// Binary is the path to the target binary.
	Binary string `yaml:"binary"`

	// Libc is the path to the target's libc. It is required by
	// the load-libc stage.
	Libc string `yaml:"libc,omitempty"`

	// VulnFunction is the function chains return to.
	VulnFunction string `yaml:"vuln-function,omitempty"`

	Target Target `yaml:"target"`

	// PatternLength is the number of cyclic pattern bytes sent when
	// discovering the return address offset.
	PatternLength int `yaml:"pattern-length,omitempty"`

	// ReturnOffset skips offset discovery when set.
	ReturnOffset *int `yaml:"return-offset,omitempty"`

	StackAlignment int `yaml:"stack-alignment,omitempty"`

	Leak Leak `yaml:"leak,omitempty"`

	// Command is passed to system by the call-system stage.
	Command string `yaml:"command,omitempty"`

	// Stages lists the stages to run, in order. DefaultStages
	// is used when empty.
	Stages []string `yaml:"stages,omitempty"`

	// CleanTimeout is how long target output must be quiet
	// before a chain is delivered (e.g., "500ms").
	CleanTimeout time.Duration `yaml:"clean-timeout,omitempty"`

	// Interactive hands the target to the terminal after
	// the last stage.
	Interactive bool `yaml:"interactive,omitempty"`
}

// Target describes how to reach the target program.
type Target struct {
	// Mode is one of "local", "ssh" or "remote".
	Mode string `yaml:"mode"`

	// Command is the local program and its arguments, using
	// shell quoting rules. Defaults to the session's binary.
	Command string `yaml:"command,omitempty"`

	// Address is the ssh server or the remote host and port.
	Address string `yaml:"address,omitempty"`

	// PipesDir is the directory containing the target's named
	// pipes on the ssh server.
	PipesDir string `yaml:"pipes-dir,omitempty"`

	// PTY connects a local program's output to a pseudo terminal.
	PTY bool `yaml:"pty,omitempty"`
}

// Leak configures the leak stage.
type Leak struct {
	// Primitive is the function used to print GOT entries.
	Primitive string `yaml:"primitive,omitempty"`

	Symbols []string `yaml:"symbols,omitempty"`
}

// DefaultStages returns the stages run when a session does not list
// any: a ret2libc attack when libc is known, otherwise offset
// discovery and a puts leak.
func (o *Session) DefaultStages() []string {
	stages := []string{DiscoverOffsetStage, LeakPutsStage}

	if o.Libc != "" {
		stages = append(stages, LoadLibcStage, CallSystemStage)
	}

	return stages
}

// LoadOrExit calls Load. It calls DefaultExitFn if an error occurs.
func LoadOrExit(filePath string) *Session {
	s, err := Load(filePath)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to load session file %q - %w", filePath, err))
	}

	return s
}

// Load reads and validates a session file.
func Load(filePath string) (*Session, error) {
	data, err := ioutil.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes and validates a session. Unknown keys are errors.
func Parse(data []byte) (*Session, error) {
	var s Session

	err := yaml.UnmarshalStrict(data, &s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session - %w", err)
	}

	err = s.validate()
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// Save writes the session to filePath.
func (o *Session) Save(filePath string) error {
	out, err := yaml.Marshal(o)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(filePath, out, 0600)
}

func (o *Session) validate() error {
	if o.Binary == "" {
		return errors.New("binary path is required")
	}

	if o.ReturnOffset != nil && *o.ReturnOffset < 0 {
		return fmt.Errorf("return offset cannot be negative (%d)", *o.ReturnOffset)
	}

	if o.PatternLength < 0 {
		return fmt.Errorf("pattern length cannot be negative (%d)", o.PatternLength)
	}

	for _, name := range o.Stages {
		switch name {
		case DiscoverOffsetStage, LeakPutsStage, CallSystemStage:
		case LeakStage:
			if len(o.Leak.Symbols) == 0 {
				return errors.New("the leak stage requires at least one leak symbol")
			}
		case LoadLibcStage:
			if o.Libc == "" {
				return errors.New("the load-libc stage requires a libc path")
			}
		default:
			return fmt.Errorf("unknown stage: %q", name)
		}
	}

	return nil
}

// TargetConfig returns the configuration used to open the target.
func (o *Session) TargetConfig(logger logrus.FieldLogger) (scripting.TargetConfig, error) {
	config := scripting.TargetConfig{
		Mode:      scripting.TargetMode(o.Target.Mode),
		Address:   o.Target.Address,
		PipesDir:  o.Target.PipesDir,
		OptPTY:    o.Target.PTY,
		OptLogger: logger,
	}

	switch config.Mode {
	case scripting.LocalMode:
		if o.Target.Command == "" {
			config.Command = []string{o.Binary}
			break
		}

		command, err := splitCommand(o.Target.Command)
		if err != nil {
			return scripting.TargetConfig{}, err
		}

		config.Command = command
	case scripting.SSHMode:
		if config.Address == "" || config.PipesDir == "" {
			return scripting.TargetConfig{}, errors.New("ssh targets require an address and a pipes directory")
		}
	case scripting.RemoteMode:
		if config.Address == "" {
			return scripting.TargetConfig{}, errors.New("remote targets require an address")
		}
	default:
		return scripting.TargetConfig{}, fmt.Errorf("unknown target mode: %q", o.Target.Mode)
	}

	return config, nil
}

func splitCommand(command string) ([]string, error) {
	v, err := argv.Argv(command,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target command - %w", err)
	}

	if len(v) != 1 || len(v[0]) == 0 {
		return nil, fmt.Errorf("illegal target command '%s'", command)
	}

	return v[0], nil
}

// NewState creates the exploit state of the session.
func (o *Session) NewState(target exploit.Channel, logger logrus.FieldLogger) (*exploit.State, error) {
	s, err := exploit.NewState(exploit.StateConfig{
		BinaryPath:        o.Binary,
		Target:            target,
		OptVulnFunction:   o.VulnFunction,
		OptStackAlignment: o.StackAlignment,
		OptLogger:         logger,
	})
	if err != nil {
		return nil, err
	}

	if o.ReturnOffset != nil {
		err = s.SetReturnAddressOffset(*o.ReturnOffset)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// PipelineStages returns the session's stages. spawner overrides
// the crash tracer used for offset discovery when non-nil.
func (o *Session) PipelineStages(spawner exploit.Spawner) ([]exploit.Stage, error) {
	names := o.Stages
	if len(names) == 0 {
		names = o.DefaultStages()
	}

	stages := make([]exploit.Stage, 0, len(names))

	for _, name := range names {
		switch name {
		case DiscoverOffsetStage:
			stages = append(stages, exploit.DiscoverOffset(exploit.DiscoverOffsetConfig{
				OptSpawner:       spawner,
				OptPatternLength: o.PatternLength,
			}))
		case LeakStage:
			stages = append(stages, exploit.LeakAddresses(exploit.LeakConfig{
				Symbols:         o.Leak.Symbols,
				OptPrimitive:    o.Leak.Primitive,
				OptCleanTimeout: o.CleanTimeout,
			}))
		case LeakPutsStage:
			stages = append(stages, exploit.LeakAddresses(exploit.LeakConfig{
				Symbols:         []string{"__libc_start_main", "puts"},
				OptCleanTimeout: o.CleanTimeout,
			}))
		case LoadLibcStage:
			stages = append(stages, exploit.LoadLibc(exploit.LoadLibcConfig{
				OptPath: o.Libc,
			}))
		case CallSystemStage:
			stages = append(stages, exploit.CallSystem(exploit.CallSystemConfig{
				OptCommand: o.Command,
			}))
		default:
			return nil, fmt.Errorf("unknown stage: %q", name)
		}
	}

	return stages, nil
}
