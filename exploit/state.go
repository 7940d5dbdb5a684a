// Package exploit threads an exploitation session's state through an
// ordered list of stages: offset discovery, address leaks, and the
// delivery of gadget chains built from the target's images.
package exploit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gitlab.com/stephen-fox/ropkit/elfimage"
	"gitlab.com/stephen-fox/ropkit/logflags"
	"gitlab.com/stephen-fox/ropkit/memory"
	"gitlab.com/stephen-fox/ropkit/pattern"
	"gitlab.com/stephen-fox/ropkit/rop"
	"gitlab.com/stephen-fox/ropkit/stackalign"
)

// DefaultVulnFunction is the function chains return to when
// StateConfig.OptVulnFunction is empty.
const DefaultVulnFunction = "main"

// Image is a binary or library that chains are built against.
type Image interface {
	rop.Image

	// GOT returns the address of the GOT entry of an imported symbol.
	GOT(name string) (uint64, error)

	// SetBase rebases the image to its runtime load address.
	SetBase(base uint64)

	// Search returns the address of the first occurrence of needle.
	Search(needle []byte) (uint64, error)
}

// Channel is the connection to the victim process.
type Channel interface {
	WriteLine(p []byte) error

	// ReadLine returns the next line including its newline.
	ReadLine() ([]byte, error)

	// Clean discards output until none arrives for the quiet
	// duration.
	Clean(quiet time.Duration) ([]byte, error)
}

// Deliverer places a serialized chain so that it executes, usually
// by overflowing a buffer up to the return address slot.
type Deliverer interface {
	Deliver(chain []byte) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(chain []byte) error

// Deliver calls o(chain).
func (o DelivererFunc) Deliver(chain []byte) error {
	return o(chain)
}

// Context is the configuration derived from the target binary.
// It is scoped to one State.
type Context struct {
	WordSize       int
	Bits           int
	ByteOrder      binary.ByteOrder
	StackAlignment int

	// Pattern generates the cyclic patterns used for offset
	// discovery. Its subsequence length is the word size, so
	// any captured word identifies its own offset.
	Pattern *pattern.Cyclic

	Pointers memory.PointerMaker
}

// StateConfig configures a new State.
type StateConfig struct {
	// BinaryPath is the path to the target binary.
	BinaryPath string

	// Target is the channel to the victim process. It may be
	// nil when only the return address offset is needed.
	Target Channel

	// OptVulnFunction is the function chains return to so that
	// further chains can be delivered. Defaults to DefaultVulnFunction.
	OptVulnFunction string

	// OptBinary is the target's image. It is opened from BinaryPath
	// when nil.
	OptBinary Image

	// OptStackAlignment overrides stackalign.DefaultBoundary.
	OptStackAlignment int

	// OptLogger overrides the pipeline logger from logflags.
	OptLogger logrus.FieldLogger
}

// NewStateOrExit calls NewState. It calls DefaultExitFn if an error
// occurs.
func NewStateOrExit(config StateConfig) *State {
	s, err := NewState(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create exploit state - %w", err))
	}

	return s
}

// NewState creates the State of a new session. The binary's image is
// loaded immediately.
func NewState(config StateConfig) (*State, error) {
	binaryImage := config.OptBinary
	if binaryImage == nil {
		if config.BinaryPath == "" {
			return nil, errors.New("binary path cannot be empty")
		}

		elfImage, err := elfimage.Open(config.BinaryPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load binary - %w", err)
		}

		binaryImage = elfImage
	}

	pm, err := memory.PointerMakerFor(binaryImage.ByteOrder(), binaryImage.WordSize())
	if err != nil {
		return nil, fmt.Errorf("failed to determine pointer format of binary - %w", err)
	}

	vulnFunction := config.OptVulnFunction
	if vulnFunction == "" {
		vulnFunction = DefaultVulnFunction
	}

	alignment := config.OptStackAlignment
	if alignment == 0 {
		alignment = stackalign.DefaultBoundary
	}

	log := config.OptLogger
	if log == nil {
		log = logflags.PipelineLogger()
	}

	return &State{
		BinaryPath:   config.BinaryPath,
		Target:       config.Target,
		VulnFunction: vulnFunction,
		Binary:       binaryImage,
		Leaks:        memory.NewLeakTable(),
		Context: Context{
			WordSize:       binaryImage.WordSize(),
			Bits:           binaryImage.WordSize() * 8,
			ByteOrder:      binaryImage.ByteOrder(),
			StackAlignment: alignment,
			Pattern: &pattern.Cyclic{
				N: binaryImage.WordSize(),
			},
			Pointers: pm,
		},
		log: log,
	}, nil
}

// State is the record of one exploitation session. Stages read and
// update it in order.
//
// A State should be created with NewState. The zero value can be run
// through a pipeline, but the built-in stages reject it with
// ErrUninitializedState.
type State struct {
	BinaryPath   string
	Target       Channel
	VulnFunction string
	Binary       Image

	// Libc is the runtime library, available once its base
	// address is known.
	Libc Image

	// Leaks maps symbol names to their leaked runtime addresses.
	Leaks *memory.LeakTable

	Context Context

	// Completed lists the names of the stages that finished,
	// in order.
	Completed []string

	retOffset    int
	hasRetOffset bool
	deliverer    Deliverer
	binaryFinder *rop.Finder
	libcFinder   *rop.Finder
	log          logrus.FieldLogger
}

// Logger returns the session's logger, or logrus' standard logger
// if none was configured.
func (o *State) Logger() logrus.FieldLogger {
	if o.log == nil {
		return logrus.StandardLogger()
	}

	return o.log
}

// leaks returns the session's LeakTable, creating it if needed.
func (o *State) leaks() *memory.LeakTable {
	if o.Leaks == nil {
		o.Leaks = memory.NewLeakTable()
	}

	return o.Leaks
}

func (o *State) checkInitialized() error {
	if o.Binary == nil || o.Context.Pattern == nil || o.Context.Pointers.PointerSize() == 0 {
		return ErrUninitializedState
	}

	return nil
}

// ReturnAddressOffset returns the offset from the start of the
// attacker-controlled input to the return address slot, if known.
func (o *State) ReturnAddressOffset() (int, bool) {
	return o.retOffset, o.hasRetOffset
}

// SetReturnAddressOffset records the return address offset. An offset
// can only be set once per session.
func (o *State) SetReturnAddressOffset(offset int) error {
	if o.hasRetOffset {
		return fmt.Errorf("%w (%d)", ErrOffsetKnown, o.retOffset)
	}

	if offset < 0 {
		return fmt.Errorf("offset cannot be negative (%d)", offset)
	}

	o.retOffset = offset
	o.hasRetOffset = true

	return nil
}

// Deliverer returns the session's Deliverer, or ErrNoDeliverer if
// none has been set.
func (o *State) Deliverer() (Deliverer, error) {
	if o.deliverer == nil {
		return nil, ErrNoDeliverer
	}

	return o.deliverer, nil
}

// SetDeliverer sets the session's Deliverer.
func (o *State) SetDeliverer(d Deliverer) {
	o.deliverer = d
}

// Deliver sends chain using the session's Deliverer.
func (o *State) Deliver(chain []byte) error {
	d, err := o.Deliverer()
	if err != nil {
		return err
	}

	return d.Deliver(chain)
}

// NewChain returns an empty chain over the binary and, once loaded,
// libc. Gadget finders are created on first use and reused.
func (o *State) NewChain() (*rop.Chain, error) {
	err := o.checkInitialized()
	if err != nil {
		return nil, err
	}

	if o.binaryFinder == nil {
		o.binaryFinder, err = rop.NewFinder(rop.FinderConfig{
			Image:     o.Binary,
			OptLogger: logflags.ROPLogger(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to find gadgets in binary - %w", err)
		}
	}

	finders := []*rop.Finder{o.binaryFinder}

	if o.Libc != nil {
		if o.libcFinder == nil {
			o.libcFinder, err = rop.NewFinder(rop.FinderConfig{
				Image:     o.Libc,
				OptLogger: logflags.ROPLogger(),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to find gadgets in libc - %w", err)
			}
		}

		finders = append(finders, o.libcFinder)
	}

	return rop.NewChain(rop.ChainConfig{
		Finders:           finders,
		OptStackAlignment: o.Context.StackAlignment,
		OptLogger:         logflags.ROPLogger(),
	})
}

// SetLibc sets the session's runtime library.
func (o *State) SetLibc(libc Image) {
	o.Libc = libc
	o.libcFinder = nil
}

func (o *State) String() string {
	offset := "unknown"
	if o.hasRetOffset {
		offset = fmt.Sprintf("%d", o.retOffset)
	}

	return fmt.Sprintf("binary: %s, vuln function: %s, return offset: %s, deliverer set: %t, leaks: %s",
		o.BinaryPath, o.VulnFunction, offset, o.deliverer != nil, o.leaks())
}
