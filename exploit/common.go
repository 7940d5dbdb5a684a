package exploit

import (
	"errors"

	"github.com/sirupsen/logrus"
	"gitlab.com/stephen-fox/ropkit/crash"
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		logrus.Fatalln(err)
	}

	// ErrNoCrash is returned when the victim spawned for offset
	// discovery exits without faulting.
	ErrNoCrash = crash.ErrNoCrash

	// ErrUninitializedState is returned by stages given a State
	// that was not created by NewState.
	ErrUninitializedState = errors.New("state has no binary or context - create it with NewState")

	// ErrFaultNotInPattern is returned when none of the values
	// captured at the time of a crash occur in the cyclic pattern.
	ErrFaultNotInPattern = errors.New("fault address does not occur in the pattern")

	// ErrNoDeliverer is returned when a stage that sends a chain
	// runs before the return address offset was discovered.
	ErrNoDeliverer = errors.New("no deliverer is set - discover the return address offset first")

	// ErrOffsetKnown is returned when setting a return address
	// offset that is already known.
	ErrOffsetKnown = errors.New("return address offset is already known")

	// ErrNoTarget is returned when a stage needs to communicate
	// with the target but the state has no channel to it.
	ErrNoTarget = errors.New("no target channel is set")

	// ErrNoLibc is returned when a stage needs the runtime library
	// before it has been loaded.
	ErrNoLibc = errors.New("libc has not been loaded")

	// ErrMissingLeak is returned when a stage needs the leaked
	// address of a symbol that has not been leaked.
	ErrMissingLeak = errors.New("symbol has not been leaked")
)
