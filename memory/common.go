package memory

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var (
	// DefaultExitFn is invoked by functions and methods ending in
	// the "OrExit" suffix when an error occurs.
	DefaultExitFn = func(err error) {
		logrus.Fatalln(err)
	}

	// ErrEmptyLeak is returned when leaked data contains no bytes,
	// meaning no address can be derived from it.
	ErrEmptyLeak = errors.New("leaked data is empty")
)
