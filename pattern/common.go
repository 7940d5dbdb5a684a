package pattern

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

	// ErrNotFound is returned when a subsequence does not occur
	// in a pattern.
	ErrNotFound = errors.New("subsequence not found in pattern")
)
