// Package scripting contains helpers for exploit programs: stage
// progress reporting and opening the target named on a command line.
package scripting

import (
	"bufio"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// StageCtl reports the progress of an exploit's stages to a logger.
type StageCtl struct {
	// Goto optionally specifies a stage number to pause
	// execution at until a newline is received on stdin.
	// For example, setting this field to 2 means that
	// the second stage will block until a newline
	// is provided.
	//
	// The stage number is incremented by one each time
	// Next is called.
	Goto int

	// OptLogger overrides the logger. By default, StageCtl uses
	// the standard logrus logger.
	OptLogger logrus.FieldLogger

	// OptPauseInput overrides the reader that Goto waits on.
	// It defaults to os.Stdin.
	OptPauseInput io.Reader

	num     int
	desc    string
	running bool
}

func (o *StageCtl) logger() logrus.FieldLogger {
	if o.OptLogger != nil {
		return o.OptLogger
	}

	return logrus.StandardLogger()
}

// Num returns the current stage number.
func (o *StageCtl) Num() int {
	return o.num
}

// Next marks the previous stage as executed, increments the stage
// counter by one and logs the optional description of the new stage.
func (o *StageCtl) Next(description ...string) {
	logger := o.logger()

	o.Done()

	o.num++
	o.desc = ""
	if len(description) > 0 {
		o.desc = description[0]
	}
	o.running = true

	logger.Infof("starting Stage %d: [%s]", o.num, o.desc)

	if o.Goto == 0 || o.Goto > o.num {
		return
	}

	logger.Infof("press enter to continue")

	input := o.OptPauseInput
	if input == nil {
		input = os.Stdin
	}

	bufio.NewReader(input).ReadString('\n')
}

// Done marks the current stage as executed. It is a no-op if the
// stage was already marked executed or failed.
func (o *StageCtl) Done() {
	if !o.running {
		return
	}

	o.running = false
	o.logger().Infof("executed Stage %d: [%s]", o.num, o.desc)
}

// Fail marks the current stage as failed with err.
func (o *StageCtl) Fail(err error) {
	if !o.running {
		return
	}

	o.running = false
	o.logger().Errorf("Stage %d failed: [%s] - %s", o.num, o.desc, err)
}
