// Package logflags configures the per-layer loggers used throughout
// ropkit. Each layer logs through its own logrus.Entry, tagged with
// a "layer" field, and is silent unless enabled by Setup.
package logflags

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var pipeline = false
var process = false
var rop = false
var crash = false

var output io.Writer = os.Stderr
var formatter logrus.Formatter = &logrus.TextFormatter{
	DisableTimestamp: true,
}

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Out = output
	logger.Formatter = formatter
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.InfoLevel
	}
	return logger.WithFields(fields)
}

// Pipeline returns true if stage execution should be logged verbosely.
func Pipeline() bool {
	return pipeline
}

// PipelineLogger returns a logger for the exploit pipeline and its stages.
func PipelineLogger() *logrus.Entry {
	return makeLogger(pipeline, logrus.Fields{"layer": "pipeline"})
}

// Process returns true if all process input and output should be logged.
func Process() bool {
	return process
}

// ProcessLogger returns a logger for process input and output.
func ProcessLogger() *logrus.Entry {
	return makeLogger(process, logrus.Fields{"layer": "process"})
}

// ROP returns true if gadget discovery and chain building should be logged.
func ROP() bool {
	return rop
}

// ROPLogger returns a logger for gadget discovery and chain building.
func ROPLogger() *logrus.Entry {
	return makeLogger(rop, logrus.Fields{"layer": "rop"})
}

// Crash returns true if crash analysis should be logged.
func Crash() bool {
	return crash
}

// CrashLogger returns a logger for crash analysis.
func CrashLogger() *logrus.Entry {
	return makeLogger(crash, logrus.Fields{"layer": "crash"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr, a comma
// separated list of layers. An empty logstr enables the pipeline layer.
//
// w and f optionally replace the destination and format of all
// loggers created after the call.
func Setup(logFlag bool, logstr string, w io.Writer, f logrus.Formatter) error {
	if w != nil {
		output = w
	}

	if f != nil {
		formatter = f
	}

	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}

	if logstr == "" {
		logstr = "pipeline"
	}

	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "pipeline":
			pipeline = true
		case "process":
			process = true
		case "rop":
			rop = true
		case "crash":
			crash = true
		case "all":
			pipeline = true
			process = true
			rop = true
			crash = true
		}
	}

	return nil
}
