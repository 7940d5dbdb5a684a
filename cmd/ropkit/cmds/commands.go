// Package cmds implements the ropkit command line.
package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/ropkit/config"
	"gitlab.com/stephen-fox/ropkit/crash"
	"gitlab.com/stephen-fox/ropkit/exploit"
	"gitlab.com/stephen-fox/ropkit/logflags"
	"gitlab.com/stephen-fox/ropkit/scripting"
)

var (
	// log is whether to log verbosely.
	log bool
	// logOutput is a comma separated list of layers to log.
	logOutput string

	gotoStage   int
	interactive bool

	patternLength int
	victimArgs    []string
)

const runUsage = `Runs the exploit described by a session file.

A session file is YAML:

  binary: ./vuln
  libc: /lib/x86_64-linux-gnu/libc.so.6
  target:
    mode: local            # local, ssh or remote
    command: ./vuln arg    # local mode only, defaults to binary
    pty: true
  stages: [discover-offset, leak-puts, load-libc, call-system]
  interactive: true

Stages run in order. The first failure stops the run.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:          "ropkit",
		Short:        "ropkit builds and delivers return oriented programming exploits.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr())
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable verbose logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "",
		"Comma separated list of layers that should produce debug output (pipeline, process, rop, crash).")

	runCommand := &cobra.Command{
		Use:   "run SESSION-FILE",
		Short: "Run an exploit session.",
		Long:  runUsage,
		Args:  cobra.ExactArgs(1),
		RunE:  runCmd,
	}
	runCommand.Flags().IntVar(&gotoStage, "goto", 0, "Pause before this stage number until enter is pressed.")
	runCommand.Flags().BoolVarP(&interactive, "interactive", "i", false, "Interact with the target after the last stage.")
	rootCommand.AddCommand(runCommand)

	offsetCommand := &cobra.Command{
		Use:   "offset BINARY",
		Short: "Find the offset of the return address by crashing the binary.",
		Args:  cobra.ExactArgs(1),
		RunE:  offsetCmd,
	}
	offsetCommand.Flags().IntVarP(&patternLength, "length", "n", exploit.DefaultPatternLength,
		"Number of pattern bytes to send.")
	offsetCommand.Flags().StringSliceVar(&victimArgs, "args", nil, "Arguments passed to the binary.")
	rootCommand.AddCommand(offsetCommand)

	rootCommand.AddCommand(newPatternCommand())
	rootCommand.AddCommand(newGadgetsCommand())
	rootCommand.AddCommand(newDasmCommand())

	return rootCommand
}

func setupLogging(w io.Writer) error {
	formatter := &logrus.TextFormatter{
		DisableTimestamp: true,
	}

	out := w
	if f, ok := w.(*os.File); ok {
		formatter.ForceColors = isatty.IsTerminal(f.Fd())
		out = colorable.NewColorable(f)
	}

	logrus.SetOutput(out)
	logrus.SetFormatter(formatter)

	return logflags.Setup(log, logOutput, out, formatter)
}

func runCmd(cmd *cobra.Command, args []string) error {
	session, err := config.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load session - %w", err)
	}

	targetConfig, err := session.TargetConfig(logflags.ProcessLogger())
	if err != nil {
		return err
	}

	target, err := scripting.OpenTarget(targetConfig)
	if err != nil {
		return fmt.Errorf("failed to open target - %w", err)
	}
	defer target.Close()

	pipelineLogger := logflags.PipelineLogger()

	state, err := session.NewState(target, pipelineLogger)
	if err != nil {
		return err
	}

	var spawnerArgs []string
	if len(targetConfig.Command) > 1 {
		spawnerArgs = targetConfig.Command[1:]
	}

	stages, err := session.PipelineStages(exploit.TracerSpawner(&crash.Tracer{
		OptArgs:   spawnerArgs,
		OptLogger: logflags.CrashLogger(),
	}))
	if err != nil {
		return err
	}

	state, err = exploit.RunWith(&scripting.StageCtl{
		Goto:      gotoStage,
		OptLogger: pipelineLogger,
	}, state, stages...)
	if err != nil {
		return err
	}

	pipelineLogger.Infof("completed: %s", state)

	if interactive || session.Interactive {
		pipelineLogger.Infof("entering interactive mode")
		return target.Interactive()
	}

	return nil
}

func offsetCmd(cmd *cobra.Command, args []string) error {
	state, err := exploit.NewState(exploit.StateConfig{
		BinaryPath: args[0],
		OptLogger:  logflags.PipelineLogger(),
	})
	if err != nil {
		return err
	}

	state, err = exploit.Run(state, exploit.DiscoverOffset(exploit.DiscoverOffsetConfig{
		OptSpawner: exploit.TracerSpawner(&crash.Tracer{
			OptArgs:   victimArgs,
			OptLogger: logflags.CrashLogger(),
		}),
		OptPatternLength: patternLength,
	}))
	if err != nil {
		return err
	}

	offset, _ := state.ReturnAddressOffset()

	fmt.Fprintln(cmd.OutOrStdout(), offset)

	return nil
}
