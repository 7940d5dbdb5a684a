package exploit

import (
	"errors"
	"fmt"

	"gitlab.com/stephen-fox/ropkit/scripting"
)

// Stage is one step of an exploit. Run receives the state produced
// by the previous stage and returns the state for the next one.
type Stage struct {
	Name string
	Run  func(*State) (*State, error)
}

// StageFunc creates a Stage from a function.
func StageFunc(name string, fn func(*State) (*State, error)) Stage {
	return Stage{
		Name: name,
		Run:  fn,
	}
}

// StageError is returned by Run when a stage fails.
type StageError struct {
	// Index is the zero-based position of the failed stage.
	Index int

	Name string
	Err  error
}

func (o *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed - %s", o.Index+1, o.Name, o.Err)
}

func (o *StageError) Unwrap() error {
	return o.Err
}

// RunOrExit calls Run. It calls DefaultExitFn if an error occurs.
func RunOrExit(state *State, stages ...Stage) *State {
	s, err := Run(state, stages...)
	if err != nil {
		DefaultExitFn(err)
	}

	return s
}

// Run executes stages in order, passing each one the state returned
// by the previous stage. Progress is logged by stage name. The first
// failure stops the run and is returned as a *StageError along with
// the state as it was when the failing stage began. Changes made by
// earlier stages are kept.
func Run(state *State, stages ...Stage) (*State, error) {
	ctl := &scripting.StageCtl{}
	if state != nil {
		ctl.OptLogger = state.Logger()
	}

	return RunWith(ctl, state, stages...)
}

// RunWith is Run with a caller-provided StageCtl, which allows
// pausing before a stage using StageCtl.Goto.
func RunWith(ctl *scripting.StageCtl, state *State, stages ...Stage) (*State, error) {
	if state == nil {
		return nil, errors.New("state cannot be nil")
	}

	for i, stage := range stages {
		ctl.Next(stage.Name)

		if stage.Run == nil {
			err := &StageError{Index: i, Name: stage.Name, Err: errors.New("stage has no run function")}
			ctl.Fail(err.Err)
			return state, err
		}

		next, err := stage.Run(state)
		if err != nil {
			ctl.Fail(err)
			return state, &StageError{Index: i, Name: stage.Name, Err: err}
		}

		if next == nil {
			next = state
		}

		next.Completed = append(next.Completed, stage.Name)
		state = next
	}

	ctl.Done()

	return state, nil
}
