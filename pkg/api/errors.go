package api

import (
	"errors"
	"fmt"
)

var (
	// ErrStepFailed matches every error returned for a failed step.
	ErrStepFailed = errors.New("step failed")

	// ErrUnknownStep is returned when a pipeline names a step that has no
	// registered handler.
	ErrUnknownStep = errors.New("unknown step")

	// ErrPaused is returned when a paused run is processed before Resume.
	ErrPaused = errors.New("run is paused")

	// ErrNotPausable is returned when pausing a run that already completed
	// or failed.
	ErrNotPausable = errors.New("run cannot be paused")

	// ErrNoRun is returned by run-scoped operations before Process was called.
	ErrNoRun = errors.New("no run in progress")
)

// StepError describes a step that failed and stopped the run.
type StepError struct {
	Step  string
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q (#%d) failed: %v", e.Step, e.Index, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{ErrStepFailed, e.Err}
}
