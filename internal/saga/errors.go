package saga

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrResourceMissing means a prerequisite id is absent from the context,
	// usually because an earlier step committed inconsistent state.
	ErrResourceMissing = errors.New("resource missing from execution context")
	ErrUnknownStep     = errors.New("unknown step type")
)

func missing(what string) error {
	return errors.Wrapf(ErrResourceMissing, "%s not found", what)
}

// StepError is returned once a failure has been recorded on the context.
// Outer frames of the chain pass it through unchanged.
type StepError struct {
	Step StepType
	Mode Mode
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Mode, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
