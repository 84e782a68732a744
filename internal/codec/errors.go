package codec

import (
	"errors"
	"fmt"
)

// StepError reports a step that could not be decoded or applied.
// Index is the step's position in its batch, -1 when the tree itself is bad.
type StepError struct {
	Index    int
	StepType string
	Err      error
}

func (e *StepError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("invalid tree: %v", e.Err)
	case e.StepType != "":
		return fmt.Sprintf("step %d (%s): %v", e.Index, e.StepType, e.Err)
	default:
		return fmt.Sprintf("step %d: %v", e.Index, e.Err)
	}
}

func (e *StepError) Unwrap() error { return e.Err }

// AsStepError extracts a *StepError from err.
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
