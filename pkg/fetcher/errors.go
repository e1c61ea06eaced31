package fetcher

import (
	"fmt"

	"github.com/pkg/errors"
)

// Step names a stage of the resolution pipeline.
type Step string

const (
	StepConfig       Step = "read configuration"
	StepProcessImage Step = "read process image"
	StepInspectLib   Step = "inspect module"
	StepLocate       Step = "locate debug file"
	StepInspectDebug Step = "inspect debug file"
	StepMap          Step = "map sections"
	StepLoad         Step = "load symbols"
)

// StepError attributes a failure to the pipeline step that produced it.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step Step, err error) error {
	return &StepError{Step: step, Err: err}
}

// FailedStep returns the step err is attributed to, or "" when it did not
// come from the pipeline.
func FailedStep(err error) Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}
