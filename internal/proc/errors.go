package proc

import (
	"errors"
	"fmt"

	"github.com/veldt-labs/cascade/internal/frame"
)

// ConfigurationError reports invalid pipeline wiring, such as linking a stage
// after it has started. It is a programmer error and is never retried.
type ConfigurationError struct {
	Proc   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Proc, e.Reason)
}

// LifecycleError reports an operation attempted in a state that does not
// permit it, such as pushing into a stopped stage.
type LifecycleError struct {
	Proc  string
	Op    string
	State State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: cannot %s while %s", e.Proc, e.Op, e.State)
}

// ProcessingError wraps a stage transformation failure on a given frame.
type ProcessingError struct {
	Proc  string
	Frame frame.Frame
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: processing %s: %v", e.Proc, frame.Label(e.Frame), e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// ResourceError aggregates scoped resource acquisition or release failures.
// Teardown is best effort: one failing release never prevents the others.
type ResourceError struct {
	Proc string
	Errs []error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s: resource failure: %v", e.Proc, errors.Join(e.Errs...))
}

func (e *ResourceError) Unwrap() []error { return e.Errs }
