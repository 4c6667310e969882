package capture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrElementNotFound means no locator resolved the trigger. It is not fatal:
	// a later strategy may still observe the export.
	ErrElementNotFound = errors.New("element not found")
	// ErrTimedOut means a strategy saw nothing within its own budget.
	ErrTimedOut = errors.New("strategy timed out")
	// ErrEmptyCapture is reported when a channel delivered zero bytes.
	ErrEmptyCapture = errors.New("captured payload is empty")
	// ErrExhausted is matched by *ExhaustedError.
	ErrExhausted = errors.New("all capture strategies failed")
	// ErrIO is matched by *IOError.
	ErrIO = errors.New("persistence failed")
	// ErrInvalidRequest is returned by NewExportRequest.
	ErrInvalidRequest = errors.New("invalid export request")
)

// ExhaustedError is returned when every strategy failed for a request.
type ExhaustedError struct {
	RequestID string
	Outcomes  []StrategyOutcome
	// Cause is set when the caller's context ended the run early.
	Cause error
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Outcomes))
	for _, o := range e.Outcomes {
		p := fmt.Sprintf("%s=%s", o.Strategy, o.Kind)
		if o.Err != nil {
			p += " (" + o.Err.Error() + ")"
		}
		parts = append(parts, p)
	}
	msg := fmt.Sprintf("%s after %d strategies: %s", ErrExhausted, len(e.Outcomes), strings.Join(parts, "; "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Cause }

// IOError wraps a failure of the persistence sink. It is always fatal.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: write %s: %v", ErrIO, e.Path, e.Err)
}

func (e *IOError) Is(target error) bool { return target == ErrIO }

func (e *IOError) Unwrap() error { return e.Err }
