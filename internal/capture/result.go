package capture

import (
	"fmt"
	"time"
)

// Source names the strategy that produced a capture.
type Source string

const (
	SourceDownloadEvent        Source = "download_event"
	SourceFrameworkCallback    Source = "framework_callback"
	SourceResponseInterception Source = "response_interception"
)

// OutcomeKind classifies one strategy attempt.
type OutcomeKind int

const (
	Matched OutcomeKind = iota
	TimedOut
	Errored
)

func (k OutcomeKind) String() string {
	switch k {
	case Matched:
		return "matched"
	case TimedOut:
		return "timed_out"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// StrategyOutcome is the internal verdict of one strategy. Data is only set
// for Matched; Err is set for TimedOut and Errored.
type StrategyOutcome struct {
	Strategy Source
	Kind     OutcomeKind
	Data     []byte
	Err      error
	Elapsed  time.Duration
}

// State is a step of the per-request lifecycle.
type State string

const (
	StateIdle          State = "idle"
	StateTriggered     State = "triggered"
	StateObserving     State = "observing"
	StateCaptured      State = "captured"
	StateExhausted     State = "exhausted"
	StatePersisted     State = "persisted"
	StatePersistFailed State = "persist_failed"
)

// Transition records a state change; Strategy is set while observing.
type Transition struct {
	State    State
	Strategy Source
	At       time.Time
}

// CaptureResult is produced exactly once per ExportRequest.
type CaptureResult struct {
	RequestID string
	Data      []byte
	Source    Source
	// MIME is the sniffed content type of Data, for diagnostics only.
	MIME     string
	Outcomes []StrategyOutcome
	Trace    []Transition
	Err      error
}

// Success reports whether a strategy captured a non-empty payload.
func (r CaptureResult) Success() bool {
	return r.Err == nil && len(r.Data) > 0
}

// States returns the bare state sequence of the trace.
func (r CaptureResult) States() []State {
	out := make([]State, 0, len(r.Trace))
	for _, t := range r.Trace {
		out = append(out, t.State)
	}
	return out
}
