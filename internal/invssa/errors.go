package invssa

import "fmt"

// ForwardSolveError reports that the forward model failed to produce a
// usable velocity field at a trial parameter point. The line search treats
// it as recoverable (shrink the step and retry); anywhere else it is fatal
// to the solve.
type ForwardSolveError struct {
	Reason string
	Err    error
}

func (e *ForwardSolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("forward solve failed: %s: %v", e.Reason, e.Err)
	}
	return "forward solve failed: " + e.Reason
}

func (e *ForwardSolveError) Unwrap() error { return e.Err }

// LineSearchError reports that no admissible step was found within the
// configured trial budget. Fatal to the current solve.
type LineSearchError struct {
	Trials      int
	Directional float64 // g·d at the start of the search
}

func (e *LineSearchError) Error() string {
	return fmt.Sprintf("line search failed: no admissible step after %d trials (g·d=%g)", e.Trials, e.Directional)
}

// InvalidConfigError reports a configuration rejected at setup, before any
// forward solve runs.
type InvalidConfigError struct {
	Msg string
}

func (e *InvalidConfigError) Error() string { return "invalid configuration: " + e.Msg }

// ListenerError wraps an error returned by a registered listener. Listener
// errors are never swallowed; they abort the solve.
type ListenerError struct {
	Event string
	Err   error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("%s listener failed: %v", e.Event, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// AdjointMismatchError is a diagnostic produced by the adjoint monitor when
// the domain and range inner products disagree beyond the monitor's
// tolerance. It is reported, never used to abort a solve.
type AdjointMismatchError struct {
	DomainIP, RangeIP float64
	RelErr            float64
}

func (e *AdjointMismatchError) Error() string {
	return fmt.Sprintf("adjoint mismatch: domainIP=%g rangeIP=%g relerr=%g", e.DomainIP, e.RangeIP, e.RelErr)
}
