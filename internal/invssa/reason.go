package invssa

// State is the lifecycle state of a Solver.
type State string

const (
	StateInitialized State = "initialized"
	StateIterating   State = "iterating"
	StateConverged   State = "converged"
	StateDiverged    State = "diverged"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// ConvergenceReason explains why a solve terminated. Terminal states always
// carry a reason so the caller can log a one-line diagnosis.
type ConvergenceReason int

const (
	ReasonInProgress ConvergenceReason = iota
	ReasonSuccess
	ReasonMaxIterationsExceeded
	ReasonLineSearchFailure
	ReasonDivergedResidual
	ReasonForwardSolveFailed
	ReasonListenerFailed
	ReasonUserCancelled
)

var reasonNames = map[ConvergenceReason]string{
	ReasonInProgress:            "in progress",
	ReasonSuccess:               "success",
	ReasonMaxIterationsExceeded: "maximum iterations exceeded",
	ReasonLineSearchFailure:     "line search failure",
	ReasonDivergedResidual:      "residual diverged",
	ReasonForwardSolveFailed:    "forward solve failed",
	ReasonListenerFailed:        "listener failed",
	ReasonUserCancelled:         "cancelled by user",
}

func (r ConvergenceReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown"
}
