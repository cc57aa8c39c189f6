package invssa

import "github.com/jedbrown/pism/internal/grid"

// Snapshot is the read-only view of the solver state handed to iteration
// listeners. Fields are deep copies; listeners must not feed them back into
// the solver.
type Snapshot struct {
	Iteration int
	Method    Method
	Zeta      *grid.Field
	Residual  *grid.VectorField
	RMSMisfit float64 // m/s
	Objective float64
	GradNorm  float64
	Step      float64
}

// LinearSnapshot describes one inner (linear) sub-iteration of a method
// that has them, currently only IGN's conjugate-gradient solve.
type LinearSnapshot struct {
	Iteration       int // outer iteration
	LinearIteration int
	ResidualNorm    float64 // linear system residual norm
}

// IterationListener is invoked after every outer iteration.
type IterationListener func(snap Snapshot) error

// LinearIterationListener is invoked for every inner linear sub-iteration.
type LinearIterationListener func(snap LinearSnapshot) error

// XUpdateListener is invoked whenever the iterate is updated, before the
// iteration listeners, so checkpoint-critical logic runs first.
type XUpdateListener func(iteration int, zeta *grid.Field) error

// listenerSet holds registered listeners and fires them synchronously in
// registration order. A listener error aborts the solve.
type listenerSet struct {
	iteration []IterationListener
	linear    []LinearIterationListener
	xUpdate   []XUpdateListener
}

func (ls *listenerSet) fireIteration(snap Snapshot) error {
	for _, fn := range ls.iteration {
		if err := fn(snap); err != nil {
			return &ListenerError{Event: "iteration", Err: err}
		}
	}
	return nil
}

func (ls *listenerSet) fireLinear(snap LinearSnapshot) error {
	for _, fn := range ls.linear {
		if err := fn(snap); err != nil {
			return &ListenerError{Event: "linear iteration", Err: err}
		}
	}
	return nil
}

func (ls *listenerSet) fireXUpdate(iteration int, zeta *grid.Field) error {
	for _, fn := range ls.xUpdate {
		if err := fn(iteration, zeta); err != nil {
			return &ListenerError{Event: "x-update", Err: err}
		}
	}
	return nil
}
