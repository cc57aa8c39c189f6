package invssa

import (
	"context"

	"github.com/jedbrown/pism/internal/grid"
)

// Model is the forward problem boundary: given a parameter field zeta it
// produces the predicted SSA velocities, plus the Jacobian products needed
// for adjoint-based gradients. The grid, boundary conditions and any
// domain-constant quantities are fixed at construction; a solve calls the
// model many times, so implementations cache what they can.
//
// Solve returns a *ForwardSolveError when the PDE solve does not converge
// at the trial point. The line search recovers from that by shrinking the
// step; everywhere else it is fatal.
type Model interface {
	Solve(ctx context.Context, zeta *grid.Field) (*grid.VectorField, error)
	// ApplyJacobian computes T d, the derivative of the predicted velocity
	// in the direction d, at linearization point zeta.
	ApplyJacobian(zeta, dir *grid.Field) (*grid.VectorField, error)
	// ApplyJacobianTranspose computes T* r, mapping a velocity-space
	// residual back to parameter space at linearization point zeta.
	ApplyJacobianTranspose(zeta *grid.Field, r *grid.VectorField) (*grid.Field, error)
}

// Observations is the inversion target: observed SSA velocities and the
// per-cell misfit weight (confidence) field. Immutable once loaded.
type Observations struct {
	Velocity *grid.VectorField
	Weight   *grid.Field
}

// NewObservations pairs an observed velocity field with its misfit weight.
// A nil weight means uniform confidence.
func NewObservations(vel *grid.VectorField, weight *grid.Field) *Observations {
	if weight == nil {
		weight = grid.NewField(vel.Grid())
		weight.Fill(1)
	}
	return &Observations{Velocity: vel, Weight: weight}
}
