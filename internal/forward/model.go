// Package forward implements the SSA forward model evaluator used by the
// inversion engine: a pseudo-plastic sliding balance that maps a basal
// yield stress parameter field to SSA-balance velocities, with analytic
// Jacobian products for adjoint-based gradients.
package forward

import (
	"context"
	"math"

	"github.com/jedbrown/pism/internal/grid"
	"github.com/jedbrown/pism/internal/invssa"
)

// Config fixes the domain-constant inputs of the model at construction.
type Config struct {
	// DrivingStress is the gravitational driving stress per cell, Pa.
	// Computed from geometry once and cached; it never changes across the
	// many solves of an inversion.
	DrivingStress *grid.VectorField

	// RegEps keeps the sliding law finite where tauc approaches zero, Pa.
	RegEps float64

	// Smoothing couples neighbouring cells through one symmetric
	// Jacobi-style averaging pass of weight in [0, 1). Zero disables it
	// and the balance is purely local.
	Smoothing float64

	// BCMask marks Dirichlet cells whose velocity is fixed at BCVelocity.
	// Both may be nil.
	BCMask     *grid.Mask
	BCVelocity *grid.VectorField
}

// SSAModel evaluates the sliding balance u = tau_d / (tauc + eps) followed
// by the optional smoothing operator. The transform from zeta to tauc is
// applied internally so the model exposes derivatives with respect to the
// optimization variable, as the engine requires.
type SSAModel struct {
	g         *grid.Grid
	transform invssa.Transform
	cfg       Config
}

// New builds the model. The driving stress is required; it is copied so
// later mutation by the caller cannot alias solver state.
func New(g *grid.Grid, transform invssa.Transform, cfg Config) (*SSAModel, error) {
	if cfg.DrivingStress == nil {
		return nil, &invssa.InvalidConfigError{Msg: "driving stress field is required"}
	}
	if cfg.RegEps <= 0 {
		return nil, &invssa.InvalidConfigError{Msg: "regularization epsilon must be positive"}
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		return nil, &invssa.InvalidConfigError{Msg: "smoothing weight must be in [0,1)"}
	}
	if (cfg.BCMask == nil) != (cfg.BCVelocity == nil) {
		return nil, &invssa.InvalidConfigError{Msg: "boundary mask and velocity must be set together"}
	}
	cfg.DrivingStress = cfg.DrivingStress.Copy()
	if cfg.BCVelocity != nil {
		cfg.BCVelocity = cfg.BCVelocity.Copy()
	}
	return &SSAModel{g: g, transform: transform, cfg: cfg}, nil
}

// FromGeometry computes the driving stress tau_d = -rho*g*H*grad(h) from
// ice thickness and surface elevation, then builds the model. The gradient
// uses centred differences with one-sided stencils at the domain edge.
func FromGeometry(g *grid.Grid, transform invssa.Transform, thickness, surface *grid.Field, cfg Config) (*SSAModel, error) {
	const (
		rhoIce  = 910.0 // kg/m^3
		gravity = 9.81  // m/s^2
	)
	taud := grid.NewVectorField(g)
	tu, tv := taud.U(), taud.V()
	for j := 0; j < g.Ny; j++ {
		for i := 0; i < g.Nx; i++ {
			h := thickness.At(i, j)
			dhdx := gradAt(surface, g, i, j, true)
			dhdy := gradAt(surface, g, i, j, false)
			idx := g.Index(i, j)
			tu[idx] = -rhoIce * gravity * h * dhdx
			tv[idx] = -rhoIce * gravity * h * dhdy
		}
	}
	cfg.DrivingStress = taud
	return New(g, transform, cfg)
}

func gradAt(f *grid.Field, g *grid.Grid, i, j int, xdir bool) float64 {
	if xdir {
		switch {
		case g.Nx == 1:
			return 0
		case i == 0:
			return (f.At(1, j) - f.At(0, j)) / g.Dx
		case i == g.Nx-1:
			return (f.At(i, j) - f.At(i-1, j)) / g.Dx
		default:
			return (f.At(i+1, j) - f.At(i-1, j)) / (2 * g.Dx)
		}
	}
	switch {
	case g.Ny == 1:
		return 0
	case j == 0:
		return (f.At(i, 1) - f.At(i, 0)) / g.Dy
	case j == g.Ny-1:
		return (f.At(i, j) - f.At(i, j-1)) / g.Dy
	default:
		return (f.At(i, j+1) - f.At(i, j-1)) / (2 * g.Dy)
	}
}

// Grid returns the model grid.
func (m *SSAModel) Grid() *grid.Grid { return m.g }

// Solve computes the predicted velocities at zeta.
func (m *SSAModel) Solve(ctx context.Context, zeta *grid.Field) (*grid.VectorField, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u := grid.NewVectorField(m.g)
	uu, uv := u.U(), u.V()
	tu, tv := m.cfg.DrivingStress.U(), m.cfg.DrivingStress.V()
	zd := zeta.Data()
	for i, z := range zd {
		tauc := m.transform.ToPhysical(z)
		denom := tauc + m.cfg.RegEps
		if denom <= 0 || math.IsNaN(denom) {
			return nil, &invssa.ForwardSolveError{Reason: "non-positive effective yield stress"}
		}
		uu[i] = tu[i] / denom
		uv[i] = tv[i] / denom
	}
	m.smooth(u)
	m.applyBC(u)
	if !u.AllFinite() {
		return nil, &invssa.ForwardSolveError{Reason: "velocity solution is not finite"}
	}
	return u, nil
}

// ApplyJacobian computes T d at linearization point zeta. The local law
// contributes the diagonal du/dzeta = -tau_d/(tauc+eps)^2 * dtauc/dzeta;
// the smoothing operator is linear and symmetric, and Dirichlet rows are
// zero.
func (m *SSAModel) ApplyJacobian(zeta, dir *grid.Field) (*grid.VectorField, error) {
	out := grid.NewVectorField(m.g)
	ou, ov := out.U(), out.V()
	tu, tv := m.cfg.DrivingStress.U(), m.cfg.DrivingStress.V()
	zd, dd := zeta.Data(), dir.Data()
	for i, z := range zd {
		tauc := m.transform.ToPhysical(z)
		denom := tauc + m.cfg.RegEps
		scale := -m.transform.DPhysical(z) / (denom * denom)
		ou[i] = tu[i] * scale * dd[i]
		ov[i] = tv[i] * scale * dd[i]
	}
	m.smooth(out)
	m.zeroBC(out)
	return out, nil
}

// ApplyJacobianTranspose computes T* r: the smoothing operator is its own
// transpose, the Dirichlet rows transpose to zero columns, and the local
// law transposes cell-wise.
func (m *SSAModel) ApplyJacobianTranspose(zeta *grid.Field, r *grid.VectorField) (*grid.Field, error) {
	work := r.Copy()
	m.zeroBC(work)
	m.smooth(work)
	out := grid.NewField(m.g)
	od := out.Data()
	tu, tv := m.cfg.DrivingStress.U(), m.cfg.DrivingStress.V()
	zd := zeta.Data()
	wu, wv := work.U(), work.V()
	for i, z := range zd {
		tauc := m.transform.ToPhysical(z)
		denom := tauc + m.cfg.RegEps
		scale := -m.transform.DPhysical(z) / (denom * denom)
		od[i] = scale * (tu[i]*wu[i] + tv[i]*wv[i])
	}
	return out, nil
}

// smooth applies (I + w*L) in place, with L the symmetric graph Laplacian
// of the 4-neighbour grid scaled by 1/4. Symmetry keeps the Jacobian
// transpose exact.
func (m *SSAModel) smooth(f *grid.VectorField) {
	w := m.cfg.Smoothing
	if w == 0 {
		return
	}
	u, v := f.U(), f.V()
	nu := make([]float64, len(u))
	nv := make([]float64, len(v))
	copy(nu, u)
	copy(nv, v)
	for j := 0; j < m.g.Ny; j++ {
		for i := 0; i < m.g.Nx; i++ {
			idx := m.g.Index(i, j)
			add := func(ni, nj int) {
				nidx := m.g.Index(ni, nj)
				nu[idx] += w * (u[nidx] - u[idx]) / 4
				nv[idx] += w * (v[nidx] - v[idx]) / 4
			}
			if i > 0 {
				add(i-1, j)
			}
			if i < m.g.Nx-1 {
				add(i+1, j)
			}
			if j > 0 {
				add(i, j-1)
			}
			if j < m.g.Ny-1 {
				add(i, j+1)
			}
		}
	}
	copy(u, nu)
	copy(v, nv)
}

func (m *SSAModel) applyBC(f *grid.VectorField) {
	if m.cfg.BCMask == nil {
		return
	}
	u, v := f.U(), f.V()
	bu, bv := m.cfg.BCVelocity.U(), m.cfg.BCVelocity.V()
	for i, set := range m.cfg.BCMask.Flags() {
		if set {
			u[i] = bu[i]
			v[i] = bv[i]
		}
	}
}

func (m *SSAModel) zeroBC(f *grid.VectorField) {
	if m.cfg.BCMask == nil {
		return
	}
	u, v := f.U(), f.V()
	for i, set := range m.cfg.BCMask.Flags() {
		if set {
			u[i] = 0
			v[i] = 0
		}
	}
}
