package invssa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jedbrown/pism/internal/grid"
)

// Config holds everything the iteration controller needs beyond its
// collaborators. There is no ambient solver context; a Config is passed in
// at construction.
type Config struct {
	Method Method

	// RMSTarget is the convergence target for the non-Tikhonov methods,
	// expressed as an RMS velocity misfit in SI units (m/s). Callers
	// working in m/year convert explicitly (see SecPerYear).
	RMSTarget float64

	// Eta is the Tikhonov penalty weight on ||zeta - prior||^2.
	Eta float64

	// TikhonovAtol and TikhonovRtol form the gradient-norm convergence
	// test ||g|| <= atol + rtol*||g0|| for the Tikhonov methods.
	TikhonovAtol float64
	TikhonovRtol float64

	// MaxIterations bounds the number of outer iterations per solve.
	MaxIterations int

	// MaxLinearIterations caps the inner CG solve of the IGN method.
	MaxLinearIterations int

	// IGNTheta is the relative tolerance of the inner IGN solve; the CG
	// iteration stops once the linear residual drops below theta times its
	// initial norm.
	IGNTheta float64

	// DivergenceFactor declares the solve diverged once the objective
	// exceeds this multiple of its initial value.
	DivergenceFactor float64

	// LMVMMemory is the number of curvature pairs kept by the
	// variable-metric methods.
	LMVMMemory int

	LineSearch LineSearchConfig
}

// SecPerYear converts between m/year velocity targets used on the command
// line and the SI m/s the engine contract is stated in.
const SecPerYear = 3.15569259747e7

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{
		Method:              IGN,
		RMSTarget:           100 / SecPerYear, // 100 m/year
		Eta:                 1,
		TikhonovAtol:        1,
		TikhonovRtol:        0.1,
		MaxIterations:       500,
		MaxLinearIterations: 200,
		IGNTheta:            0.5,
		DivergenceFactor:    1e4,
		LMVMMemory:          5,
		LineSearch:          DefaultLineSearchConfig(),
	}
}

// Validate rejects configurations the solve loop cannot honor. It runs at
// construction, before any forward solve.
func (c Config) Validate() error {
	if _, ok := methodNames[c.Method]; !ok {
		return &InvalidConfigError{Msg: "unknown inversion method"}
	}
	if !c.Method.IsTikhonov() && c.RMSTarget <= 0 {
		return &InvalidConfigError{Msg: "RMS misfit target must be positive"}
	}
	if c.Method.IsTikhonov() {
		if c.TikhonovAtol < 0 || c.TikhonovRtol < 0 {
			return &InvalidConfigError{Msg: "Tikhonov tolerances must be non-negative"}
		}
		if c.TikhonovAtol == 0 && c.TikhonovRtol == 0 {
			return &InvalidConfigError{Msg: "at least one Tikhonov tolerance must be positive"}
		}
		if c.Eta < 0 {
			return &InvalidConfigError{Msg: "penalty weight eta must be non-negative"}
		}
	}
	if c.MaxIterations <= 0 {
		return &InvalidConfigError{Msg: "iteration budget must be positive"}
	}
	if c.Method == IGN && c.MaxLinearIterations <= 0 {
		return &InvalidConfigError{Msg: "linear iteration budget must be positive"}
	}
	if c.Method == IGN && (c.IGNTheta <= 0 || c.IGNTheta >= 1) {
		return &InvalidConfigError{Msg: "IGN theta must be in (0,1)"}
	}
	if c.DivergenceFactor <= 1 {
		return &InvalidConfigError{Msg: "divergence factor must exceed 1"}
	}
	return c.LineSearch.validate()
}

// CheckAdjointTestSupported rejects the adjoint self-test for methods that
// do not expose a plain misfit adjoint. The check runs before any forward
// solve.
func CheckAdjointTestSupported(m Method) error {
	if m.IsTikhonov() {
		return &InvalidConfigError{Msg: "adjoint test cannot be used with method " + m.String()}
	}
	return nil
}

// Solver is the iteration controller: it owns the iterate for the duration
// of Solve and orchestrates forward solves, gradient evaluation, the line
// search, listener dispatch, convergence tests and cancellation.
type Solver struct {
	cfg       Config
	model     Model
	transform Transform
	listeners listenerSet

	fixed    *grid.Mask  // optional; cells where zeta must not change
	prior    *grid.Field // optional; defaults to the initial iterate
	startK   int         // starting iteration index, non-zero on restart
	prepHook func(*Solver) error

	state     State
	reason    ConvergenceReason
	iteration int
	finalZeta *grid.Field
	finalU    *grid.VectorField
}

// NewSolver builds a controller over the given forward model and parameter
// transform. The configuration is validated here, before any forward solve.
func NewSolver(cfg Config, model Model, transform Transform) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, &InvalidConfigError{Msg: "forward model is required"}
	}
	if transform == nil {
		return nil, &InvalidConfigError{Msg: "parameter transform is required"}
	}
	return &Solver{
		cfg:       cfg,
		model:     model,
		transform: transform,
		state:     StateInitialized,
		reason:    ReasonInProgress,
	}, nil
}

// SetFixedMask marks cells where the iterate must not change. Proposed
// directions have these components zeroed and the values are restored
// bit-exactly after every update.
func (s *Solver) SetFixedMask(m *grid.Mask) { s.fixed = m }

// SetPrior sets the zeta prior used by the Tikhonov penalty. Defaults to
// the initial iterate.
func (s *Solver) SetPrior(prior *grid.Field) { s.prior = prior.Copy() }

// SetStartIteration sets the iteration counter for a restarted solve so
// listeners and checkpoints continue the original numbering.
func (s *Solver) SetStartIteration(k int) { s.startK = k }

// SetPrepHook installs a callback invoked at the start of Solve, after
// argument validation and before the first forward solve. A hook error
// aborts the solve. Callers use it to attach listeners or adjust the solver
// without subclassing the controller.
func (s *Solver) SetPrepHook(fn func(*Solver) error) { s.prepHook = fn }

// AddIterationListener registers a listener fired after every outer
// iteration, in registration order.
func (s *Solver) AddIterationListener(fn IterationListener) {
	s.listeners.iteration = append(s.listeners.iteration, fn)
}

// AddLinearIterationListener registers a listener fired for inner linear
// sub-iterations of methods that have them.
func (s *Solver) AddLinearIterationListener(fn LinearIterationListener) {
	s.listeners.linear = append(s.listeners.linear, fn)
}

// AddXUpdateListener registers a listener fired whenever the iterate is
// updated, before the iteration listeners.
func (s *Solver) AddXUpdateListener(fn XUpdateListener) {
	s.listeners.xUpdate = append(s.listeners.xUpdate, fn)
}

// State returns the lifecycle state.
func (s *Solver) State() State { return s.state }

// ConvergedReason reports why the last solve terminated.
func (s *Solver) ConvergedReason() ConvergenceReason { return s.reason }

// Iteration returns the current outer iteration index.
func (s *Solver) Iteration() int { return s.iteration }

// Solution returns the final iterate and predicted velocities of the last
// solve, valid once Solve has returned.
func (s *Solver) Solution() (*grid.Field, *grid.VectorField) {
	return s.finalZeta, s.finalU
}

// Tauc converts a zeta field to the physical yield stress field.
func (s *Solver) Tauc(zeta *grid.Field) *grid.Field {
	tauc := grid.NewField(zeta.Grid())
	ToPhysicalField(s.transform, zeta, tauc)
	return tauc
}

// nlcgState carries the conjugate-gradient history between iterations.
type nlcgState struct {
	prevGrad *grid.Field
	prevDir  *grid.Field
}

// Solve runs the inversion from zeta0 against the given observations. It
// returns ok=true on convergence; on any terminal failure it returns
// ok=false with the reason recorded (see ConvergedReason) and, where an
// underlying error exists, that error. The final iterate is returned in
// either case so callers can persist partial progress.
func (s *Solver) Solve(ctx context.Context, zeta0 *grid.Field, obs *Observations) (bool, *grid.Field, *grid.VectorField, error) {
	if zeta0 == nil || obs == nil {
		return false, nil, nil, &InvalidConfigError{Msg: "initial iterate and observations are required"}
	}

	if s.prepHook != nil {
		if err := s.prepHook(s); err != nil {
			return false, nil, nil, fmt.Errorf("prep hook: %w", err)
		}
	}

	method := s.cfg.Method
	s.state = StateIterating
	s.reason = ReasonInProgress
	s.iteration = s.startK

	zeta := zeta0.Copy()
	fixedRef := zeta0.Copy()

	prior := s.prior
	if prior == nil {
		prior = zeta0.Copy()
	}
	fn := NewFunctional(s.model, obs, s.cfg.Eta, prior)

	eval := func(ctx context.Context, z *grid.Field) (float64, *grid.VectorField, error) {
		u, err := s.model.Solve(ctx, z)
		if err != nil {
			return 0, nil, err
		}
		return fn.Objective(method, z, u), u, nil
	}

	pred, err := s.model.Solve(ctx, zeta)
	if err != nil {
		return false, zeta, nil, s.fail(StateFailed, ReasonForwardSolveFailed, zeta, nil, err)
	}

	obj0 := fn.Objective(method, zeta, pred)
	mem := newLMVMMemory(s.cfg.LMVMMemory)
	var cg nlcgState
	var prevZeta, prevGrad *grid.Field
	var gradNorm0 float64
	lastStep := 0.0

	for iter := s.startK; ; iter++ {
		s.iteration = iter

		if ctx.Err() != nil {
			return false, zeta, pred, s.fail(StateCancelled, ReasonUserCancelled, zeta, pred, ctx.Err())
		}

		r := fn.Residual(pred)
		rms := fn.RMSMisfit(pred)
		obj := fn.Objective(method, zeta, pred)

		if math.IsNaN(obj) || math.IsInf(obj, 0) || (obj0 > 0 && obj > s.cfg.DivergenceFactor*obj0) {
			return false, zeta, pred, s.fail(StateDiverged, ReasonDivergedResidual, zeta, pred, nil)
		}

		g, err := fn.Gradient(method, zeta, r)
		if err != nil {
			return false, zeta, pred, s.fail(StateFailed, ReasonForwardSolveFailed, zeta, pred, err)
		}
		if method == TikhonovLCL && s.fixed != nil {
			s.fixed.ZeroMarked(g)
		}
		gnorm := g.Norm2()
		if gradNorm0 == 0 {
			gradNorm0 = gnorm
		}

		// Variable-metric memory update needs consecutive gradients.
		if prevGrad != nil {
			switch method {
			case TikhonovLMVM, TikhonovBLMVM, TikhonovLCL:
				sv := zeta.Copy()
				sv.AXPY(-1, prevZeta)
				yv := g.Copy()
				yv.AXPY(-1, prevGrad)
				if method == TikhonovLCL && s.fixed != nil {
					s.fixed.ZeroMarked(sv)
					s.fixed.ZeroMarked(yv)
				}
				mem.push(sv, yv)
			}
		}

		converged := false
		if method.IsTikhonov() {
			converged = gnorm <= s.cfg.TikhonovAtol+s.cfg.TikhonovRtol*gradNorm0
		} else {
			converged = rms <= s.cfg.RMSTarget
		}
		if converged {
			slog.Info("inversion converged",
				"method", method.String(), "iteration", iter,
				"rms_misfit", rms, "objective", obj, "grad_norm", gnorm)
			s.state = StateConverged
			s.reason = ReasonSuccess
			s.finalZeta = zeta.Copy()
			s.finalU = pred.Copy()
			return true, s.finalZeta, s.finalU, nil
		}

		if iter-s.startK >= s.cfg.MaxIterations {
			return false, zeta, pred, s.fail(StateFailed, ReasonMaxIterationsExceeded, zeta, pred, nil)
		}

		d, err := s.direction(ctx, iter, obs, zeta, r, g, mem, &cg)
		if err != nil {
			return false, zeta, pred, s.classifyFailure(zeta, pred, err)
		}
		if s.fixed != nil {
			s.fixed.ZeroMarked(d)
		}

		gd := g.Dot(d)
		if gd >= 0 {
			// Non-descent direction: drop accumulated curvature or CG
			// history and fall back to (projected) steepest descent.
			slog.Debug("restarting direction on non-descent", "iteration", iter, "g_dot_d", gd)
			mem.reset()
			cg.prevGrad, cg.prevDir = nil, nil
			d = g.Copy()
			d.Scale(-1)
			if s.fixed != nil {
				s.fixed.ZeroMarked(d)
			}
			gd = g.Dot(d)
		}

		res, err := lineSearch(ctx, s.cfg.LineSearch, eval, zeta, d, obj, gd)
		if err != nil {
			return false, zeta, pred, s.classifyFailure(zeta, pred, err)
		}

		newZeta := res.Zeta
		if method == TikhonovBLMVM {
			data := newZeta.Data()
			for i, v := range data {
				data[i] = s.transform.ClampParameter(v)
			}
		}
		if s.fixed != nil {
			s.fixed.RestoreMarked(newZeta, fixedRef)
		}

		prevZeta = zeta
		prevGrad = g
		cg.prevGrad = g
		cg.prevDir = d

		zeta = newZeta
		pred = res.Predicted
		lastStep = res.Step
		s.iteration = iter + 1

		if err := s.listeners.fireXUpdate(iter+1, zeta.Copy()); err != nil {
			return false, zeta, pred, s.fail(StateFailed, ReasonListenerFailed, zeta, pred, err)
		}
		snap := Snapshot{
			Iteration: iter + 1,
			Method:    method,
			Zeta:      zeta.Copy(),
			Residual:  fn.Residual(pred),
			RMSMisfit: fn.RMSMisfit(pred),
			Objective: res.Objective,
			GradNorm:  gnorm,
			Step:      lastStep,
		}
		if err := s.listeners.fireIteration(snap); err != nil {
			return false, zeta, pred, s.fail(StateFailed, ReasonListenerFailed, zeta, pred, err)
		}
	}
}

// direction computes the method-specific search direction.
func (s *Solver) direction(ctx context.Context, iter int, obs *Observations, zeta *grid.Field, r *grid.VectorField, g *grid.Field, mem *lmvmMemory, cg *nlcgState) (*grid.Field, error) {
	switch s.cfg.Method {
	case SD:
		d := g.Copy()
		d.Scale(-1)
		return d, nil

	case NLCG, TikhonovCG:
		d := g.Copy()
		d.Scale(-1)
		if cg.prevGrad != nil && cg.prevDir != nil {
			// Polak-Ribiere with automatic restart via beta >= 0.
			diff := g.Copy()
			diff.AXPY(-1, cg.prevGrad)
			denom := cg.prevGrad.Dot(cg.prevGrad)
			if denom > 0 {
				beta := math.Max(0, g.Dot(diff)/denom)
				d.AXPY(beta, cg.prevDir)
			}
		}
		return d, nil

	case TikhonovLMVM, TikhonovBLMVM, TikhonovLCL:
		return mem.apply(g), nil

	case IGN:
		return s.ignDirection(ctx, iter, obs, zeta, r)
	}
	return nil, &InvalidConfigError{Msg: "unknown inversion method"}
}

// ignDirection solves the Gauss-Newton normal equations
// (T* W T) d = -T* r by conjugate gradients, stopping once the linear
// residual drops by the configured theta factor. Linear iteration listeners
// fire once per inner step. The fixed mask is applied inside the operator
// so the CG iteration stays in the admissible subspace.
func (s *Solver) ignDirection(ctx context.Context, outer int, obs *Observations, zeta *grid.Field, r *grid.VectorField) (*grid.Field, error) {
	apply := func(p *grid.Field) (*grid.Field, error) {
		work := p
		if s.fixed != nil {
			work = p.Copy()
			s.fixed.ZeroMarked(work)
		}
		tp, err := s.model.ApplyJacobian(zeta, work)
		if err != nil {
			return nil, err
		}
		w := obs.Weight.Data()
		tu, tv := tp.U(), tp.V()
		for i, wi := range w {
			tu[i] *= wi
			tv[i] *= wi
		}
		out, err := s.model.ApplyJacobianTranspose(zeta, tp)
		if err != nil {
			return nil, err
		}
		if s.fixed != nil {
			s.fixed.ZeroMarked(out)
		}
		return out, nil
	}

	b, err := s.model.ApplyJacobianTranspose(zeta, r)
	if err != nil {
		return nil, err
	}
	b.Scale(-1)
	if s.fixed != nil {
		s.fixed.ZeroMarked(b)
	}

	x := grid.NewField(zeta.Grid())
	res := b.Copy()
	p := res.Copy()
	rr := res.Dot(res)
	rr0 := rr

	for k := 0; k < s.cfg.MaxLinearIterations; k++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if math.Sqrt(rr) <= s.cfg.IGNTheta*math.Sqrt(rr0) || rr == 0 {
			break
		}
		ap, err := apply(p)
		if err != nil {
			return nil, err
		}
		pap := p.Dot(ap)
		if pap <= 0 {
			break
		}
		alpha := rr / pap
		x.AXPY(alpha, p)
		res.AXPY(-alpha, ap)
		rrNew := res.Dot(res)

		if err := s.listeners.fireLinear(LinearSnapshot{
			Iteration:       outer,
			LinearIteration: k + 1,
			ResidualNorm:    math.Sqrt(rrNew),
		}); err != nil {
			return nil, err
		}

		p.Scale(rrNew / rr)
		p.AXPY(1, res)
		rr = rrNew
	}

	return x, nil
}

// fail records a terminal state and returns the underlying error (possibly
// nil) for the caller to propagate.
func (s *Solver) fail(st State, reason ConvergenceReason, zeta *grid.Field, pred *grid.VectorField, err error) error {
	s.state = st
	s.reason = reason
	if zeta != nil {
		s.finalZeta = zeta.Copy()
	}
	if pred != nil {
		s.finalU = pred.Copy()
	}
	slog.Warn("inversion terminated", "state", string(st), "reason", reason.String(), "iteration", s.iteration, "error", err)
	return err
}

// classifyFailure maps an error escaping the direction computation or line
// search onto the terminal taxonomy.
func (s *Solver) classifyFailure(zeta *grid.Field, pred *grid.VectorField, err error) error {
	var lsErr *LineSearchError
	var fwdErr *ForwardSolveError
	var lstErr *ListenerError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return s.fail(StateCancelled, ReasonUserCancelled, zeta, pred, err)
	case errors.As(err, &lsErr):
		return s.fail(StateFailed, ReasonLineSearchFailure, zeta, pred, err)
	case errors.As(err, &lstErr):
		return s.fail(StateFailed, ReasonListenerFailed, zeta, pred, err)
	case errors.As(err, &fwdErr):
		return s.fail(StateFailed, ReasonForwardSolveFailed, zeta, pred, err)
	default:
		return s.fail(StateFailed, ReasonForwardSolveFailed, zeta, pred, err)
	}
}
