package main

import (
	"github.com/jedbrown/pism/internal/forward"
	"github.com/jedbrown/pism/internal/grid"
	"github.com/jedbrown/pism/internal/invssa"
	"github.com/jedbrown/pism/internal/store"
)

// regEps keeps the sliding law finite where tauc vanishes, Pa.
const regEps = 100.0

// inverseProblem bundles the objects a solve needs, assembled from one
// input dataset.
type inverseProblem struct {
	grid      *grid.Grid
	transform invssa.Transform
	model     *forward.SSAModel
	obs       *invssa.Observations
	zeta0     *grid.Field
	prior     *grid.Field
	fixed     *grid.Mask
}

// loadProblem reads the dataset named by the run config and assembles the
// inverse problem: forward model from geometry or cached driving stress,
// observations, the initial iterate pulled back through the design
// transform, and the optional prior and fixed mask.
func loadProblem(cfg store.RunConfig) (*inverseProblem, error) {
	ds, err := store.LoadDataset(cfg.InputPath)
	if err != nil {
		return nil, err
	}
	g, err := ds.Grid()
	if err != nil {
		return nil, err
	}

	transform, err := invssa.NewTransform(cfg.Design, invssa.DefaultTransformConfig())
	if err != nil {
		return nil, err
	}

	fwdCfg := forward.Config{RegEps: regEps}
	if ds.HasFlags(store.VarBCMask) {
		bcMask, err := ds.Mask(g, store.VarBCMask)
		if err != nil {
			return nil, err
		}
		bcVel, err := ds.VectorField(g, store.VarUBC, store.VarVBC)
		if err != nil {
			return nil, err
		}
		fwdCfg.BCMask = bcMask
		fwdCfg.BCVelocity = bcVel
	}

	var model *forward.SSAModel
	switch {
	case ds.Has(store.VarThickness) && ds.Has(store.VarSurface):
		thk, err := ds.Field(g, store.VarThickness)
		if err != nil {
			return nil, err
		}
		usurf, err := ds.Field(g, store.VarSurface)
		if err != nil {
			return nil, err
		}
		model, err = forward.FromGeometry(g, transform, thk, usurf, fwdCfg)
		if err != nil {
			return nil, err
		}
	case ds.Has(store.VarDrivingU) && ds.Has(store.VarDrivingV):
		taud, err := ds.VectorField(g, store.VarDrivingU, store.VarDrivingV)
		if err != nil {
			return nil, err
		}
		fwdCfg.DrivingStress = taud
		model, err = forward.New(g, transform, fwdCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &invssa.InvalidConfigError{Msg: "dataset provides neither geometry (thk, usurf) nor driving stress (taud_x, taud_y)"}
	}

	vel, err := ds.VectorField(g, store.VarUObserved, store.VarVObserved)
	if err != nil {
		return nil, err
	}
	var weight *grid.Field
	if ds.Has(store.VarMisfitWeight) {
		weight, err = ds.Field(g, store.VarMisfitWeight)
		if err != nil {
			return nil, err
		}
	}
	obs := invssa.NewObservations(vel, weight)

	taucName := store.VarTauc
	if cfg.UseTaucPrior {
		taucName = store.VarTaucPrior
	}
	tauc, err := ds.Field(g, taucName)
	if err != nil {
		return nil, err
	}
	zeta0 := grid.NewField(g)
	invssa.ToParameterField(transform, tauc, zeta0)

	p := &inverseProblem{
		grid:      g,
		transform: transform,
		model:     model,
		obs:       obs,
		zeta0:     zeta0,
	}

	if cfg.UseTaucPrior {
		priorTauc, err := ds.Field(g, store.VarTaucPrior)
		if err != nil {
			return nil, err
		}
		p.prior = grid.NewField(g)
		invssa.ToParameterField(transform, priorTauc, p.prior)
	}
	if cfg.UseFixedMask {
		fixed, err := ds.Mask(g, store.VarFixedMask)
		if err != nil {
			return nil, err
		}
		p.fixed = fixed
	}
	return p, nil
}

// engineConfig maps a run config onto the engine configuration, converting
// the m/year misfit target to the SI units the engine works in.
func engineConfig(cfg store.RunConfig) (invssa.Config, error) {
	method, err := invssa.ParseMethod(cfg.Method)
	if err != nil {
		return invssa.Config{}, err
	}
	ec := invssa.DefaultConfig()
	ec.Method = method
	if cfg.RMSTargetMA > 0 {
		ec.RMSTarget = cfg.RMSTargetMA / invssa.SecPerYear
	}
	if cfg.Eta > 0 {
		ec.Eta = cfg.Eta
	}
	if cfg.Atol > 0 {
		ec.TikhonovAtol = cfg.Atol
	}
	if cfg.Rtol > 0 {
		ec.TikhonovRtol = cfg.Rtol
	}
	if cfg.MaxIter > 0 {
		ec.MaxIterations = cfg.MaxIter
	}
	return ec, nil
}

// newSolverFor builds a configured solver over an assembled problem.
func newSolverFor(p *inverseProblem, cfg store.RunConfig) (*invssa.Solver, error) {
	ec, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	solver, err := invssa.NewSolver(ec, p.model, p.transform)
	if err != nil {
		return nil, err
	}
	if p.prior != nil {
		solver.SetPrior(p.prior)
	}
	if p.fixed != nil {
		solver.SetFixedMask(p.fixed)
	}
	return solver, nil
}

// writeInversionResult saves the recovered fields as an output dataset.
func writeInversionResult(path string, p *inverseProblem, zeta *grid.Field, u *grid.VectorField) error {
	out := store.NewDataset(p.grid)
	out.SetField(store.VarZetaInv, zeta)

	tauc := grid.NewField(p.grid)
	invssa.ToPhysicalField(p.transform, zeta, tauc)
	out.SetField(store.VarTauc, tauc)
	if u != nil {
		out.SetVectorField(store.VarUInverted, store.VarVInverted, u)
	}
	return out.Save(path)
}
