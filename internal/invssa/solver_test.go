package invssa_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedbrown/pism/internal/forward"
	"github.com/jedbrown/pism/internal/grid"
	"github.com/jedbrown/pism/internal/invssa"
)

const testRegEps = 100.0

func testGrid(t *testing.T, nx, ny int) *grid.Grid {
	t.Helper()
	g, err := grid.New(nx, ny, 1000, 1000)
	require.NoError(t, err)
	return g
}

func identTransform(t *testing.T) invssa.Transform {
	t.Helper()
	tr, err := invssa.NewIdentTransform(invssa.DefaultTransformConfig())
	require.NoError(t, err)
	return tr
}

// syntheticProblem builds a forward model with spatially varying driving
// stress, a smooth "true" yield stress field well inside the transform
// bounds, and observations generated by solving the model at the truth.
func syntheticProblem(t *testing.T, g *grid.Grid, smoothing float64) (invssa.Transform, *forward.SSAModel, *grid.Field, *invssa.Observations) {
	t.Helper()
	tr := identTransform(t)

	taud := grid.NewVectorField(g)
	tu, tv := taud.U(), taud.V()
	for j := 0; j < g.Ny; j++ {
		for i := 0; i < g.Nx; i++ {
			idx := g.Index(i, j)
			tu[idx] = 1e4 * (1 + 0.2*math.Cos(float64(i)))
			tv[idx] = 5e3 * (1 + 0.2*math.Sin(float64(j)))
		}
	}
	model, err := forward.New(g, tr, forward.Config{
		DrivingStress: taud,
		RegEps:        testRegEps,
		Smoothing:     smoothing,
	})
	require.NoError(t, err)

	taucTrue := grid.NewField(g)
	for j := 0; j < g.Ny; j++ {
		for i := 0; i < g.Nx; i++ {
			taucTrue.Set(i, j, 4e4*(1+0.3*math.Sin(float64(i+2*j))))
		}
	}
	zetaTrue := grid.NewField(g)
	invssa.ToParameterField(tr, taucTrue, zetaTrue)

	uTrue, err := model.Solve(context.Background(), zetaTrue)
	require.NoError(t, err)
	obs := invssa.NewObservations(uTrue, nil)

	return tr, model, zetaTrue, obs
}

func uniformStart(g *grid.Grid, tr invssa.Transform, tauc float64) *grid.Field {
	zeta0 := grid.NewField(g)
	zeta0.Fill(tr.ToParameter(tauc))
	return zeta0
}

func TestSolveRecoversYieldStress(t *testing.T) {
	g := testGrid(t, 6, 6)
	tr, model, zetaTrue, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.IGN
	cfg.RMSTarget = 1e-4 // tight target against O(0.2 m/s) synthetic velocities
	cfg.MaxIterations = 200

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	zeta0 := uniformStart(g, tr, 4e4)
	ok, zeta, u, err := solver.Solve(context.Background(), zeta0, obs)
	require.NoError(t, err)
	require.True(t, ok, "expected convergence, got %s", solver.ConvergedReason())
	assert.Equal(t, invssa.StateConverged, solver.State())
	assert.Equal(t, invssa.ReasonSuccess, solver.ConvergedReason())
	require.NotNil(t, u)

	taucTrue := grid.NewField(g)
	invssa.ToPhysicalField(tr, zetaTrue, taucTrue)
	tauc := solver.Tauc(zeta)
	for i, want := range taucTrue.Data() {
		got := tauc.Data()[i]
		assert.InEpsilonf(t, want, got, 0.02, "tauc at cell %d", i)
	}
}

func TestSolveObjectiveDecreasesMonotonically(t *testing.T) {
	g := testGrid(t, 5, 5)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.SD
	cfg.RMSTarget = 1e-6
	cfg.MaxIterations = 15

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	var objectives []float64
	solver.AddIterationListener(func(snap invssa.Snapshot) error {
		objectives = append(objectives, snap.Objective)
		return nil
	})

	zeta0 := uniformStart(g, tr, 5e4)
	solver.Solve(context.Background(), zeta0, obs)

	require.NotEmpty(t, objectives)
	for i := 1; i < len(objectives); i++ {
		assert.LessOrEqual(t, objectives[i], objectives[i-1],
			"objective increased at iteration %d", i)
	}
}

func TestSolveHonorsFixedMask(t *testing.T) {
	g := testGrid(t, 5, 5)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	fixed := grid.NewMask(g)
	fixed.Set(0, 0, true)
	fixed.Set(3, 2, true)
	fixed.Set(4, 4, true)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.SD
	cfg.RMSTarget = 1e-9 // unattainable; run out the budget
	cfg.MaxIterations = 10

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)
	solver.SetFixedMask(fixed)

	zeta0 := uniformStart(g, tr, 5e4)
	start := zeta0.Copy()
	_, zeta, _, err := solver.Solve(context.Background(), zeta0, obs)
	require.NoError(t, err)
	require.NotNil(t, zeta)

	// Marked cells are bit-identical to the start; some unmarked cell moved.
	assert.Equal(t, start.At(0, 0), zeta.At(0, 0))
	assert.Equal(t, start.At(3, 2), zeta.At(3, 2))
	assert.Equal(t, start.At(4, 4), zeta.At(4, 4))
	moved := false
	for i, v := range zeta.Data() {
		if v != start.Data()[i] {
			moved = true
			break
		}
	}
	assert.True(t, moved, "no unmarked cell changed")
}

func TestSolveCancellation(t *testing.T) {
	g := testGrid(t, 5, 5)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.IGN
	cfg.RMSTarget = 1e-12

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	solver.AddIterationListener(func(snap invssa.Snapshot) error {
		if snap.Iteration >= 2 {
			cancel()
		}
		return nil
	})

	zeta0 := uniformStart(g, tr, 5e4)
	ok, zeta, _, err := solver.Solve(ctx, zeta0, obs)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, invssa.StateCancelled, solver.State())
	assert.Equal(t, invssa.ReasonUserCancelled, solver.ConvergedReason())
	assert.NotNil(t, zeta, "partial iterate must be returned for persistence")
}

func TestSolveListenerErrorAborts(t *testing.T) {
	g := testGrid(t, 4, 4)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.SD
	cfg.RMSTarget = 1e-12

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	boom := errors.New("listener exploded")
	solver.AddIterationListener(func(snap invssa.Snapshot) error {
		return boom
	})

	zeta0 := uniformStart(g, tr, 5e4)
	ok, _, _, err := solver.Solve(context.Background(), zeta0, obs)
	assert.False(t, ok)
	require.Error(t, err)
	var lstErr *invssa.ListenerError
	assert.ErrorAs(t, err, &lstErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, invssa.StateFailed, solver.State())
	assert.Equal(t, invssa.ReasonListenerFailed, solver.ConvergedReason())
}

func TestSolveLinearListenersFireForIGN(t *testing.T) {
	g := testGrid(t, 5, 5)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.IGN
	cfg.RMSTarget = 1e-4
	cfg.MaxIterations = 50

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	linear := 0
	solver.AddLinearIterationListener(func(snap invssa.LinearSnapshot) error {
		linear++
		assert.Greater(t, snap.LinearIteration, 0)
		return nil
	})

	zeta0 := uniformStart(g, tr, 5e4)
	ok, _, _, err := solver.Solve(context.Background(), zeta0, obs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, linear, 0, "IGN must report inner CG iterations")
}

func TestSolveMaxIterationsExceeded(t *testing.T) {
	g := testGrid(t, 4, 4)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.SD
	cfg.RMSTarget = 1e-12
	cfg.MaxIterations = 3

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	zeta0 := uniformStart(g, tr, 5e4)
	ok, zeta, _, err := solver.Solve(context.Background(), zeta0, obs)
	assert.False(t, ok)
	assert.NoError(t, err, "budget exhaustion carries no underlying error")
	assert.Equal(t, invssa.StateFailed, solver.State())
	assert.Equal(t, invssa.ReasonMaxIterationsExceeded, solver.ConvergedReason())
	assert.NotNil(t, zeta)
}

func TestSolveRestartReproducesUninterruptedRun(t *testing.T) {
	g := testGrid(t, 5, 5)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	run := func(zeta0 *grid.Field, startK, budget int) *grid.Field {
		cfg := invssa.DefaultConfig()
		cfg.Method = invssa.SD // memoryless; restart is exact
		cfg.RMSTarget = 1e-12
		cfg.MaxIterations = budget

		solver, err := invssa.NewSolver(cfg, model, tr)
		require.NoError(t, err)
		solver.SetStartIteration(startK)
		_, zeta, _, err := solver.Solve(context.Background(), zeta0, obs)
		require.NoError(t, err)
		require.NotNil(t, zeta)
		return zeta
	}

	zetaStart := uniformStart(g, tr, 5e4)

	full := run(zetaStart.Copy(), 0, 6)
	half := run(zetaStart.Copy(), 0, 3)
	resumed := run(half, 3, 3)

	assert.Equal(t, full.Data(), resumed.Data(),
		"restart from iteration 3 must be bit-identical to the uninterrupted run")
}

func TestSolveTikhonovConverges(t *testing.T) {
	g := testGrid(t, 5, 5)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.TikhonovLMVM
	cfg.Eta = 1e-6
	cfg.TikhonovAtol = 1e-12
	cfg.TikhonovRtol = 0.5
	cfg.MaxIterations = 200

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	zeta0 := uniformStart(g, tr, 5e4)
	ok, zeta, _, err := solver.Solve(context.Background(), zeta0, obs)
	require.NoError(t, err)
	require.True(t, ok, "expected Tikhonov convergence, got %s", solver.ConvergedReason())
	assert.NotNil(t, zeta)
}

func TestSolveBLMVMKeepsIterateInBounds(t *testing.T) {
	g := testGrid(t, 4, 4)
	tr, model, _, obs := syntheticProblem(t, g, 0)
	tcfg := invssa.DefaultTransformConfig()

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.TikhonovBLMVM
	cfg.Eta = 1e-6
	cfg.TikhonovAtol = 1e-12
	cfg.TikhonovRtol = 0.5
	cfg.MaxIterations = 100

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	zeta0 := uniformStart(g, tr, 5e4)
	_, zeta, _, err := solver.Solve(context.Background(), zeta0, obs)
	require.NoError(t, err)
	require.NotNil(t, zeta)

	lo := tcfg.TaucMin / tcfg.Scale
	hi := tcfg.TaucMax / tcfg.Scale
	for i, v := range zeta.Data() {
		assert.GreaterOrEqualf(t, v, lo, "cell %d below bound", i)
		assert.LessOrEqualf(t, v, hi, "cell %d above bound", i)
	}
}

func TestNewSolverRejectsInvalidConfig(t *testing.T) {
	g := testGrid(t, 4, 4)
	tr, model, _, _ := syntheticProblem(t, g, 0)

	cases := []struct {
		name   string
		mutate func(*invssa.Config)
	}{
		{"zero RMS target", func(c *invssa.Config) { c.RMSTarget = 0 }},
		{"zero iteration budget", func(c *invssa.Config) { c.MaxIterations = 0 }},
		{"IGN theta out of range", func(c *invssa.Config) { c.IGNTheta = 1.5 }},
		{"divergence factor too small", func(c *invssa.Config) { c.DivergenceFactor = 1 }},
		{"bad line search", func(c *invssa.Config) { c.LineSearch.Backtrack = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := invssa.DefaultConfig()
			tc.mutate(&cfg)
			_, err := invssa.NewSolver(cfg, model, tr)
			require.Error(t, err)
			var cfgErr *invssa.InvalidConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}

	t.Run("tikhonov tolerances both zero", func(t *testing.T) {
		cfg := invssa.DefaultConfig()
		cfg.Method = invssa.TikhonovCG
		cfg.TikhonovAtol = 0
		cfg.TikhonovRtol = 0
		_, err := invssa.NewSolver(cfg, model, tr)
		require.Error(t, err)
	})

	t.Run("nil model", func(t *testing.T) {
		_, err := invssa.NewSolver(invssa.DefaultConfig(), nil, tr)
		require.Error(t, err)
	})
}

func TestCheckAdjointTestSupported(t *testing.T) {
	assert.NoError(t, invssa.CheckAdjointTestSupported(invssa.IGN))
	assert.NoError(t, invssa.CheckAdjointTestSupported(invssa.SD))
	assert.NoError(t, invssa.CheckAdjointTestSupported(invssa.NLCG))
	assert.Error(t, invssa.CheckAdjointTestSupported(invssa.TikhonovLMVM))
	assert.Error(t, invssa.CheckAdjointTestSupported(invssa.TikhonovLCL))
}

func TestSolvePrepHook(t *testing.T) {
	g := testGrid(t, 5, 5)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.SD
	cfg.RMSTarget = 1e-9
	cfg.MaxIterations = 3

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	// The hook attaches a listener before the first forward solve.
	iterations := 0
	solver.SetPrepHook(func(s *invssa.Solver) error {
		s.AddIterationListener(func(invssa.Snapshot) error {
			iterations++
			return nil
		})
		return nil
	})

	zeta0 := uniformStart(g, tr, 4e4)
	_, _, _, err = solver.Solve(context.Background(), zeta0, obs)
	require.NoError(t, err)
	assert.Greater(t, iterations, 0, "hook-registered listener never fired")
}

func TestSolvePrepHookErrorAbortsBeforeIterating(t *testing.T) {
	g := testGrid(t, 4, 4)
	tr, model, _, obs := syntheticProblem(t, g, 0)

	cfg := invssa.DefaultConfig()
	cfg.Method = invssa.SD

	solver, err := invssa.NewSolver(cfg, model, tr)
	require.NoError(t, err)

	boom := errors.New("boom")
	solver.SetPrepHook(func(*invssa.Solver) error { return boom })

	ok, zeta, _, err := solver.Solve(context.Background(), uniformStart(g, tr, 4e4), obs)
	assert.False(t, ok)
	assert.Nil(t, zeta)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, invssa.StateInitialized, solver.State())
}

func TestSolveTikhonovResumeKeepsOriginalPrior(t *testing.T) {
	g := testGrid(t, 5, 5)
	tr, model, _, obs := syntheticProblem(t, g, 0)
	zetaStart := uniformStart(g, tr, 3e4)

	newCfg := func(budget int) invssa.Config {
		cfg := invssa.DefaultConfig()
		cfg.Method = invssa.TikhonovLMVM
		cfg.TikhonovAtol = 1e-30
		cfg.TikhonovRtol = 1e-12
		cfg.MaxIterations = budget
		return cfg
	}

	first, err := invssa.NewSolver(newCfg(2), model, tr)
	require.NoError(t, err)
	ok, zeta2, _, err := first.Solve(context.Background(), zetaStart, obs)
	require.NoError(t, err)
	require.False(t, ok, "interrupted run must stop on its budget")
	require.NotNil(t, zeta2)

	resume := func(prior *grid.Field) invssa.Snapshot {
		solver, err := invssa.NewSolver(newCfg(1), model, tr)
		require.NoError(t, err)
		solver.SetStartIteration(2)
		if prior != nil {
			solver.SetPrior(prior)
		}
		var snap invssa.Snapshot
		solver.AddIterationListener(func(s invssa.Snapshot) error {
			snap = s
			return nil
		})
		_, _, _, err = solver.Solve(context.Background(), zeta2, obs)
		require.NoError(t, err)
		require.NotNil(t, snap.Zeta)
		return snap
	}

	restored := resume(zetaStart)
	defaulted := resume(nil)

	// Left to its default the prior becomes the restart iterate, which
	// changes the penalty and with it the step taken from zeta2.
	diff := restored.Zeta.Copy()
	diff.AXPY(-1, defaulted.Zeta)
	assert.Greater(t, diff.Norm2(), 0.0,
		"prior choice did not affect the resumed trajectory")

	// With the original prior the resumed run keeps minimizing the same
	// objective as the interrupted one.
	fn := invssa.NewFunctional(model, obs, newCfg(1).Eta, zetaStart)
	pred, err := model.Solve(context.Background(), restored.Zeta)
	require.NoError(t, err)
	assert.InEpsilon(t, fn.Objective(invssa.TikhonovLMVM, restored.Zeta, pred),
		restored.Objective, 1e-12)
}
