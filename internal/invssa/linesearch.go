package invssa

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/jedbrown/pism/internal/grid"
)

// LineSearchConfig tunes the backtracking step engine.
type LineSearchConfig struct {
	// InitialStep is the first trial step length each search starts from.
	InitialStep float64
	// SufficientDecrease is the Armijo constant c1 in
	// f(x + a*d) <= f(x) + c1*a*(g.d).
	SufficientDecrease float64
	// Backtrack is the step shrink factor applied after a rejected trial.
	Backtrack float64
	// MaxTrials bounds the number of objective evaluations per search.
	MaxTrials int
	// MinStep aborts the search early once the trial step falls below it.
	MinStep float64
}

// DefaultLineSearchConfig returns the backtracking defaults.
func DefaultLineSearchConfig() LineSearchConfig {
	return LineSearchConfig{
		InitialStep:        1.0,
		SufficientDecrease: 1e-4,
		Backtrack:          0.5,
		MaxTrials:          30,
		MinStep:            1e-14,
	}
}

func (c LineSearchConfig) validate() error {
	if c.InitialStep <= 0 {
		return &InvalidConfigError{Msg: "line search initial step must be positive"}
	}
	if c.SufficientDecrease <= 0 || c.SufficientDecrease >= 1 {
		return &InvalidConfigError{Msg: "line search sufficient decrease must be in (0,1)"}
	}
	if c.Backtrack <= 0 || c.Backtrack >= 1 {
		return &InvalidConfigError{Msg: "line search backtrack factor must be in (0,1)"}
	}
	if c.MaxTrials <= 0 {
		return &InvalidConfigError{Msg: "line search trial budget must be positive"}
	}
	return nil
}

// searchResult is the accepted point returned by a successful search.
type searchResult struct {
	Step      float64
	Zeta      *grid.Field
	Predicted *grid.VectorField
	Objective float64
	Trials    int
}

// objectiveEval evaluates the objective at a trial zeta. It returns the
// predicted velocities alongside the value so the accepted point does not
// need a second forward solve.
type objectiveEval func(ctx context.Context, zeta *grid.Field) (float64, *grid.VectorField, error)

// lineSearch finds a step along dir from zeta0 satisfying the Armijo
// sufficient-decrease condition. The direction must already have its fixed
// components zeroed; gd is the directional derivative g.dir at zeta0.
//
// A *ForwardSolveError at a trial point rejects the trial and shrinks the
// step; any other evaluation error is fatal. Cancellation is polled once
// per trial. If no admissible step is found within MaxTrials the search
// fails with a *LineSearchError; an ascent direction therefore fails within
// the trial budget rather than looping.
func lineSearch(ctx context.Context, cfg LineSearchConfig, eval objectiveEval, zeta0 *grid.Field, dir *grid.Field, f0, gd float64) (*searchResult, error) {
	step := cfg.InitialStep
	trial := zeta0.Copy()

	for trials := 1; trials <= cfg.MaxTrials; trials++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if step < cfg.MinStep {
			break
		}

		trial.CopyFrom(zeta0)
		trial.AXPY(step, dir)

		f, pred, err := eval(ctx, trial)
		if err != nil {
			var fwd *ForwardSolveError
			if errors.As(err, &fwd) {
				slog.Debug("line search trial rejected by forward solve", "step", step, "error", err)
				step *= cfg.Backtrack
				continue
			}
			return nil, err
		}

		if !math.IsNaN(f) && f <= f0+cfg.SufficientDecrease*step*gd {
			return &searchResult{
				Step:      step,
				Zeta:      trial.Copy(),
				Predicted: pred,
				Objective: f,
				Trials:    trials,
			}, nil
		}
		step *= cfg.Backtrack
	}

	return nil, &LineSearchError{Trials: cfg.MaxTrials, Directional: gd}
}
