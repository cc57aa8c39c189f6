package invssa

import (
	"log/slog"
	"math"
	"time"

	"github.com/jedbrown/pism/internal/grid"
)

// LogRMSMisfit returns an iteration listener that reports the velocity
// misfit in m/year, the unit people read progress in.
func LogRMSMisfit(logger *slog.Logger) IterationListener {
	return func(snap Snapshot) error {
		logger.Info("misfit",
			"iteration", snap.Iteration,
			"rms_m_per_year", snap.RMSMisfit*SecPerYear,
			"step", snap.Step)
		return nil
	}
}

// LogTikhonovProgress returns an iteration listener reporting the penalized
// objective and gradient norm.
func LogTikhonovProgress(logger *slog.Logger) IterationListener {
	return func(snap Snapshot) error {
		logger.Info("tikhonov progress",
			"iteration", snap.Iteration,
			"objective", snap.Objective,
			"grad_norm", snap.GradNorm,
			"rms_m_per_year", snap.RMSMisfit*SecPerYear,
			"step", snap.Step)
		return nil
	}
}

// MonitorAdjoint returns an iteration listener that tracks adjoint accuracy
// during the computation: at every iterate it compares the domain and range
// inner products along the perturbation d. Disagreement is reported as a
// diagnostic, never as a failure.
func MonitorAdjoint(fn *Functional, d *grid.Field, rtol float64, logger *slog.Logger) IterationListener {
	return func(snap Snapshot) error {
		domainIP, rangeIP, err := fn.TestTStar(snap.Zeta, d, snap.Residual)
		if err != nil {
			logger.Warn("adjoint monitor evaluation failed", "iteration", snap.Iteration, "error", err)
			return nil
		}
		logger.Info("adjoint monitor",
			"iteration", snap.Iteration,
			"domain_ip", domainIP,
			"range_ip", rangeIP)
		if rel := RelativeIPError(domainIP, rangeIP); rel > rtol {
			mismatch := &AdjointMismatchError{DomainIP: domainIP, RangeIP: rangeIP, RelErr: rel}
			logger.Warn("adjoint monitor mismatch", "iteration", snap.Iteration, "detail", mismatch.Error())
		}
		return nil
	}
}

// RelativeIPError measures the relative disagreement of the two self-test
// inner products.
func RelativeIPError(domainIP, rangeIP float64) float64 {
	scale := math.Max(math.Abs(domainIP), math.Abs(rangeIP))
	if scale == 0 {
		return 0
	}
	return math.Abs(domainIP-rangeIP) / scale
}

// PauseListener returns an iteration listener that sleeps between
// iterations so a human can watch the run.
func PauseListener(d time.Duration) IterationListener {
	return func(Snapshot) error {
		time.Sleep(d)
		return nil
	}
}
