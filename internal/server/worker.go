package server

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jedbrown/pism/internal/forward"
	"github.com/jedbrown/pism/internal/grid"
	"github.com/jedbrown/pism/internal/invssa"
	"github.com/jedbrown/pism/internal/store"
)

// defaultRegEps keeps the sliding law finite where tauc vanishes, Pa.
const defaultRegEps = 100.0

// problem bundles everything runJob builds from a dataset before solving.
type problem struct {
	grid      *grid.Grid
	transform invssa.Transform
	model     *forward.SSAModel
	obs       *invssa.Observations
	zeta0     *grid.Field
	prior     *grid.Field
	fixed     *grid.Mask
}

// buildProblem assembles the inverse problem described by a run config and
// its input dataset.
func buildProblem(cfg store.RunConfig) (*problem, error) {
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

	fwdCfg := forward.Config{RegEps: defaultRegEps}
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

	// The initial iterate comes from tauc (or the prior with UseTaucPrior),
	// pulled back through the design transform.
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

	p := &problem{
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

// solverConfig maps a run config onto the engine configuration.
func solverConfig(cfg store.RunConfig) (invssa.Config, error) {
	method, err := invssa.ParseMethod(cfg.Method)
	if err != nil {
		return invssa.Config{}, err
	}
	sc := invssa.DefaultConfig()
	sc.Method = method
	if cfg.RMSTargetMA > 0 {
		sc.RMSTarget = cfg.RMSTargetMA / invssa.SecPerYear
	}
	if cfg.Eta > 0 {
		sc.Eta = cfg.Eta
	}
	if cfg.Atol > 0 {
		sc.TikhonovAtol = cfg.Atol
	}
	if cfg.Rtol > 0 {
		sc.TikhonovRtol = cfg.Rtol
	}
	if cfg.MaxIter > 0 {
		sc.MaxIterations = cfg.MaxIter
	}
	return sc, nil
}

// runJob executes an inversion job in the background. Checkpoints are saved
// at the configured interval; the result dataset lands in the job's run
// directory on completion.
func runJob(ctx context.Context, jm *JobManager, checkpointStore *store.FSStore, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	}); err != nil {
		return err
	}
	recordJobStarted()

	slog.Info("Starting inversion job", "job_id", jobID,
		"input", job.Config.InputPath, "method", job.Config.Method)

	p, err := buildProblem(job.Config.RunConfig)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	sc, err := solverConfig(job.Config.RunConfig)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	solver, err := invssa.NewSolver(sc, p.model, p.transform)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}
	if p.prior != nil {
		solver.SetPrior(p.prior)
	}
	if p.fixed != nil {
		solver.SetFixedMask(p.fixed)
	}

	trace, err := store.NewTraceWriter(checkpointStore.BaseDir(), jobID, false)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}
	defer trace.Close()

	checkpointInterval := time.Duration(job.Config.CheckpointIntervalSec) * time.Second
	lastCheckpoint := time.Now()
	var lastRMS, lastObjective float64

	solver.AddIterationListener(func(snap invssa.Snapshot) error {
		lastRMS = snap.RMSMisfit
		lastObjective = snap.Objective
		jm.UpdateJob(jobID, func(j *Job) {
			j.Iteration = snap.Iteration
			j.RMSMisfit = snap.RMSMisfit
			j.Objective = snap.Objective
		})
		recordIteration()
		observeRMSMisfit(snap.RMSMisfit)

		jm.broadcaster.Broadcast(ProgressEvent{
			JobID:     jobID,
			State:     StateRunning,
			Iteration: snap.Iteration,
			RMSMisfit: snap.RMSMisfit,
			Objective: snap.Objective,
			Timestamp: time.Now(),
		})

		if err := trace.Write(store.TraceEntry{
			Iteration: snap.Iteration,
			RMSMisfit: snap.RMSMisfit,
			Objective: snap.Objective,
			Step:      snap.Step,
			Timestamp: time.Now(),
		}); err != nil {
			slog.Warn("Failed to write trace entry", "job_id", jobID, "error", err)
		}

		if checkpointInterval > 0 && time.Since(lastCheckpoint) >= checkpointInterval {
			checkpoint := store.NewCheckpoint(jobID, snap.Zeta.Data(),
				p.grid.Nx, p.grid.Ny, p.grid.Dx, p.grid.Dy,
				snap.Iteration, snap.RMSMisfit, snap.Objective, job.Config.RunConfig)
			if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
				slog.Error("Failed to save checkpoint", "job_id", jobID, "error", err)
			} else {
				lastCheckpoint = time.Now()
			}
		}
		return nil
	})

	start := time.Now()
	ok, zeta, u, solveErr := solver.Solve(ctx, p.zeta0, p.obs)
	elapsed := time.Since(start)
	observeSolveDuration(elapsed, solver.State())

	if err := trace.Flush(); err != nil {
		slog.Warn("Failed to flush trace", "job_id", jobID, "error", err)
	}

	// Persist the final iterate whatever the outcome, so a later resume or
	// post-mortem has the last state.
	if zeta != nil {
		checkpoint := store.NewCheckpoint(jobID, zeta.Data(),
			p.grid.Nx, p.grid.Ny, p.grid.Dx, p.grid.Dy,
			solver.Iteration(), lastRMS, lastObjective, job.Config.RunConfig)
		if err := checkpointStore.SaveCheckpoint(jobID, checkpoint); err != nil {
			slog.Error("Failed to save final checkpoint", "job_id", jobID, "error", err)
		}
	}

	endTime := time.Now()
	reason := solver.ConvergedReason()

	if !ok {
		if solver.State() == invssa.StateCancelled {
			markJobCancelled(jm, jobID, reason)
			return solveErr
		}
		if solveErr == nil {
			solveErr = fmt.Errorf("inversion did not converge: %s", reason.String())
		}
		markJobFailedWithReason(jm, jobID, solveErr, reason)
		return solveErr
	}

	if err := writeResult(checkpointStore, jobID, p, zeta, u); err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.Reason = reason.String()
		j.EndTime = &endTime
	})
	recordJobFinished(StateCompleted)

	slog.Info("Inversion job completed", "job_id", jobID,
		"iterations", solver.Iteration(), "elapsed", elapsed,
		"rms_misfit_m_per_year", lastRMS*invssa.SecPerYear)

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:     jobID,
		State:     StateCompleted,
		Iteration: solver.Iteration(),
		RMSMisfit: lastRMS,
		Objective: lastObjective,
		Timestamp: time.Now(),
	})
	return nil
}

// writeResult saves the recovered fields as a dataset in the run directory.
func writeResult(checkpointStore *store.FSStore, jobID string, p *problem, zeta *grid.Field, u *grid.VectorField) error {
	out := store.NewDataset(p.grid)
	out.SetField(store.VarZetaInv, zeta)

	tauc := grid.NewField(p.grid)
	invssa.ToPhysicalField(p.transform, zeta, tauc)
	out.SetField(store.VarTauc, tauc)
	if u != nil {
		out.SetVectorField(store.VarUInverted, store.VarVInverted, u)
	}

	path := filepath.Join(checkpointStore.RunDir(jobID), "result.json")
	if err := out.Save(path); err != nil {
		return fmt.Errorf("failed to write result dataset: %w", err)
	}
	slog.Debug("Result dataset written", "job_id", jobID, "path", path)
	return nil
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	markJobFailedWithReason(jm, jobID, err, invssa.ReasonInProgress)
}

func markJobFailedWithReason(jm *JobManager, jobID string, err error, reason invssa.ConvergenceReason) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		if reason != invssa.ReasonInProgress {
			j.Reason = reason.String()
		}
		j.EndTime = &endTime
	})
	recordJobFinished(StateFailed)
	slog.Error("Inversion job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string, reason invssa.ConvergenceReason) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.Reason = reason.String()
		j.EndTime = &endTime
	})
	recordJobFinished(StateCancelled)
	slog.Info("Inversion job cancelled", "job_id", jobID)
}
