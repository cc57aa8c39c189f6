package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"

	"github.com/jedbrown/pism/internal/grid"
	"github.com/jedbrown/pism/internal/invssa"
	"github.com/jedbrown/pism/internal/store"
)

var (
	invInput           string
	invOutput          string
	invMethod          string
	invDesign          string
	invRunID           string
	invRMSTarget       float64
	invEta             float64
	invAtol            float64
	invRtol            float64
	invPauseSec        float64
	invMaxIter         int
	invCheckpointEvery int
	invUsePrior        bool
	invUseFixedMask    bool
	invMonitorAdjoint  bool
	invShowProgress    bool
)

var invertCmd = &cobra.Command{
	Use:   "invert",
	Short: "Invert observed velocities for basal yield stress",
	Long: `Runs the inversion: starting from the tauc field in the input dataset
(or the prior with --use-tauc-prior), iterates until the RMS velocity
misfit drops below the target, then writes the recovered tauc, the
parameterization zeta_inv and the modelled velocities to the output
dataset. Progress is checkpointed so an interrupted run can be resumed
with the resume command.`,
	RunE: runInvert,
}

func init() {
	invertCmd.Flags().StringVarP(&invInput, "input", "i", "", "Input dataset path (required)")
	invertCmd.Flags().StringVarP(&invOutput, "output", "o", "result.json", "Output dataset path")
	invertCmd.Flags().StringVar(&invMethod, "method", "ign", "Inversion method: ign, sd, nlcg, tikhonov_lmvm, tikhonov_cg, tikhonov_blmvm, tikhonov_lcl")
	invertCmd.Flags().StringVar(&invDesign, "design", "ident", "Design parameterization: ident or square")
	invertCmd.Flags().StringVar(&invRunID, "run-id", "", "Run ID for checkpoints (default: random UUID)")
	invertCmd.Flags().Float64Var(&invRMSTarget, "rms-target", 100, "Target RMS velocity misfit, m/year")
	invertCmd.Flags().Float64Var(&invEta, "eta", 0, "Tikhonov penalty weight")
	invertCmd.Flags().Float64Var(&invAtol, "tikhonov-atol", 0, "Tikhonov absolute gradient tolerance")
	invertCmd.Flags().Float64Var(&invRtol, "tikhonov-rtol", 0, "Tikhonov relative gradient tolerance")
	invertCmd.Flags().Float64Var(&invPauseSec, "pause", 0, "Seconds to pause between iterations")
	invertCmd.Flags().IntVar(&invMaxIter, "max-iterations", 500, "Outer iteration budget")
	invertCmd.Flags().IntVar(&invCheckpointEvery, "checkpoint-every", 10, "Checkpoint every N iterations (0 disables)")
	invertCmd.Flags().BoolVar(&invUsePrior, "use-tauc-prior", false, "Start from and penalize toward the tauc_prior field")
	invertCmd.Flags().BoolVar(&invUseFixedMask, "use-zeta-fixed-mask", false, "Hold cells marked by zeta_fixed_mask at their initial value")
	invertCmd.Flags().BoolVar(&invMonitorAdjoint, "monitor-adjoint", false, "Report adjoint consistency at every iteration")
	invertCmd.Flags().BoolVar(&invShowProgress, "progress", false, "Show a progress bar")

	invertCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(invertCmd)
}

func runInvert(cmd *cobra.Command, args []string) error {
	runConfig := store.RunConfig{
		InputPath:    invInput,
		Method:       invMethod,
		Design:       invDesign,
		RMSTargetMA:  invRMSTarget,
		Eta:          invEta,
		Atol:         invAtol,
		Rtol:         invRtol,
		MaxIter:      invMaxIter,
		UseFixedMask: invUseFixedMask,
		UseTaucPrior: invUsePrior,
	}

	p, err := loadProblem(runConfig)
	if err != nil {
		return err
	}
	solver, err := newSolverFor(p, runConfig)
	if err != nil {
		return err
	}

	runID := invRunID
	if runID == "" {
		runID = uuid.New().String()
	}
	fsStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return err
	}
	trace, err := store.NewTraceWriter(dataDir, runID, false)
	if err != nil {
		return err
	}
	defer trace.Close()

	slog.Info("Starting inversion", "run_id", runID, "input", invInput,
		"method", invMethod, "cells", p.grid.Cells())

	progress := attachInvertListeners(solver, p, runConfig, fsStore, trace, runID)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	ok, zeta, u, solveErr := solver.Solve(ctx, p.zeta0, p.obs)
	elapsed := time.Since(start)
	if invShowProgress {
		uiprogress.Stop()
	}
	if err := trace.Flush(); err != nil {
		slog.Warn("Failed to flush trace", "error", err)
	}

	// The last iterate is worth keeping even when the solve did not
	// converge; resume picks it up from here.
	if zeta != nil {
		cp := store.NewCheckpoint(runID, zeta.Data(),
			p.grid.Nx, p.grid.Ny, p.grid.Dx, p.grid.Dy,
			solver.Iteration(), progress.rms, progress.objective, runConfig)
		if err := fsStore.SaveCheckpoint(runID, cp); err != nil {
			slog.Warn("Failed to save final checkpoint", "error", err)
		}
	}

	if !ok {
		if solveErr != nil {
			return fmt.Errorf("inversion %s after %d iterations: %w",
				solver.State(), solver.Iteration(), solveErr)
		}
		return fmt.Errorf("inversion %s after %d iterations: %s",
			solver.State(), solver.Iteration(), solver.ConvergedReason())
	}

	if err := writeInversionResult(invOutput, p, zeta, u); err != nil {
		return err
	}

	slog.Info("Inversion converged", "run_id", runID,
		"iterations", solver.Iteration(), "elapsed", elapsed)
	fmt.Printf("Wrote %s (%s, %d iterations, %s)\n",
		invOutput, solver.ConvergedReason(), solver.Iteration(), elapsed.Round(time.Millisecond))
	return nil
}

// runProgress carries the misfit and objective of the last completed
// iteration, so the final checkpoint records where the run actually ended.
type runProgress struct {
	rms       float64
	objective float64
}

// attachInvertListeners wires logging, tracing, checkpointing, the progress
// bar and the optional diagnostics onto the solver.
func attachInvertListeners(solver *invssa.Solver, p *inverseProblem, runConfig store.RunConfig, fsStore *store.FSStore, trace *store.TraceWriter, runID string) *runProgress {
	progress := &runProgress{}
	method, _ := invssa.ParseMethod(runConfig.Method)
	if method.IsTikhonov() {
		solver.AddIterationListener(invssa.LogTikhonovProgress(logger))
	} else {
		solver.AddIterationListener(invssa.LogRMSMisfit(logger))
	}

	solver.AddIterationListener(func(snap invssa.Snapshot) error {
		progress.rms = snap.RMSMisfit
		progress.objective = snap.Objective
		if err := trace.Write(store.TraceEntry{
			Iteration: snap.Iteration,
			RMSMisfit: snap.RMSMisfit,
			Objective: snap.Objective,
			Step:      snap.Step,
			Timestamp: time.Now(),
		}); err != nil {
			slog.Warn("Failed to write trace entry", "error", err)
		}
		if invCheckpointEvery > 0 && snap.Iteration%invCheckpointEvery == 0 {
			cp := store.NewCheckpoint(runID, snap.Zeta.Data(),
				p.grid.Nx, p.grid.Ny, p.grid.Dx, p.grid.Dy,
				snap.Iteration, snap.RMSMisfit, snap.Objective, runConfig)
			if err := fsStore.SaveCheckpoint(runID, cp); err != nil {
				slog.Warn("Failed to save checkpoint", "error", err)
			}
		}
		return nil
	})

	// Keep the output dataset current with the latest iterate so a crash
	// leaves usable partial output behind.
	solver.AddXUpdateListener(func(iteration int, zeta *grid.Field) error {
		if invCheckpointEvery <= 0 || iteration%invCheckpointEvery != 0 {
			return nil
		}
		if err := writeInversionResult(invOutput, p, zeta, nil); err != nil {
			slog.Warn("Failed to write intermediate output", "error", err)
		}
		return nil
	})

	if invShowProgress {
		uiprogress.Start()
		bar := uiprogress.AddBar(invMaxIter).AppendCompleted().PrependElapsed()
		var lastRMS float64
		bar.AppendFunc(func(b *uiprogress.Bar) string {
			return fmt.Sprintf("rms %.1f m/a", lastRMS*invssa.SecPerYear)
		})
		solver.AddIterationListener(func(snap invssa.Snapshot) error {
			lastRMS = snap.RMSMisfit
			bar.Set(snap.Iteration)
			return nil
		})
	}

	if invMonitorAdjoint {
		prior := p.prior
		if prior == nil {
			prior = p.zeta0
		}
		fn := invssa.NewFunctional(p.model, p.obs, invEta, prior)
		d := grid.NewField(p.grid)
		rng := rand.New(rand.NewSource(1))
		data := d.Data()
		for i := range data {
			data[i] = rng.Float64() - 0.5
		}
		if p.fixed != nil {
			p.fixed.ZeroMarked(d)
		}
		solver.AddIterationListener(invssa.MonitorAdjoint(fn, d, 1e-6, logger))
	}

	if invPauseSec > 0 {
		solver.AddIterationListener(invssa.PauseListener(time.Duration(invPauseSec * float64(time.Second))))
	}
	return progress
}
