package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/spf13/cobra"

	"github.com/jedbrown/pism/internal/grid"
	"github.com/jedbrown/pism/internal/invssa"
	"github.com/jedbrown/pism/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume an inversion from its checkpoint",
	Long: `Continues an interrupted inversion from its last checkpoint. The input
dataset and run configuration are taken from the checkpoint; the grid
and configuration are verified for compatibility before any solve.

The engine restarts its method from the checkpointed iterate. For the
memoryless methods (sd, ign) this reproduces the uninterrupted run;
the history-carrying methods rebuild their memory from the restart
point.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVarP(&invOutput, "output", "o", "result.json", "Output dataset path")
	resumeCmd.Flags().IntVar(&invMaxIter, "max-iterations", 0, "Override the remaining iteration budget")
	resumeCmd.Flags().IntVar(&invCheckpointEvery, "checkpoint-every", 10, "Checkpoint every N iterations (0 disables)")
	resumeCmd.Flags().BoolVar(&invShowProgress, "progress", false, "Show a progress bar")

	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]

	fsStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return err
	}
	cp, err := fsStore.LoadCheckpoint(runID)
	if err != nil {
		return err
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("checkpoint for run %s is unusable: %w", runID, err)
	}

	runConfig := cp.Config
	if cmd.Flags().Changed("max-iterations") {
		runConfig.MaxIter = invMaxIter
	}

	p, err := loadProblem(runConfig)
	if err != nil {
		return err
	}
	if err := cp.IsCompatible(runConfig, p.grid.Nx, p.grid.Ny); err != nil {
		return fmt.Errorf("cannot resume run %s: %w", runID, err)
	}

	zeta0, err := grid.FieldFromSlice(p.grid, cp.Zeta)
	if err != nil {
		return err
	}

	solver, err := newSolverFor(p, runConfig)
	if err != nil {
		return err
	}
	solver.SetStartIteration(cp.Iteration)

	// The engine defaults the Tikhonov prior to the iterate Solve starts
	// from, which on resume is the checkpoint, not the original initial
	// guess. Restore the dataset-derived guess so the resumed run keeps
	// minimizing the same objective.
	method, err := invssa.ParseMethod(runConfig.Method)
	if err != nil {
		return err
	}
	if method.IsTikhonov() && p.prior == nil {
		solver.SetPrior(p.zeta0)
	}

	trace, err := store.NewTraceWriter(dataDir, runID, true)
	if err != nil {
		return err
	}
	defer trace.Close()

	slog.Info("Resuming inversion", "run_id", runID,
		"iteration", cp.Iteration, "rms_misfit", cp.RMSMisfit,
		"method", runConfig.Method)

	progress := attachInvertListeners(solver, p, runConfig, fsStore, trace, runID)
	progress.rms = cp.RMSMisfit
	progress.objective = cp.Objective

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	ok, zeta, u, solveErr := solver.Solve(ctx, zeta0, p.obs)
	elapsed := time.Since(start)
	if invShowProgress {
		uiprogress.Stop()
	}
	if err := trace.Flush(); err != nil {
		slog.Warn("Failed to flush trace", "error", err)
	}

	if zeta != nil {
		final := store.NewCheckpoint(runID, zeta.Data(),
			p.grid.Nx, p.grid.Ny, p.grid.Dx, p.grid.Dy,
			solver.Iteration(), progress.rms, progress.objective, runConfig)
		if err := fsStore.SaveCheckpoint(runID, final); err != nil {
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

	fmt.Printf("Wrote %s (%s, %d iterations total, %s)\n",
		invOutput, solver.ConvergedReason(), solver.Iteration(), elapsed.Round(time.Millisecond))
	return nil
}
