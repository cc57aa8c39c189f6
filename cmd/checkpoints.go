package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jedbrown/pism/internal/invssa"
	"github.com/jedbrown/pism/internal/store"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage inversion checkpoints",
	Long: `Manage inversion checkpoints including listing and cleaning old runs.
Checkpoints allow resuming long-running inversions from saved state.`,
}

var listCheckpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all available checkpoints",
	Long:  `Display all checkpoints with run ID, method, timestamp, iteration, misfit and size.`,
	RunE:  runListCheckpoints,
}

var cleanCheckpointsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old checkpoints",
	Long: `Delete old checkpoints based on retention policy.
You can keep the most recent N runs or delete runs older than N days.`,
	RunE: runCleanCheckpoints,
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)

	checkpointsCmd.AddCommand(listCheckpointsCmd)
	checkpointsCmd.AddCommand(cleanCheckpointsCmd)

	cleanCheckpointsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the last N runs (0 = keep all)")
	cleanCheckpointsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanCheckpointsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListCheckpoints(cmd *cobra.Command, args []string) error {
	checkpointStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tMETHOD\tTIMESTAMP\tITERATION\tRMS (m/a)\tCELLS\tSIZE")
	fmt.Fprintln(w, "------\t------\t---------\t---------\t---------\t-----\t----")

	for _, info := range infos {
		size, err := dirSize(checkpointStore.RunDir(info.RunID))
		sizeStr := "unknown"
		if err == nil {
			sizeStr = formatBytes(size)
		}

		displayID := info.RunID
		if len(displayID) > 12 {
			displayID = displayID[:12] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1f\t%d\t%s\n",
			displayID,
			info.Method,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Iteration,
			info.RMSMisfit*invssa.SecPerYear,
			info.Cells,
			sizeStr,
		)
	}

	w.Flush()

	fmt.Printf("\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runCleanCheckpoints(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	checkpointStore, err := store.NewFSStore(dataDir)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	infos, err := checkpointStore.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints to clean.")
		return nil
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays)

	if len(toDelete) == 0 {
		fmt.Println("No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		displayID := info.RunID
		if len(displayID) > 12 {
			displayID = displayID[:12] + "..."
		}
		fmt.Printf("  - %s (iteration %d, %s)\n",
			displayID,
			info.Iteration,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		err := checkpointStore.DeleteCheckpoint(info.RunID)
		if err != nil {
			slog.Error("Failed to delete checkpoint", "run_id", info.RunID, "error", err)
			failed++
		} else {
			slog.Info("Deleted checkpoint", "run_id", info.RunID)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion applies the retention policy: runs beyond
// the age limit go first, then the oldest runs beyond the keep count.
func selectCheckpointsForDeletion(infos []store.Info, keepLast int, olderThanDays int) []store.Info {
	var toDelete []store.Info

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, info)
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.Info, len(infos))
		copy(sorted, infos)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})

		numToDelete := len(sorted) - keepLast
		for i := 0; i < numToDelete; i++ {
			found := false
			for _, existing := range toDelete {
				if existing.RunID == sorted[i].RunID {
					found = true
					break
				}
			}
			if !found {
				toDelete = append(toDelete, sorted[i])
			}
		}
	}

	return toDelete
}
