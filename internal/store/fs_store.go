package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FSStore implements Store using filesystem persistence. Checkpoints live
// under <baseDir>/runs/<runID>/.
//
// Thread-safety: saves use atomic file operations (write temp + rename),
// so no locks are needed; concurrent callers are safe.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a filesystem-backed store, creating baseDir if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the store's root directory.
func (fs *FSStore) BaseDir() string { return fs.baseDir }

// RunDir returns the directory holding a run's checkpoint and trace.
func (fs *FSStore) RunDir(runID string) string {
	return filepath.Join(fs.baseDir, "runs", runID)
}

func (fs *FSStore) checkpointPath(runID string) string {
	return filepath.Join(fs.RunDir(runID), "checkpoint.json")
}

// SaveCheckpoint atomically saves a checkpoint for the given run.
func (fs *FSStore) SaveCheckpoint(runID string, checkpoint *Checkpoint) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}
	if err := checkpoint.Validate(); err != nil {
		return fmt.Errorf("refusing to save checkpoint: %w", err)
	}

	runDir := fs.RunDir(runID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	// Write to a temp file, then rename into place.
	tempPath := fs.checkpointPath(runID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	finalPath := fs.checkpointPath(runID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	slog.Debug("checkpoint saved", "run_id", runID, "iteration", checkpoint.Iteration, "path", finalPath)
	return nil
}

// LoadCheckpoint retrieves the checkpoint for the given run.
func (fs *FSStore) LoadCheckpoint(runID string) (*Checkpoint, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}

	path := fs.checkpointPath(runID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &NotFoundError{RunID: runID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat checkpoint file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}

	slog.Debug("checkpoint loaded", "run_id", runID, "iteration", checkpoint.Iteration)
	return &checkpoint, nil
}

// ListCheckpoints returns metadata for all available checkpoints.
func (fs *FSStore) ListCheckpoints() ([]Info, error) {
	runsDir := filepath.Join(fs.baseDir, "runs")

	if _, err := os.Stat(runsDir); os.IsNotExist(err) {
		return []Info{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat runs directory: %w", err)
	}

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		if _, err := os.Stat(fs.checkpointPath(runID)); os.IsNotExist(err) {
			continue
		}
		checkpoint, err := fs.LoadCheckpoint(runID)
		if err != nil {
			slog.Warn("failed to load checkpoint for listing", "run_id", runID, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}

	return infos, nil
}

// DeleteCheckpoint removes the checkpoint and all associated artifacts.
func (fs *FSStore) DeleteCheckpoint(runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}

	runDir := fs.RunDir(runID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return &NotFoundError{RunID: runID}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}

	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}

	slog.Debug("checkpoint deleted", "run_id", runID, "path", runDir)
	return nil
}
