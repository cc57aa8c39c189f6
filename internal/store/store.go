package store

// Store defines the interface for checkpoint persistence operations.
// Implementations must be safe for concurrent use.
//
// Error handling conventions:
//   - Return nil on success
//   - Return *NotFoundError if the checkpoint doesn't exist (Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveCheckpoint atomically saves a checkpoint for the given run,
	// overwriting any previous checkpoint for the same runID.
	SaveCheckpoint(runID string, checkpoint *Checkpoint) error

	// LoadCheckpoint retrieves the checkpoint for the given run.
	LoadCheckpoint(runID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for all available checkpoints.
	ListCheckpoints() ([]Info, error)

	// DeleteCheckpoint removes the checkpoint and associated artifacts.
	DeleteCheckpoint(runID string) error
}

// NotFoundError reports a missing checkpoint.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return "checkpoint not found for run " + e.RunID
}
