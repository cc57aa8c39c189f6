package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) *FSStore {
	t.Helper()

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store
}

// testCheckpoint creates a checkpoint with plausible inversion state.
func testCheckpoint(runID string) *Checkpoint {
	zeta := make([]float64, 12)
	for i := range zeta {
		zeta[i] = 0.8 + 0.01*float64(i)
	}
	return &Checkpoint{
		RunID:     runID,
		Zeta:      zeta,
		Nx:        4,
		Ny:        3,
		Dx:        1000,
		Dy:        1000,
		Iteration: 17,
		RMSMisfit: 3.2e-6,
		Objective: 1.4e-9,
		Timestamp: time.Now(),
		Config: RunConfig{
			InputPath:   "testdata/input.json",
			Method:      "ign",
			Design:      "ident",
			RMSTargetMA: 100,
			MaxIter:     500,
		},
	}
}

func TestNewFSStoreCreatesBaseDir(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewFSStore(baseDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != baseDir {
		t.Errorf("BaseDir = %s, want %s", store.BaseDir(), baseDir)
	}
	if _, err := os.Stat(baseDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	store := setupTestStore(t)
	cp := testCheckpoint("run-1")

	if err := store.SaveCheckpoint("run-1", cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if loaded.RunID != cp.RunID {
		t.Errorf("RunID = %s, want %s", loaded.RunID, cp.RunID)
	}
	if loaded.Iteration != cp.Iteration {
		t.Errorf("Iteration = %d, want %d", loaded.Iteration, cp.Iteration)
	}
	if len(loaded.Zeta) != len(cp.Zeta) {
		t.Fatalf("Zeta length = %d, want %d", len(loaded.Zeta), len(cp.Zeta))
	}
	for i := range cp.Zeta {
		if loaded.Zeta[i] != cp.Zeta[i] {
			t.Errorf("Zeta[%d] = %g, want %g (restart must be bit-exact)", i, loaded.Zeta[i], cp.Zeta[i])
		}
	}
	if loaded.Config.Method != "ign" {
		t.Errorf("Config.Method = %s, want ign", loaded.Config.Method)
	}
}

func TestSaveOverwritesPreviousCheckpoint(t *testing.T) {
	store := setupTestStore(t)

	first := testCheckpoint("run-1")
	if err := store.SaveCheckpoint("run-1", first); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	second := testCheckpoint("run-1")
	second.Iteration = 42
	if err := store.SaveCheckpoint("run-1", second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := store.LoadCheckpoint("run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if loaded.Iteration != 42 {
		t.Errorf("Iteration = %d, want 42", loaded.Iteration)
	}
}

func TestSaveRejectsInvalidCheckpoint(t *testing.T) {
	store := setupTestStore(t)

	cp := testCheckpoint("run-1")
	cp.Zeta = cp.Zeta[:5] // no longer matches 4x3
	if err := store.SaveCheckpoint("run-1", cp); err == nil {
		t.Fatal("expected save of invalid checkpoint to fail")
	}

	if err := store.SaveCheckpoint("", testCheckpoint("x")); err == nil {
		t.Fatal("expected empty runID to be rejected")
	}
	if err := store.SaveCheckpoint("run-1", nil); err == nil {
		t.Fatal("expected nil checkpoint to be rejected")
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.LoadCheckpoint("no-such-run")
	if err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected *NotFoundError, got %T: %v", err, err)
	}
	if notFound.RunID != "no-such-run" {
		t.Errorf("NotFoundError.RunID = %s", notFound.RunID)
	}
}

func TestListCheckpoints(t *testing.T) {
	store := setupTestStore(t)

	infos, err := store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints on empty store failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("expected empty listing, got %d", len(infos))
	}

	for _, id := range []string{"run-a", "run-b"} {
		if err := store.SaveCheckpoint(id, testCheckpoint(id)); err != nil {
			t.Fatalf("SaveCheckpoint(%s) failed: %v", id, err)
		}
	}

	infos, err = store.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(infos))
	}
	for _, info := range infos {
		if info.Cells != 12 {
			t.Errorf("Info.Cells = %d, want 12", info.Cells)
		}
		if info.Method != "ign" {
			t.Errorf("Info.Method = %s, want ign", info.Method)
		}
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	store := setupTestStore(t)

	if err := store.SaveCheckpoint("run-1", testCheckpoint("run-1")); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	if err := store.DeleteCheckpoint("run-1"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}

	if _, err := os.Stat(store.RunDir("run-1")); !os.IsNotExist(err) {
		t.Error("run directory still exists after delete")
	}

	var notFound *NotFoundError
	if err := store.DeleteCheckpoint("run-1"); !errors.As(err, &notFound) {
		t.Errorf("second delete: expected *NotFoundError, got %v", err)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	store := setupTestStore(t)

	if err := store.SaveCheckpoint("run-1", testCheckpoint("run-1")); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	entries, err := os.ReadDir(store.RunDir("run-1"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
