package store

import (
	"fmt"
	"time"
)

// RunConfig holds the configuration of an inversion run (checkpoint copy).
// Kept here rather than in the server package to avoid import cycles.
type RunConfig struct {
	InputPath    string  `json:"inputPath"`
	Method       string  `json:"method"`
	Design       string  `json:"designParam,omitempty"` // zeta->tauc transform, "ident" or "square"
	RMSTargetMA  float64 `json:"rmsTargetMPerYear,omitempty"` // m/year, the CLI unit
	Eta          float64 `json:"eta,omitempty"`
	Atol         float64 `json:"tikhonovAtol,omitempty"`
	Rtol         float64 `json:"tikhonovRtol,omitempty"`
	MaxIter      int     `json:"maxIterations"`
	UseFixedMask bool    `json:"useZetaFixedMask,omitempty"`
	UseTaucPrior bool    `json:"useTaucPrior,omitempty"`
}

// Checkpoint is the persisted restart state of an inversion: the latest
// parameter field under its well-known name plus enough metadata to verify
// that a resume is compatible.
//
// The engine's method memory (conjugate directions, variable-metric pairs)
// is NOT saved; a resumed run restarts its method from the checkpointed
// iterate. Restart is therefore exact for the memoryless methods (sd, ign)
// and an approximation for the others. The misfit never regresses either
// way, since the iterate itself is preserved bit-exactly.
type Checkpoint struct {
	// RunID identifies the inversion run.
	RunID string `json:"runId"`

	// Zeta is the parameter field at the checkpointed iteration, row-major.
	Zeta []float64 `json:"zeta"`

	// Grid shape and spacing, checked on resume.
	Nx int     `json:"nx"`
	Ny int     `json:"ny"`
	Dx float64 `json:"dx"`
	Dy float64 `json:"dy"`

	// Iteration is the outer iteration count at checkpoint time.
	Iteration int `json:"iteration"`

	// RMSMisfit is the velocity misfit at the checkpoint, m/s.
	RMSMisfit float64 `json:"rmsMisfit"`

	// Objective is the value being minimized at the checkpoint.
	Objective float64 `json:"objective"`

	// Timestamp records when the checkpoint was created.
	Timestamp time.Time `json:"timestamp"`

	// Config is the run configuration, needed for resume validation.
	Config RunConfig `json:"config"`
}

// NewCheckpoint assembles a checkpoint from run state.
func NewCheckpoint(runID string, zeta []float64, nx, ny int, dx, dy float64, iteration int, rms, objective float64, config RunConfig) *Checkpoint {
	return &Checkpoint{
		RunID:     runID,
		Zeta:      zeta,
		Nx:        nx,
		Ny:        ny,
		Dx:        dx,
		Dy:        dy,
		Iteration: iteration,
		RMSMisfit: rms,
		Objective: objective,
		Timestamp: time.Now(),
		Config:    config,
	}
}

// Info is checkpoint metadata without the parameter field, used for
// listing checkpoints without loading large arrays.
type Info struct {
	RunID     string    `json:"runId"`
	Method    string    `json:"method"`
	Iteration int       `json:"iteration"`
	RMSMisfit float64   `json:"rmsMisfit"`
	Objective float64   `json:"objective"`
	Cells     int       `json:"cells"`
	Timestamp time.Time `json:"timestamp"`
}

// ToInfo strips the parameter data from a checkpoint.
func (c *Checkpoint) ToInfo() Info {
	return Info{
		RunID:     c.RunID,
		Method:    c.Config.Method,
		Iteration: c.Iteration,
		RMSMisfit: c.RMSMisfit,
		Objective: c.Objective,
		Cells:     len(c.Zeta),
		Timestamp: c.Timestamp,
	}
}

// Validate checks the checkpoint for structural problems before it is
// saved or resumed from.
func (c *Checkpoint) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if len(c.Zeta) == 0 {
		return &ValidationError{Field: "Zeta", Reason: "cannot be empty"}
	}
	if c.Nx <= 0 || c.Ny <= 0 {
		return &ValidationError{Field: "Nx/Ny", Reason: "grid shape must be positive"}
	}
	if len(c.Zeta) != c.Nx*c.Ny {
		return &ValidationError{Field: "Zeta", Reason: fmt.Sprintf("length %d does not match %dx%d grid", len(c.Zeta), c.Nx, c.Ny)}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Config.Method == "" {
		return &ValidationError{Field: "Config.Method", Reason: "cannot be empty"}
	}
	if c.Config.MaxIter <= 0 {
		return &ValidationError{Field: "Config.MaxIter", Reason: "must be positive"}
	}
	return nil
}

// IsCompatible checks whether a resume with the given configuration and
// grid can continue from this checkpoint.
func (c *Checkpoint) IsCompatible(config RunConfig, nx, ny int) error {
	if c.Nx != nx || c.Ny != ny {
		return &CompatibilityError{
			Field:    "grid",
			Expected: fmt.Sprintf("%dx%d", c.Nx, c.Ny),
			Actual:   fmt.Sprintf("%dx%d", nx, ny),
		}
	}
	if c.Config.Method != config.Method {
		return &CompatibilityError{Field: "Method", Expected: c.Config.Method, Actual: config.Method}
	}
	if c.Config.InputPath != config.InputPath {
		return &CompatibilityError{Field: "InputPath", Expected: c.Config.InputPath, Actual: config.InputPath}
	}
	if c.Config.Design != config.Design {
		return &CompatibilityError{Field: "Design", Expected: c.Config.Design, Actual: config.Design}
	}
	return nil
}

// ValidationError reports a structurally invalid checkpoint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// CompatibilityError reports a checkpoint that cannot be resumed with the
// requested configuration.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
