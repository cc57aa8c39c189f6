package invssa

import (
	"math"

	"github.com/jedbrown/pism/internal/grid"
)

// Transform maps between the unconstrained optimization variable zeta and
// the physical basal yield stress tauc. Implementations are pure; the pair
// (ToPhysical, ToParameter) is nearly inverse: for tauc within
// [TaucMin, TaucMax] the round trip reproduces the input up to truncation
// near zero.
type Transform interface {
	// ToPhysical converts a single zeta value to tauc, enforcing bounds.
	ToPhysical(zeta float64) float64
	// ToParameter converts a single tauc value to zeta.
	ToParameter(tauc float64) float64
	// DPhysical is d(tauc)/d(zeta) at zeta, used for chain-rule products.
	DPhysical(zeta float64) float64
	// ClampParameter projects a zeta value into the range corresponding to
	// the tauc bounds. Used by bound-projecting methods.
	ClampParameter(zeta float64) float64
}

// TransformConfig holds the shared constants of the concrete transforms.
type TransformConfig struct {
	TaucMin float64 // Pa
	TaucMax float64 // Pa
	Scale   float64 // Pa, magnitude of a typical yield stress
	Eps     float64 // Pa, truncation floor near zero
}

// DefaultTransformConfig mirrors the constants the inversion driver sets:
// tauc in [5e2, 5e7] Pa with a 5e4 Pa scale.
func DefaultTransformConfig() TransformConfig {
	return TransformConfig{
		TaucMin: 5e2,
		TaucMax: 5e7,
		Scale:   5e4,
		Eps:     50,
	}
}

func (c TransformConfig) validate() error {
	if c.Scale <= 0 {
		return &InvalidConfigError{Msg: "transform scale must be positive"}
	}
	if c.TaucMin < 0 || c.TaucMax <= c.TaucMin {
		return &InvalidConfigError{Msg: "transform bounds must satisfy 0 <= min < max"}
	}
	return nil
}

// IdentTransform is the linear transform tauc = scale*zeta with clipping to
// the configured bounds.
type IdentTransform struct {
	cfg TransformConfig
}

// NewIdentTransform builds the identity transform.
func NewIdentTransform(cfg TransformConfig) (*IdentTransform, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &IdentTransform{cfg: cfg}, nil
}

func (t *IdentTransform) ToPhysical(zeta float64) float64 {
	tauc := t.cfg.Scale * zeta
	return clamp(tauc, t.cfg.TaucMin, t.cfg.TaucMax)
}

func (t *IdentTransform) ToParameter(tauc float64) float64 {
	return clamp(tauc, t.cfg.TaucMin, t.cfg.TaucMax) / t.cfg.Scale
}

func (t *IdentTransform) DPhysical(zeta float64) float64 {
	tauc := t.cfg.Scale * zeta
	if tauc <= t.cfg.TaucMin || tauc >= t.cfg.TaucMax {
		return 0
	}
	return t.cfg.Scale
}

func (t *IdentTransform) ClampParameter(zeta float64) float64 {
	return clamp(zeta, t.cfg.TaucMin/t.cfg.Scale, t.cfg.TaucMax/t.cfg.Scale)
}

// SquareTransform is tauc = scale*zeta^2 + eps, keeping tauc positive for
// any real zeta. ToParameter returns the non-negative root.
type SquareTransform struct {
	cfg TransformConfig
}

// NewSquareTransform builds the square transform.
func NewSquareTransform(cfg TransformConfig) (*SquareTransform, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SquareTransform{cfg: cfg}, nil
}

func (t *SquareTransform) ToPhysical(zeta float64) float64 {
	tauc := t.cfg.Scale*zeta*zeta + t.cfg.Eps
	return clamp(tauc, t.cfg.TaucMin, t.cfg.TaucMax)
}

func (t *SquareTransform) ToParameter(tauc float64) float64 {
	tauc = clamp(tauc, t.cfg.TaucMin, t.cfg.TaucMax)
	arg := (tauc - t.cfg.Eps) / t.cfg.Scale
	if arg <= 0 {
		return 0
	}
	return math.Sqrt(arg)
}

func (t *SquareTransform) DPhysical(zeta float64) float64 {
	tauc := t.cfg.Scale*zeta*zeta + t.cfg.Eps
	if tauc <= t.cfg.TaucMin || tauc >= t.cfg.TaucMax {
		return 0
	}
	return 2 * t.cfg.Scale * zeta
}

func (t *SquareTransform) ClampParameter(zeta float64) float64 {
	limit := math.Sqrt(t.cfg.TaucMax / t.cfg.Scale)
	return clamp(zeta, -limit, limit)
}

// NewTransform selects a transform by its configuration name ("ident" or
// "square").
func NewTransform(name string, cfg TransformConfig) (Transform, error) {
	switch name {
	case "", "ident":
		return NewIdentTransform(cfg)
	case "square":
		return NewSquareTransform(cfg)
	default:
		return nil, &InvalidConfigError{Msg: "unknown tauc parameterization " + name}
	}
}

// ToPhysicalField applies the transform cell-wise, writing tauc into dst.
func ToPhysicalField(t Transform, zeta, dst *grid.Field) {
	zd, dd := zeta.Data(), dst.Data()
	for i, z := range zd {
		dd[i] = t.ToPhysical(z)
	}
}

// ToParameterField applies the inverse transform cell-wise, writing zeta
// into dst.
func ToParameterField(t Transform, tauc, dst *grid.Field) {
	td, dd := tauc.Data(), dst.Data()
	for i, v := range td {
		dd[i] = t.ToParameter(v)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
