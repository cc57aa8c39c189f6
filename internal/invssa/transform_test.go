package invssa

import (
	"math"
	"testing"

	"github.com/jedbrown/pism/internal/grid"
)

func TestIdentTransformRoundTrip(t *testing.T) {
	tr, err := NewIdentTransform(DefaultTransformConfig())
	if err != nil {
		t.Fatalf("NewIdentTransform failed: %v", err)
	}

	for _, tauc := range []float64{5e2, 1e4, 5e4, 2e6, 5e7} {
		zeta := tr.ToParameter(tauc)
		back := tr.ToPhysical(zeta)
		if math.Abs(back-tauc) > 1e-9*tauc {
			t.Errorf("round trip for tauc=%g gave %g", tauc, back)
		}
	}
}

func TestIdentTransformClampsToBounds(t *testing.T) {
	cfg := DefaultTransformConfig()
	tr, _ := NewIdentTransform(cfg)

	if got := tr.ToPhysical(-5); got != cfg.TaucMin {
		t.Errorf("ToPhysical(-5) = %g, want min %g", got, cfg.TaucMin)
	}
	if got := tr.ToPhysical(1e9); got != cfg.TaucMax {
		t.Errorf("ToPhysical(1e9) = %g, want max %g", got, cfg.TaucMax)
	}
	// The derivative vanishes where the output is pinned at a bound.
	if d := tr.DPhysical(-5); d != 0 {
		t.Errorf("DPhysical at lower clamp = %g, want 0", d)
	}
	if d := tr.DPhysical(1e9); d != 0 {
		t.Errorf("DPhysical at upper clamp = %g, want 0", d)
	}
	if d := tr.DPhysical(1); d != cfg.Scale {
		t.Errorf("DPhysical in interior = %g, want %g", d, cfg.Scale)
	}
}

func TestSquareTransformRoundTrip(t *testing.T) {
	tr, err := NewSquareTransform(DefaultTransformConfig())
	if err != nil {
		t.Fatalf("NewSquareTransform failed: %v", err)
	}

	for _, tauc := range []float64{1e3, 1e4, 5e4, 2e6} {
		zeta := tr.ToParameter(tauc)
		back := tr.ToPhysical(zeta)
		if math.Abs(back-tauc) > 1e-9*tauc {
			t.Errorf("round trip for tauc=%g gave %g", tauc, back)
		}
	}
}

func TestSquareTransformPositiveForAnyZeta(t *testing.T) {
	tr, _ := NewSquareTransform(DefaultTransformConfig())

	for _, zeta := range []float64{-10, -1, 0, 1, 10} {
		if tauc := tr.ToPhysical(zeta); tauc <= 0 {
			t.Errorf("ToPhysical(%g) = %g, want positive", zeta, tauc)
		}
	}
}

func TestNewTransformSelection(t *testing.T) {
	cfg := DefaultTransformConfig()

	if _, err := NewTransform("", cfg); err != nil {
		t.Errorf("empty name should default to ident: %v", err)
	}
	if _, err := NewTransform("square", cfg); err != nil {
		t.Errorf("square should be accepted: %v", err)
	}
	if _, err := NewTransform("cubic", cfg); err == nil {
		t.Error("unknown name should be rejected")
	}
}

func TestTransformConfigValidation(t *testing.T) {
	bad := DefaultTransformConfig()
	bad.Scale = 0
	if _, err := NewIdentTransform(bad); err == nil {
		t.Error("zero scale should be rejected")
	}

	bad = DefaultTransformConfig()
	bad.TaucMax = bad.TaucMin
	if _, err := NewIdentTransform(bad); err == nil {
		t.Error("empty bound interval should be rejected")
	}
}

func TestFieldTransformHelpers(t *testing.T) {
	g, _ := grid.New(2, 2, 1000, 1000)
	tr, _ := NewIdentTransform(DefaultTransformConfig())

	tauc, _ := grid.FieldFromSlice(g, []float64{1e4, 5e4, 1e5, 1e6})
	zeta := grid.NewField(g)
	ToParameterField(tr, tauc, zeta)

	back := grid.NewField(g)
	ToPhysicalField(tr, zeta, back)

	for i, want := range tauc.Data() {
		if got := back.Data()[i]; math.Abs(got-want) > 1e-9*want {
			t.Errorf("cell %d: round trip gave %g, want %g", i, got, want)
		}
	}
}
