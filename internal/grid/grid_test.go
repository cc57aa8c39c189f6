package grid

import (
	"math"
	"testing"
)

func mustGrid(t *testing.T, nx, ny int) *Grid {
	t.Helper()
	g, err := New(nx, ny, 1000, 1000)
	if err != nil {
		t.Fatalf("New(%d, %d) failed: %v", nx, ny, err)
	}
	return g
}

func TestNewGridValidation(t *testing.T) {
	cases := []struct {
		name   string
		nx, ny int
		dx, dy float64
	}{
		{"zero nx", 0, 4, 1000, 1000},
		{"negative ny", 4, -1, 1000, 1000},
		{"zero dx", 4, 4, 0, 1000},
		{"negative dy", 4, 4, 1000, -5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.nx, tc.ny, tc.dx, tc.dy); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestIndexRowMajor(t *testing.T) {
	g := mustGrid(t, 5, 3)

	if got := g.Index(0, 0); got != 0 {
		t.Errorf("Index(0,0) = %d, want 0", got)
	}
	if got := g.Index(4, 0); got != 4 {
		t.Errorf("Index(4,0) = %d, want 4", got)
	}
	if got := g.Index(0, 1); got != 5 {
		t.Errorf("Index(0,1) = %d, want 5", got)
	}
	if got := g.Index(4, 2); got != g.Cells()-1 {
		t.Errorf("Index(4,2) = %d, want %d", got, g.Cells()-1)
	}
}

func TestFieldAtSetRoundTrip(t *testing.T) {
	g := mustGrid(t, 4, 4)
	f := NewField(g)

	f.Set(2, 3, 42.5)
	if got := f.At(2, 3); got != 42.5 {
		t.Errorf("At(2,3) = %g, want 42.5", got)
	}
	if got := f.Data()[g.Index(2, 3)]; got != 42.5 {
		t.Errorf("Data()[Index(2,3)] = %g, want 42.5", got)
	}
}

func TestFieldFromSliceWrongLength(t *testing.T) {
	g := mustGrid(t, 4, 4)

	if _, err := FieldFromSlice(g, make([]float64, 15)); err == nil {
		t.Fatal("expected error for length mismatch")
	}
}

func TestFieldAXPYAndDot(t *testing.T) {
	g := mustGrid(t, 2, 2)
	x, _ := FieldFromSlice(g, []float64{1, 2, 3, 4})
	y, _ := FieldFromSlice(g, []float64{10, 20, 30, 40})

	y.AXPY(2, x) // y = y + 2x
	want := []float64{12, 24, 36, 48}
	for i, w := range want {
		if y.Data()[i] != w {
			t.Errorf("AXPY: data[%d] = %g, want %g", i, y.Data()[i], w)
		}
	}

	dot := x.Dot(x)
	if dot != 1+4+9+16 {
		t.Errorf("Dot = %g, want 30", dot)
	}
	if norm := x.Norm2(); math.Abs(norm-math.Sqrt(30)) > 1e-15 {
		t.Errorf("Norm2 = %g, want sqrt(30)", norm)
	}
}

func TestFieldCopyIsIndependent(t *testing.T) {
	g := mustGrid(t, 2, 2)
	f, _ := FieldFromSlice(g, []float64{1, 2, 3, 4})

	c := f.Copy()
	c.Set(0, 0, 99)
	if f.At(0, 0) != 1 {
		t.Error("Copy shares storage with original")
	}
}

func TestFieldAllFinite(t *testing.T) {
	g := mustGrid(t, 2, 2)
	f := NewField(g)
	if !f.AllFinite() {
		t.Error("zero field should be finite")
	}
	f.Set(1, 1, math.NaN())
	if f.AllFinite() {
		t.Error("NaN field should not be finite")
	}
	f.Set(1, 1, math.Inf(1))
	if f.AllFinite() {
		t.Error("Inf field should not be finite")
	}
}

func TestMaskZeroAndRestore(t *testing.T) {
	g := mustGrid(t, 3, 1)
	m := NewMask(g)
	m.Set(1, 0, true)

	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}

	f, _ := FieldFromSlice(g, []float64{5, 6, 7})
	m.ZeroMarked(f)
	if f.At(1, 0) != 0 {
		t.Errorf("ZeroMarked: At(1,0) = %g, want 0", f.At(1, 0))
	}
	if f.At(0, 0) != 5 || f.At(2, 0) != 7 {
		t.Error("ZeroMarked touched unmarked cells")
	}

	ref, _ := FieldFromSlice(g, []float64{50, 60, 70})
	m.RestoreMarked(f, ref)
	if f.At(1, 0) != 60 {
		t.Errorf("RestoreMarked: At(1,0) = %g, want 60", f.At(1, 0))
	}
	if f.At(0, 0) != 5 {
		t.Error("RestoreMarked touched unmarked cells")
	}
}

func TestVectorFieldDotCoversBothComponents(t *testing.T) {
	g := mustGrid(t, 2, 1)
	a, _ := VectorFieldFromSlices(g, []float64{1, 0}, []float64{0, 2})
	b, _ := VectorFieldFromSlices(g, []float64{3, 0}, []float64{0, 4})

	if dot := a.Dot(b); dot != 3+8 {
		t.Errorf("Dot = %g, want 11", dot)
	}
}

func TestCrossGridOperationPanics(t *testing.T) {
	g1 := mustGrid(t, 2, 2)
	g2 := mustGrid(t, 2, 2)
	a := NewField(g1)
	b := NewField(g2)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on cross-grid AXPY")
		}
	}()
	a.AXPY(1, b)
}
