package invssa

import (
	"math"
	"testing"

	"github.com/jedbrown/pism/internal/grid"
)

func TestLMVMEmptyMemoryIsSteepestDescent(t *testing.T) {
	g, _ := grid.New(2, 1, 1000, 1000)
	mem := newLMVMMemory(5)

	grad, _ := grid.FieldFromSlice(g, []float64{3, -4})
	d := mem.apply(grad)

	if d.Data()[0] != -3 || d.Data()[1] != 4 {
		t.Errorf("apply with empty memory = %v, want -gradient", d.Data())
	}
}

func TestLMVMDirectionIsDescent(t *testing.T) {
	g, _ := grid.New(3, 1, 1000, 1000)
	mem := newLMVMMemory(5)

	// Pairs from a quadratic with Hessian diag(1, 2, 4): y = H s.
	s1, _ := grid.FieldFromSlice(g, []float64{1, 0, 0.5})
	y1, _ := grid.FieldFromSlice(g, []float64{1, 0, 2})
	s2, _ := grid.FieldFromSlice(g, []float64{0, 1, 0.25})
	y2, _ := grid.FieldFromSlice(g, []float64{0, 2, 1})
	mem.push(s1, y1)
	mem.push(s2, y2)

	grad, _ := grid.FieldFromSlice(g, []float64{1, 1, 1})
	d := mem.apply(grad)

	if gd := grad.Dot(d); gd >= 0 {
		t.Errorf("g.d = %g, want negative (descent)", gd)
	}
}

func TestLMVMRecoversExactNewtonStep(t *testing.T) {
	// In 1D a single exact curvature pair determines the Hessian, so the
	// two-loop recursion returns the exact Newton direction -g/h.
	g, _ := grid.New(1, 1, 1000, 1000)
	mem := newLMVMMemory(5)

	h := 4.0
	s, _ := grid.FieldFromSlice(g, []float64{0.5})
	y, _ := grid.FieldFromSlice(g, []float64{0.5 * h})
	mem.push(s, y)

	grad, _ := grid.FieldFromSlice(g, []float64{2})
	d := mem.apply(grad)

	want := -2.0 / h
	if math.Abs(d.Data()[0]-want) > 1e-14 {
		t.Errorf("direction = %g, want %g", d.Data()[0], want)
	}
}

func TestLMVMDiscardsNonPositiveCurvature(t *testing.T) {
	g, _ := grid.New(1, 1, 1000, 1000)
	mem := newLMVMMemory(5)

	s, _ := grid.FieldFromSlice(g, []float64{1})
	y, _ := grid.FieldFromSlice(g, []float64{-1})
	mem.push(s, y)

	if len(mem.s) != 0 {
		t.Error("pair with negative curvature was kept")
	}
}

func TestLMVMBoundsMemory(t *testing.T) {
	g, _ := grid.New(1, 1, 1000, 1000)
	mem := newLMVMMemory(2)

	for i := 1; i <= 5; i++ {
		s, _ := grid.FieldFromSlice(g, []float64{float64(i)})
		y, _ := grid.FieldFromSlice(g, []float64{float64(i)})
		mem.push(s, y)
	}
	if len(mem.s) != 2 {
		t.Errorf("memory holds %d pairs, want 2", len(mem.s))
	}
	// The newest pairs survive.
	if mem.s[1].Data()[0] != 5 {
		t.Errorf("newest pair = %g, want 5", mem.s[1].Data()[0])
	}

	mem.reset()
	if len(mem.s) != 0 {
		t.Error("reset did not drop pairs")
	}
}
