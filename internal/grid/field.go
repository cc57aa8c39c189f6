package grid

import "math"

// Field is a scalar field with one value per grid cell, stored row-major.
type Field struct {
	grid *Grid
	data []float64
}

// NewField allocates a zero-valued scalar field on g.
func NewField(g *Grid) *Field {
	return &Field{grid: g, data: make([]float64, g.Cells())}
}

// FieldFromSlice wraps an existing slice as a field. The slice is copied.
func FieldFromSlice(g *Grid, values []float64) (*Field, error) {
	if len(values) != g.Cells() {
		return nil, errShapeMismatch(g, len(values))
	}
	f := NewField(g)
	copy(f.data, values)
	return f, nil
}

// Grid returns the grid the field lives on.
func (f *Field) Grid() *Grid { return f.grid }

// Data returns the backing slice. Callers must not resize it.
func (f *Field) Data() []float64 { return f.data }

// At returns the value at cell (i,j).
func (f *Field) At(i, j int) float64 { return f.data[f.grid.Index(i, j)] }

// Set assigns the value at cell (i,j).
func (f *Field) Set(i, j int, v float64) { f.data[f.grid.Index(i, j)] = v }

// Fill sets every cell to v.
func (f *Field) Fill(v float64) {
	for i := range f.data {
		f.data[i] = v
	}
}

// Copy returns a deep copy of the field.
func (f *Field) Copy() *Field {
	c := NewField(f.grid)
	copy(c.data, f.data)
	return c
}

// CopyFrom overwrites the field with the values of other.
func (f *Field) CopyFrom(other *Field) {
	f.grid.check(other.grid)
	copy(f.data, other.data)
}

// Scale multiplies every cell by alpha.
func (f *Field) Scale(alpha float64) {
	for i := range f.data {
		f.data[i] *= alpha
	}
}

// AXPY adds alpha*other to the field in place.
func (f *Field) AXPY(alpha float64, other *Field) {
	f.grid.check(other.grid)
	for i, v := range other.data {
		f.data[i] += alpha * v
	}
}

// Dot returns the euclidean inner product with other.
func (f *Field) Dot(other *Field) float64 {
	f.grid.check(other.grid)
	var sum float64
	for i, v := range f.data {
		sum += v * other.data[i]
	}
	return sum
}

// Norm2 returns the euclidean norm of the field.
func (f *Field) Norm2() float64 { return math.Sqrt(f.Dot(f)) }

// MaxAbs returns the largest absolute cell value.
func (f *Field) MaxAbs() float64 {
	var m float64
	for _, v := range f.data {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// AllFinite reports whether every cell holds a finite value.
func (f *Field) AllFinite() bool {
	for _, v := range f.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func errShapeMismatch(g *Grid, n int) error {
	return &ShapeError{Want: g.Cells(), Got: n}
}

// ShapeError reports a slice whose length does not match the grid.
type ShapeError struct {
	Want, Got int
}

func (e *ShapeError) Error() string {
	return "grid: slice length does not match grid"
}
