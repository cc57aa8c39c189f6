package grid

import "math"

// VectorField is a two-component (u,v) velocity field over the grid.
type VectorField struct {
	grid *Grid
	u, v []float64
}

// NewVectorField allocates a zero-valued vector field on g.
func NewVectorField(g *Grid) *VectorField {
	return &VectorField{grid: g, u: make([]float64, g.Cells()), v: make([]float64, g.Cells())}
}

// VectorFieldFromSlices wraps u,v component slices. The slices are copied.
func VectorFieldFromSlices(g *Grid, u, v []float64) (*VectorField, error) {
	if len(u) != g.Cells() {
		return nil, errShapeMismatch(g, len(u))
	}
	if len(v) != g.Cells() {
		return nil, errShapeMismatch(g, len(v))
	}
	f := NewVectorField(g)
	copy(f.u, u)
	copy(f.v, v)
	return f, nil
}

// Grid returns the grid the field lives on.
func (f *VectorField) Grid() *Grid { return f.grid }

// U returns the backing slice of the x component.
func (f *VectorField) U() []float64 { return f.u }

// V returns the backing slice of the y component.
func (f *VectorField) V() []float64 { return f.v }

// Copy returns a deep copy of the field.
func (f *VectorField) Copy() *VectorField {
	c := NewVectorField(f.grid)
	copy(c.u, f.u)
	copy(c.v, f.v)
	return c
}

// CopyFrom overwrites the field with the values of other.
func (f *VectorField) CopyFrom(other *VectorField) {
	f.grid.check(other.grid)
	copy(f.u, other.u)
	copy(f.v, other.v)
}

// AXPY adds alpha*other to the field in place.
func (f *VectorField) AXPY(alpha float64, other *VectorField) {
	f.grid.check(other.grid)
	for i := range other.u {
		f.u[i] += alpha * other.u[i]
		f.v[i] += alpha * other.v[i]
	}
}

// Dot returns the euclidean inner product with other, summed over both
// components.
func (f *VectorField) Dot(other *VectorField) float64 {
	f.grid.check(other.grid)
	var sum float64
	for i := range f.u {
		sum += f.u[i]*other.u[i] + f.v[i]*other.v[i]
	}
	return sum
}

// Norm2 returns the euclidean norm of the field.
func (f *VectorField) Norm2() float64 { return math.Sqrt(f.Dot(f)) }

// AllFinite reports whether every component of every cell is finite.
func (f *VectorField) AllFinite() bool {
	for i := range f.u {
		if math.IsNaN(f.u[i]) || math.IsInf(f.u[i], 0) ||
			math.IsNaN(f.v[i]) || math.IsInf(f.v[i], 0) {
			return false
		}
	}
	return true
}
