package grid

// Mask is a boolean field marking a subset of grid cells. It is used for
// the zeta fixed mask (cells where the inversion parameter must not change)
// and for Dirichlet boundary locations. Read-only after construction by
// convention; the solver never mutates masks.
type Mask struct {
	grid *Grid
	set  []bool
}

// NewMask allocates an all-false mask on g.
func NewMask(g *Grid) *Mask {
	return &Mask{grid: g, set: make([]bool, g.Cells())}
}

// MaskFromSlice builds a mask from a flat slice of flags. Copied.
func MaskFromSlice(g *Grid, flags []bool) (*Mask, error) {
	if len(flags) != g.Cells() {
		return nil, errShapeMismatch(g, len(flags))
	}
	m := NewMask(g)
	copy(m.set, flags)
	return m, nil
}

// Grid returns the grid the mask lives on.
func (m *Mask) Grid() *Grid { return m.grid }

// At reports whether cell (i,j) is marked.
func (m *Mask) At(i, j int) bool { return m.set[m.grid.Index(i, j)] }

// Set marks or unmarks cell (i,j).
func (m *Mask) Set(i, j int, marked bool) { m.set[m.grid.Index(i, j)] = marked }

// Flags returns the backing slice of flags.
func (m *Mask) Flags() []bool { return m.set }

// Count returns the number of marked cells.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.set {
		if b {
			n++
		}
	}
	return n
}

// ZeroMarked zeroes the field at every marked cell.
func (m *Mask) ZeroMarked(f *Field) {
	m.grid.check(f.grid)
	for i, b := range m.set {
		if b {
			f.data[i] = 0
		}
	}
}

// RestoreMarked copies values from src into dst at every marked cell,
// leaving unmarked cells untouched.
func (m *Mask) RestoreMarked(dst, src *Field) {
	m.grid.check(dst.grid)
	m.grid.check(src.grid)
	for i, b := range m.set {
		if b {
			dst.data[i] = src.data[i]
		}
	}
}
