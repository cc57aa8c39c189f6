package grid

import "fmt"

// Grid describes a cell-centred rectangular grid with Nx*Ny cells and
// uniform spacing Dx, Dy in metres. All fields in a computation share one
// Grid instance; field operations panic on a grid mismatch since mixing
// grids is a programming error, not a runtime condition.
type Grid struct {
	Nx, Ny int
	Dx, Dy float64
}

// New creates a grid with the given shape and spacing.
func New(nx, ny int, dx, dy float64) (*Grid, error) {
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("grid shape must be positive, got %dx%d", nx, ny)
	}
	if dx <= 0 || dy <= 0 {
		return nil, fmt.Errorf("grid spacing must be positive, got %gx%g", dx, dy)
	}
	return &Grid{Nx: nx, Ny: ny, Dx: dx, Dy: dy}, nil
}

// Cells returns the number of cells in the grid.
func (g *Grid) Cells() int { return g.Nx * g.Ny }

// Index converts (i,j) cell coordinates to a flat index.
func (g *Grid) Index(i, j int) int { return j*g.Nx + i }

func (g *Grid) check(other *Grid) {
	if g != other {
		panic("grid: operation across distinct grids")
	}
}
