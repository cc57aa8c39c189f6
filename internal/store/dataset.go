package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedbrown/pism/internal/grid"
)

// Well-known variable names shared by datasets, checkpoints and commands.
const (
	VarThickness    = "thk"
	VarSurface      = "usurf"
	VarTauc         = "tauc"
	VarTaucPrior    = "tauc_prior"
	VarTaucTrue     = "tauc_true"
	VarZetaInv      = "zeta_inv"
	VarUObserved    = "u_ssa_observed"
	VarVObserved    = "v_ssa_observed"
	VarUInverted    = "u_ssa_inv"
	VarVInverted    = "v_ssa_inv"
	VarUBC          = "u_ssa_bc"
	VarVBC          = "v_ssa_bc"
	VarDrivingU     = "taud_x"
	VarDrivingV     = "taud_y"
	VarMisfitWeight = "vel_misfit_weight"
	VarFixedMask    = "zeta_fixed_mask"
	VarBCMask       = "bc_mask"
)

// Dataset is the on-disk representation of model state and inverse data:
// a grid plus named scalar fields and masks, serialized as a single JSON
// document. It stands in for the NetCDF state files of the full model.
type Dataset struct {
	Nx      int                  `json:"nx"`
	Ny      int                  `json:"ny"`
	Dx      float64              `json:"dx"`
	Dy      float64              `json:"dy"`
	Scalars map[string][]float64 `json:"scalars"`
	Flags   map[string][]bool    `json:"flags,omitempty"`
}

// NewDataset creates an empty dataset over the given grid.
func NewDataset(g *grid.Grid) *Dataset {
	return &Dataset{
		Nx:      g.Nx,
		Ny:      g.Ny,
		Dx:      g.Dx,
		Dy:      g.Dy,
		Scalars: make(map[string][]float64),
		Flags:   make(map[string][]bool),
	}
}

// LoadDataset reads a dataset from path.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}
	var d Dataset
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse dataset %s: %w", path, err)
	}
	if d.Scalars == nil {
		d.Scalars = make(map[string][]float64)
	}
	if d.Flags == nil {
		d.Flags = make(map[string][]bool)
	}
	return &d, nil
}

// Save writes the dataset atomically (temp file + rename).
func (d *Dataset) Save(path string) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to serialize dataset: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp dataset file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename dataset file: %w", err)
	}
	return nil
}

// Grid builds the grid described by the dataset header.
func (d *Dataset) Grid() (*grid.Grid, error) {
	return grid.New(d.Nx, d.Ny, d.Dx, d.Dy)
}

// Has reports whether a scalar variable is present.
func (d *Dataset) Has(name string) bool {
	_, ok := d.Scalars[name]
	return ok
}

// HasFlags reports whether a mask variable is present.
func (d *Dataset) HasFlags(name string) bool {
	_, ok := d.Flags[name]
	return ok
}

// Field extracts a named scalar field onto g.
func (d *Dataset) Field(g *grid.Grid, name string) (*grid.Field, error) {
	values, ok := d.Scalars[name]
	if !ok {
		return nil, &MissingVariableError{Name: name}
	}
	f, err := grid.FieldFromSlice(g, values)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	return f, nil
}

// VectorField extracts a named (u,v) pair onto g.
func (d *Dataset) VectorField(g *grid.Grid, uname, vname string) (*grid.VectorField, error) {
	u, ok := d.Scalars[uname]
	if !ok {
		return nil, &MissingVariableError{Name: uname}
	}
	v, ok := d.Scalars[vname]
	if !ok {
		return nil, &MissingVariableError{Name: vname}
	}
	f, err := grid.VectorFieldFromSlices(g, u, v)
	if err != nil {
		return nil, fmt.Errorf("variables %s/%s: %w", uname, vname, err)
	}
	return f, nil
}

// Mask extracts a named mask onto g.
func (d *Dataset) Mask(g *grid.Grid, name string) (*grid.Mask, error) {
	flags, ok := d.Flags[name]
	if !ok {
		return nil, &MissingVariableError{Name: name}
	}
	m, err := grid.MaskFromSlice(g, flags)
	if err != nil {
		return nil, fmt.Errorf("mask %s: %w", name, err)
	}
	return m, nil
}

// SetField stores a scalar field under name, copying the data.
func (d *Dataset) SetField(name string, f *grid.Field) {
	values := make([]float64, len(f.Data()))
	copy(values, f.Data())
	d.Scalars[name] = values
}

// SetVectorField stores a vector field under the component names.
func (d *Dataset) SetVectorField(uname, vname string, f *grid.VectorField) {
	u := make([]float64, len(f.U()))
	copy(u, f.U())
	v := make([]float64, len(f.V()))
	copy(v, f.V())
	d.Scalars[uname] = u
	d.Scalars[vname] = v
}

// SetMask stores a mask under name, copying the flags.
func (d *Dataset) SetMask(name string, m *grid.Mask) {
	flags := make([]bool, len(m.Flags()))
	copy(flags, m.Flags())
	d.Flags[name] = flags
}

// MissingVariableError reports a variable absent from a dataset.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return "dataset is missing variable " + e.Name
}
