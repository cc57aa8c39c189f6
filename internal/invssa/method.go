package invssa

import "fmt"

// Method selects the direction strategy used by the iteration controller.
// The set is closed: each method carries its own direction computation and
// its own convergence test family (RMS misfit for the plain methods,
// gradient tolerances for the Tikhonov ones).
type Method int

const (
	// IGN is incomplete Gauss-Newton: an inner conjugate-gradient solve of
	// the linearized normal equations provides the search direction. The
	// inner solve fires linear iteration listeners.
	IGN Method = iota
	// SD is steepest descent on the velocity misfit.
	SD
	// NLCG is Polak-Ribiere nonlinear conjugate gradient on the misfit.
	NLCG
	// TikhonovLMVM minimizes the penalized objective with a limited-memory
	// variable-metric (L-BFGS) direction.
	TikhonovLMVM
	// TikhonovCG minimizes the penalized objective with nonlinear CG.
	TikhonovCG
	// TikhonovBLMVM is TikhonovLMVM with the iterate projected onto the
	// parameter bounds of the transform after each update.
	TikhonovBLMVM
	// TikhonovLCL is TikhonovLMVM with the fixed mask treated as an
	// equality constraint: gradients are projected before entering the
	// variable-metric memory so curvature pairs stay consistent.
	TikhonovLCL
)

var methodNames = map[Method]string{
	IGN:           "ign",
	SD:            "sd",
	NLCG:          "nlcg",
	TikhonovLMVM:  "tikhonov_lmvm",
	TikhonovCG:    "tikhonov_cg",
	TikhonovBLMVM: "tikhonov_blmvm",
	TikhonovLCL:   "tikhonov_lcl",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// IsTikhonov reports whether the method minimizes the penalized objective.
func (m Method) IsTikhonov() bool {
	switch m {
	case TikhonovLMVM, TikhonovCG, TikhonovBLMVM, TikhonovLCL:
		return true
	}
	return false
}

// HasLinearIterations reports whether the method runs inner linear
// sub-iterations that fire linear iteration listeners.
func (m Method) HasLinearIterations() bool { return m == IGN }

// ParseMethod resolves a method name as given on the command line.
func ParseMethod(name string) (Method, error) {
	for m, s := range methodNames {
		if s == name {
			return m, nil
		}
	}
	return 0, &InvalidConfigError{Msg: "unknown inversion method " + name}
}
