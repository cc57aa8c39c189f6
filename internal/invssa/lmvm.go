package invssa

import "github.com/jedbrown/pism/internal/grid"

// lmvmMemory is the limited-memory variable-metric (L-BFGS) store used by
// the tikhonov_lmvm family. It keeps the last m (s, y) curvature pairs and
// applies the inverse Hessian approximation with the standard two-loop
// recursion.
type lmvmMemory struct {
	m   int
	s   []*grid.Field
	y   []*grid.Field
	rho []float64
}

func newLMVMMemory(m int) *lmvmMemory {
	if m <= 0 {
		m = 5
	}
	return &lmvmMemory{m: m}
}

// push records a curvature pair. Pairs with non-positive curvature are
// discarded to keep the metric positive definite; a backtracking-only line
// search does not guarantee the curvature condition.
func (l *lmvmMemory) push(s, y *grid.Field) {
	sy := s.Dot(y)
	if sy <= 1e-12*s.Norm2()*y.Norm2() {
		return
	}
	if len(l.s) == l.m {
		l.s = l.s[1:]
		l.y = l.y[1:]
		l.rho = l.rho[1:]
	}
	l.s = append(l.s, s.Copy())
	l.y = append(l.y, y.Copy())
	l.rho = append(l.rho, 1/sy)
}

// apply returns d = -H*g, the variable-metric descent direction.
func (l *lmvmMemory) apply(g *grid.Field) *grid.Field {
	q := g.Copy()
	n := len(l.s)
	alpha := make([]float64, n)

	for i := n - 1; i >= 0; i-- {
		alpha[i] = l.rho[i] * l.s[i].Dot(q)
		q.AXPY(-alpha[i], l.y[i])
	}

	// Initial Hessian scaling gamma = s.y / y.y from the newest pair.
	if n > 0 {
		yy := l.y[n-1].Dot(l.y[n-1])
		if yy > 0 {
			q.Scale(l.s[n-1].Dot(l.y[n-1]) / yy)
		}
	}

	for i := 0; i < n; i++ {
		beta := l.rho[i] * l.y[i].Dot(q)
		q.AXPY(alpha[i]-beta, l.s[i])
	}

	q.Scale(-1)
	return q
}

// reset drops all stored pairs.
func (l *lmvmMemory) reset() {
	l.s, l.y, l.rho = nil, nil, nil
}
