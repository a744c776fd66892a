// Package regression provides the warm-started linear models used to learn
// per-channel mixing coefficients.
package regression

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrDimension = errors.New("feature and target dimensions differ")
	ErrNonFinite = errors.New("model diverged to non-finite coefficients")
)

// Model is fitted incrementally: every Fit call starts from the coefficients
// left by the previous call on the same instance.
type Model interface {
	Name() string
	Fit(x *mat.Dense, y []float64) error
	Coefficients() []float64
	Intercept() float64
}

func checkDims(x *mat.Dense, y []float64) (int, int, error) {
	rows, cols := x.Dims()
	if rows != len(y) {
		return 0, 0, fmt.Errorf("%w: %d rows, %d targets", ErrDimension, rows, len(y))
	}
	if rows == 0 || cols == 0 {
		return 0, 0, fmt.Errorf("%w: empty design matrix %dx%d", ErrDimension, rows, cols)
	}
	return rows, cols, nil
}

// columns copies the design matrix into per-feature slices.
func columns(x *mat.Dense) [][]float64 {
	_, cols := x.Dims()
	out := make([][]float64, cols)
	for j := range out {
		out[j] = mat.Col(nil, j, x)
	}
	return out
}
