package bleed

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// CoefficientMatrix is the N x 2N mixing matrix. Row i holds the direct
// coefficient of neighbor j at column j and its interaction coefficient at
// column N+j. It is not modified after construction.
type CoefficientMatrix struct {
	n    int
	data *mat.Dense
}

// NewCoefficientMatrix validates and copies rows into a matrix.
func NewCoefficientMatrix(rows [][]float64) (*CoefficientMatrix, error) {
	n := len(rows)
	if n < 2 {
		return nil, fmt.Errorf("coefficient matrix needs at least 2 rows, got %d", n)
	}
	data := mat.NewDense(n, 2*n, nil)
	for i, row := range rows {
		if len(row) != 2*n {
			return nil, fmt.Errorf("coefficient row %d has %d values, want %d", i, len(row), 2*n)
		}
		if !finite(row) {
			return nil, fmt.Errorf("coefficient row %d: %w", i, ErrNumericInstability)
		}
		if row[i] != 0 || row[n+i] != 0 {
			return nil, fmt.Errorf("coefficient row %d has a self coefficient", i)
		}
		data.SetRow(i, row)
	}
	return &CoefficientMatrix{n: n, data: data}, nil
}

// AssembleCoefficients scatters per-channel fits into an n-channel matrix.
// Channels without a fit keep an all-zero row.
func AssembleCoefficients(n int, fits []ChannelFit) (*CoefficientMatrix, error) {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, 2*n)
	}
	seen := make(map[int]bool, len(fits))
	for _, fit := range fits {
		i := fit.Channel
		if i < 0 || i >= n {
			return nil, fmt.Errorf("fit for channel %d outside [0,%d)", i, n)
		}
		if seen[i] {
			return nil, fmt.Errorf("duplicate fit for channel %d", i)
		}
		seen[i] = true
		if len(fit.Coefficients) != 2*len(fit.Neighbors) {
			return nil, fmt.Errorf("channel %d: %d coefficients for %d neighbors", i, len(fit.Coefficients), len(fit.Neighbors))
		}
		k := len(fit.Neighbors)
		for c, j := range fit.Neighbors {
			if j < 0 || j >= n || j == i {
				return nil, fmt.Errorf("channel %d: invalid neighbor %d", i, j)
			}
			rows[i][j] = fit.Coefficients[c]
			rows[i][n+j] = fit.Coefficients[k+c]
		}
	}
	return NewCoefficientMatrix(rows)
}

func (m *CoefficientMatrix) Channels() int { return m.n }

func (m *CoefficientMatrix) At(i, col int) float64 { return m.data.At(i, col) }

func (m *CoefficientMatrix) Direct(i, j int) float64 { return m.data.At(i, j) }

func (m *CoefficientMatrix) Interaction(i, j int) float64 { return m.data.At(i, m.n+j) }

// Row returns a copy of row i.
func (m *CoefficientMatrix) Row(i int) []float64 { return mat.Row(nil, i, m.data) }

func (m *CoefficientMatrix) Rows() [][]float64 {
	out := make([][]float64, m.n)
	for i := range out {
		out[i] = m.Row(i)
	}
	return out
}

// NonZero counts the non-zero entries of row i.
func (m *CoefficientMatrix) NonZero(i int) int {
	count := 0
	for _, v := range m.data.RawRowView(i) {
		if v != 0 {
			count++
		}
	}
	return count
}
