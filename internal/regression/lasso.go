package regression

const (
	LassoName      = "Lasso"
	ElasticNetName = "ElasticNet"

	DefaultAlpha = 1e-4
)

// Lasso is an L1-penalized least-squares model with non-negative
// coefficients. It runs only a few sweeps per Fit, relying on warm starts
// across tiles to converge.
type Lasso struct {
	penalized
}

func NewLasso() *Lasso {
	return &Lasso{penalized{
		name:     LassoName,
		alpha:    DefaultAlpha,
		l1Ratio:  1,
		positive: true,
		maxIter:  10,
		tol:      1e-4,
	}}
}

// ElasticNet mixes L1 and L2 penalties equally and allows signed coefficients.
type ElasticNet struct {
	penalized
}

func NewElasticNet() *ElasticNet {
	return &ElasticNet{penalized{
		name:    ElasticNetName,
		alpha:   DefaultAlpha,
		l1Ratio: 0.5,
		maxIter: 1000,
		tol:     1e-4,
	}}
}
