package regression

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

const PoissonGLMName = "PoissonGLM"

// maxLinear bounds the linear predictor before exponentiation.
const maxLinear = 700

// PoissonGLM is a log-link generalized linear model minimizing the mean half
// Poisson deviance plus an L2 penalty, solved with L-BFGS. Each Fit starts
// from the previous solution.
type PoissonGLM struct {
	alpha   float64
	maxIter int
	params  []float64 // intercept followed by weights
}

func NewPoissonGLM() *PoissonGLM {
	return &PoissonGLM{alpha: DefaultAlpha, maxIter: 100}
}

func (p *PoissonGLM) Name() string { return PoissonGLMName }

func (p *PoissonGLM) Coefficients() []float64 {
	if len(p.params) == 0 {
		return nil
	}
	return append([]float64(nil), p.params[1:]...)
}

func (p *PoissonGLM) Intercept() float64 {
	if len(p.params) == 0 {
		return 0
	}
	return p.params[0]
}

func (p *PoissonGLM) Fit(x *mat.Dense, y []float64) error {
	n, features, err := checkDims(x, y)
	if err != nil {
		return err
	}
	for _, v := range y {
		if v < 0 {
			return fmt.Errorf("poisson target must be non-negative, got %g", v)
		}
	}
	if len(p.params) != features+1 {
		p.params = make([]float64, features+1)
		p.params[0] = math.Log(math.Max(floats.Sum(y)/float64(n), 1e-12))
	}

	linear := make([]float64, n)
	mu := make([]float64, n)
	predict := func(params []float64) {
		w := mat.NewVecDense(features, params[1:])
		out := mat.NewVecDense(n, linear)
		out.MulVec(x, w)
		for i := range linear {
			linear[i] = math.Min(linear[i]+params[0], maxLinear)
			mu[i] = math.Exp(linear[i])
		}
	}

	problem := optimize.Problem{
		Func: func(params []float64) float64 {
			predict(params)
			loss := 0.0
			for i := range mu {
				loss += mu[i] - y[i]*linear[i]
			}
			w := params[1:]
			return loss/float64(n) + 0.5*p.alpha*floats.Dot(w, w)
		},
		Grad: func(grad, params []float64) {
			predict(params)
			diff := make([]float64, n)
			floats.SubTo(diff, mu, y)
			grad[0] = floats.Sum(diff) / float64(n)
			g := mat.NewVecDense(features, grad[1:])
			g.MulVec(x.T(), mat.NewVecDense(n, diff))
			floats.Scale(1/float64(n), grad[1:])
			floats.AddScaled(grad[1:], p.alpha, params[1:])
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   p.maxIter,
		GradientThreshold: 1e-6,
	}
	result, err := optimize.Minimize(problem, p.params, settings, &optimize.LBFGS{})
	if result == nil {
		return fmt.Errorf("poisson fit: %w", err)
	}
	if err != nil && !errors.Is(err, optimize.ErrLinesearcherFailure) {
		return fmt.Errorf("poisson fit: %w", err)
	}
	if floats.HasNaN(result.X) {
		return ErrNonFinite
	}
	copy(p.params, result.X)
	return nil
}
