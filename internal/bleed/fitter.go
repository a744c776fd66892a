package bleed

import (
	"context"
	"errors"
	"fmt"
	"math"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/model"
	"bleedthrough/internal/regression"
)

// ChannelFit is the reduced result of fitting one channel: for each neighbor
// a direct coefficient, then for each neighbor an interaction coefficient.
type ChannelFit struct {
	Channel      int
	Neighbors    []int
	Coefficients []float64
	Intercept    float64
	TilesFitted  int
	Samples      int
	Features     int
}

// FitChannel fits one warm-started model over the selected tiles in order and
// reduces its weights to 2*len(neighbors) coefficients. cfg must already be
// normalized for the channel count.
func FitChannel(ctx context.Context, cfg Config, channels imageio.Collection, bounds []model.Bounds, selected []model.TileBox, channel int) (ChannelFit, error) {
	neighbors := Neighbors(channel, cfg.ChannelOverlap, channels.Len())
	fit := ChannelFit{Channel: channel, Neighbors: neighbors}
	fail := func(tile *model.TileBox, err error) (ChannelFit, error) {
		return fit, channelError(channel, PhaseFit, tile, err)
	}

	if err := checkBounds(bounds[channel]); err != nil {
		return fail(nil, err)
	}
	for _, j := range neighbors {
		if err := checkBounds(bounds[j]); err != nil {
			return fail(nil, fmt.Errorf("neighbor %d: %w", j, err))
		}
	}

	reg, err := regression.New(cfg.Model)
	if err != nil {
		return fail(nil, fmt.Errorf("%w: %w", ErrConfiguration, err))
	}

	source, err := channels.Open(channel)
	if err != nil {
		return fail(nil, ioError("open source", err))
	}
	defer source.Close()
	inputs := make([]Input, len(neighbors))
	for n, j := range neighbors {
		r, err := channels.Open(j)
		if err != nil {
			return fail(nil, ioError(fmt.Sprintf("open neighbor %d", j), err))
		}
		defer r.Close()
		inputs[n] = Input{Reader: r, Bounds: bounds[j]}
	}

	budget := PixelBudget(cfg.MemoryCeiling, cfg.KernelSize, cfg.ChannelOverlap, cfg.TileSize)
	builder := NewFeatureBuilder(cfg.KernelSize, budget, cfg.Seed+int64(channel))
	fit.Features = builder.Columns(len(neighbors))
	for i := range selected {
		tile := selected[i]
		if err := ctx.Err(); err != nil {
			return fail(&tile, err)
		}
		feats, err := builder.Build(Input{Reader: source, Bounds: bounds[channel]}, inputs, tile)
		if err != nil {
			return fail(&tile, err)
		}
		if feats.Samples() == 0 {
			continue
		}
		if !finite(feats.X.RawMatrix().Data) || !finite(feats.Y) {
			return fail(&tile, ErrNumericInstability)
		}
		if err := reg.Fit(feats.X, feats.Y); err != nil {
			if errors.Is(err, regression.ErrNonFinite) {
				return fail(&tile, fmt.Errorf("%w: %w", ErrNumericInstability, err))
			}
			return fail(&tile, fmt.Errorf("fit %s: %w", reg.Name(), err))
		}
		fit.TilesFitted++
		fit.Samples += feats.Samples()
	}

	weights := reg.Coefficients()
	if !finite(weights) {
		return fail(nil, ErrNumericInstability)
	}
	fit.Coefficients = reduceWeights(weights, len(neighbors), cfg.KernelSize)
	fit.Intercept = reg.Intercept()
	return fit, nil
}

// reduceWeights collapses each neighbor's k*k offset weights into their sum
// and keeps the interaction weights as they are. An unfitted model yields
// zeros.
func reduceWeights(weights []float64, neighbors, kernel int) []float64 {
	out := make([]float64, 2*neighbors)
	kk := kernel * kernel
	if len(weights) != neighbors*kk+neighbors {
		return out
	}
	for n := 0; n < neighbors; n++ {
		for o := 0; o < kk; o++ {
			out[n] += weights[n*kk+o]
		}
		out[neighbors+n] = weights[neighbors*kk+n]
	}
	return out
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
