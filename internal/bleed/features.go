package bleed

import (
	"fmt"
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/mat"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/model"
)

// Features is one tile's training data: a design matrix with k*k shifted
// crops per neighbor followed by one interaction column per neighbor.
type Features struct {
	X *mat.Dense
	Y []float64
}

func (f Features) Samples() int { return len(f.Y) }

// Input pairs a channel reader with the bounds used to normalize it.
type Input struct {
	Reader imageio.Reader
	Bounds model.Bounds
}

type FeatureBuilder struct {
	kernel int
	budget int
	rng    *rand.Rand
}

func NewFeatureBuilder(kernel, budget int, seed int64) *FeatureBuilder {
	return &FeatureBuilder{
		kernel: kernel,
		budget: budget,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Columns is the design-matrix width for the given neighbor count.
func (b *FeatureBuilder) Columns(neighbors int) int {
	return neighbors*b.kernel*b.kernel + neighbors
}

// Build samples training pixels from box. Source pixels are taken from the box
// trimmed by kernel/2 on every Y and X edge so every sample has a full
// neighborhood. A box too small to trim yields zero samples.
func (b *FeatureBuilder) Build(source Input, neighbors []Input, box model.TileBox) (Features, error) {
	if err := checkBounds(source.Bounds); err != nil {
		return Features{}, err
	}
	for _, n := range neighbors {
		if err := checkBounds(n.Bounds); err != nil {
			return Features{}, err
		}
	}

	pad := b.kernel / 2
	trimmed := box.Trim(pad)
	if trimmed.Empty() {
		return Features{}, nil
	}

	src, err := source.Reader.Read(trimmed)
	if err != nil {
		return Features{}, ioError("read source", err)
	}
	normalize(src, source.Bounds)

	indices := b.sample(len(src))
	kk := b.kernel * b.kernel
	cols := b.Columns(len(neighbors))
	data := make([]float64, len(indices)*cols)
	y := make([]float64, len(indices))
	for r, p := range indices {
		y[r] = src[p]
	}

	plane := trimmed.Height() * trimmed.Width()
	fullW := box.Width()
	fullPlane := box.Height() * fullW
	for ni, n := range neighbors {
		tile, err := n.Reader.Read(box)
		if err != nil {
			return Features{}, ioError(fmt.Sprintf("read neighbor %d", ni), err)
		}
		normalize(tile, n.Bounds)

		for r, p := range indices {
			z := p / plane
			yy := (p % plane) / trimmed.Width()
			xx := p % trimmed.Width()
			row := data[r*cols : (r+1)*cols]
			base := z * fullPlane
			for dr := 0; dr < b.kernel; dr++ {
				line := base + (yy+dr)*fullW + xx
				for dc := 0; dc < b.kernel; dc++ {
					row[ni*kk+dr*b.kernel+dc] = tile[line+dc]
				}
			}
			aligned := tile[base+(yy+pad)*fullW+xx+pad]
			row[len(neighbors)*kk+ni] = math.Sqrt(y[r] * aligned)
		}
	}

	if len(indices) == 0 {
		return Features{}, nil
	}
	return Features{X: mat.NewDense(len(indices), cols, data), Y: y}, nil
}

// sample returns the pixel indices used for training, ascending. When the
// tile holds more positions than the budget a uniform subset is drawn.
func (b *FeatureBuilder) sample(positions int) []int {
	if positions <= b.budget {
		out := make([]int, positions)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := b.rng.Perm(positions)[:b.budget]
	slices.Sort(out)
	return out
}

func checkBounds(b model.Bounds) error {
	if !(b.Range() > 0) || math.IsInf(b.Range(), 0) {
		return fmt.Errorf("%w: min %g max %g", ErrDegenerateChannel, b.Min, b.Max)
	}
	return nil
}

// normalize rescales values into [0,1] in place. Non-finite inputs become NaN
// so they surface as numeric instability downstream.
func normalize(values []float64, b model.Bounds) {
	lo, span := b.Min, b.Range()
	for i, v := range values {
		if math.IsInf(v, 0) {
			values[i] = math.NaN()
			continue
		}
		n := (v - lo) / span
		if n < 0 {
			n = 0
		} else if n > 1 {
			n = 1
		}
		values[i] = n
	}
}
