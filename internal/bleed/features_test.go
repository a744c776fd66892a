package bleed

import (
	"errors"
	"math"
	"testing"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/model"
)

func gradientInputs(t *testing.T) (Input, Input, model.TileBox) {
	t.Helper()
	shape := imageio.Shape{Z: 1, Y: 6, X: 6}
	src := make([]float64, shape.Size())
	nb := make([]float64, shape.Size())
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			src[y*6+x] = float64(x + 1)
			nb[y*6+x] = float64(y*10 + x)
		}
	}
	source := Input{Reader: newImage(t, imageio.Uint16, shape, src), Bounds: model.Bounds{Min: 0, Max: 10}}
	neighbor := Input{Reader: newImage(t, imageio.Uint16, shape, nb), Bounds: model.Bounds{Min: 0, Max: 100}}
	return source, neighbor, shape.Box()
}

func TestFeatureBuilderLayout(t *testing.T) {
	source, neighbor, box := gradientInputs(t)
	b := NewFeatureBuilder(3, 1000, 1)

	feats, err := b.Build(source, []Input{neighbor}, box)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rows, cols := feats.X.Dims()
	if rows != 16 || cols != 10 || feats.Samples() != 16 {
		t.Fatalf("unexpected design matrix %dx%d with %d targets", rows, cols, feats.Samples())
	}

	// Sample 5 is trimmed position (1,1), full-tile position (2,2).
	const r = 5
	if got := feats.Y[r]; math.Abs(got-0.3) > 1e-12 {
		t.Fatalf("target = %v, want 0.3", got)
	}
	for dr := 0; dr < 3; dr++ {
		for dc := 0; dc < 3; dc++ {
			want := float64((1+dr)*10+1+dc) / 100
			if got := feats.X.At(r, dr*3+dc); math.Abs(got-want) > 1e-12 {
				t.Fatalf("offset (%d,%d) = %v, want %v", dr, dc, got, want)
			}
		}
	}
	wantInteraction := math.Sqrt(0.3 * 0.22)
	if got := feats.X.At(r, 9); math.Abs(got-wantInteraction) > 1e-12 {
		t.Fatalf("interaction = %v, want %v", got, wantInteraction)
	}
}

func TestFeatureBuilderInteractionsFiniteNonNegative(t *testing.T) {
	images, bounds := mixedChannels(t)
	b := NewFeatureBuilder(3, 1<<20, 1)
	inputs := []Input{{Reader: images[0], Bounds: bounds[0]}, {Reader: images[2], Bounds: bounds[2]}}

	feats, err := b.Build(Input{Reader: images[1], Bounds: bounds[1]}, inputs, trainingTiles()[0])
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	rows, cols := feats.X.Dims()
	if rows != 30*30 || cols != 2*9+2 {
		t.Fatalf("unexpected dims %dx%d", rows, cols)
	}
	for r := 0; r < rows; r++ {
		for c := 18; c < cols; c++ {
			v := feats.X.At(r, c)
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				t.Fatalf("interaction (%d,%d) = %v", r, c, v)
			}
		}
	}
}

func TestFeatureBuilderSubsamplesDeterministically(t *testing.T) {
	source, neighbor, box := gradientInputs(t)

	first, err := NewFeatureBuilder(3, 5, 42).Build(source, []Input{neighbor}, box)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := NewFeatureBuilder(3, 5, 42).Build(source, []Input{neighbor}, box)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first.Samples() != 5 {
		t.Fatalf("expected 5 samples under budget, got %d", first.Samples())
	}
	for r := 0; r < 5; r++ {
		for c := 0; c < 10; c++ {
			if first.X.At(r, c) != second.X.At(r, c) {
				t.Fatalf("same seed produced different features at (%d,%d)", r, c)
			}
		}
	}
}

func TestFeatureBuilderSmallTileYieldsNoSamples(t *testing.T) {
	source, neighbor, _ := gradientInputs(t)
	feats, err := NewFeatureBuilder(3, 100, 1).Build(source, []Input{neighbor}, model.TileBox{ZMax: 1, YMin: 4, YMax: 6, XMin: 4, XMax: 6})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if feats.Samples() != 0 || feats.X != nil {
		t.Fatalf("expected no samples, got %d", feats.Samples())
	}
}

func TestFeatureBuilderDegenerateBounds(t *testing.T) {
	source, neighbor, box := gradientInputs(t)
	neighbor.Bounds = model.Bounds{Min: 7, Max: 7}
	_, err := NewFeatureBuilder(3, 100, 1).Build(source, []Input{neighbor}, box)
	if !errors.Is(err, ErrDegenerateChannel) {
		t.Fatalf("expected ErrDegenerateChannel, got %v", err)
	}
}

func TestNormalizeClips(t *testing.T) {
	values := []float64{-5, 0, 50, 100, 150, math.Inf(1)}
	normalize(values, model.Bounds{Min: 0, Max: 100})
	want := []float64{0, 0, 0.5, 1, 1}
	for i, w := range want {
		if values[i] != w {
			t.Fatalf("normalized[%d] = %v, want %v", i, values[i], w)
		}
	}
	if !math.IsNaN(values[5]) {
		t.Fatalf("expected infinite input to become NaN, got %v", values[5])
	}
}
