package bleed

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/model"
	"bleedthrough/internal/tiles"
)

var testShape = imageio.Shape{Z: 1, Y: 64, X: 64}

func noise(seed int64, n int, scale float64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = rng.Float64() * scale
	}
	return out
}

func newImage(t *testing.T, dtype imageio.DType, shape imageio.Shape, data []float64) *imageio.MemoryImage {
	t.Helper()
	img, err := imageio.NewMemoryImage(imageio.Metadata{Shape: shape, DType: dtype}, data)
	if err != nil {
		t.Fatalf("new memory image: %v", err)
	}
	return img
}

// mixedChannels builds three float32 channels where channel 1 is an exact
// linear mix of channels 0 and 2.
func mixedChannels(t *testing.T) ([]*imageio.MemoryImage, []model.Bounds) {
	t.Helper()
	size := testShape.Size()
	ch0 := noise(1, size, 1000)
	ch2 := noise(2, size, 1000)
	ch1 := make([]float64, size)
	for i := range ch1 {
		ch1[i] = 0.5*ch0[i] + 0.3*ch2[i]
	}
	images := []*imageio.MemoryImage{
		newImage(t, imageio.Float32, testShape, ch0),
		newImage(t, imageio.Float32, testShape, ch1),
		newImage(t, imageio.Float32, testShape, ch2),
	}
	bounds := []model.Bounds{{Min: 0, Max: 1000}, {Min: 0, Max: 1000}, {Min: 0, Max: 1000}}
	return images, bounds
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TileSize = 32
	cfg.Workers = 2
	cfg.Seed = 7
	return cfg
}

func normalizedConfig(t *testing.T, cfg Config, channels int) Config {
	t.Helper()
	out, err := cfg.Normalize(channels)
	if err != nil {
		t.Fatalf("normalize config: %v", err)
	}
	return out
}

func trainingTiles() []model.TileBox {
	return tiles.Grid(testShape, 32)
}

var errInjected = errors.New("injected failure")

// failingDestination wraps a memory collection and makes the writer of one
// channel fail after a number of successful tile writes.
type failingDestination struct {
	inner   *imageio.MemoryCollection
	channel int
	writes  int
}

func (d *failingDestination) Create(index int, meta imageio.Metadata) (imageio.Writer, string, error) {
	w, path, err := d.inner.Create(index, meta)
	if err != nil || index != d.channel {
		return w, path, err
	}
	return &failingWriter{Writer: w, remaining: d.writes}, path, nil
}

type failingWriter struct {
	imageio.Writer
	mu        sync.Mutex
	remaining int
}

func (w *failingWriter) Write(box model.TileBox, data []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.remaining == 0 {
		return errInjected
	}
	w.remaining--
	return w.Writer.Write(box, data)
}

// failingCollection refuses to open one channel.
type failingCollection struct {
	*imageio.MemoryCollection
	channel int
}

func (c failingCollection) Open(index int) (imageio.Reader, error) {
	if index == c.channel {
		return nil, errInjected
	}
	return c.MemoryCollection.Open(index)
}
