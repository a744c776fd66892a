package imageio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"bleedthrough/internal/model"
)

// MemoryImage is an in-memory channel image. It counts region reads so callers
// can observe which channels were touched.
type MemoryImage struct {
	meta  Metadata
	data  []float64
	reads atomic.Int64
}

var _ Reader = (*MemoryImage)(nil)

// NewMemoryImage wraps data laid out z, y, x. Values are cast to the dtype.
func NewMemoryImage(meta Metadata, data []float64) (*MemoryImage, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if len(data) != meta.Shape.Size() {
		return nil, fmt.Errorf("%w: %d values for shape %+v", ErrSampleLength, len(data), meta.Shape)
	}
	pixels := Quantize(meta.DType, append([]float64(nil), data...))
	return &MemoryImage{meta: meta, data: pixels}, nil
}

func (m *MemoryImage) Metadata() Metadata { return m.meta }

func (m *MemoryImage) Read(box model.TileBox) ([]float64, error) {
	if err := checkRegion(m.meta.Shape, box); err != nil {
		return nil, err
	}
	m.reads.Add(1)
	out := make([]float64, box.Size())
	copyRegion(out, box, m.data, m.meta.Shape.Box(), box)
	return out, nil
}

// Close is a no-op; memory images stay readable.
func (m *MemoryImage) Close() error { return nil }

// Reads reports how many region reads have been served.
func (m *MemoryImage) Reads() int64 { return m.reads.Load() }

// Pixels returns a copy of the whole image.
func (m *MemoryImage) Pixels() []float64 {
	return append([]float64(nil), m.data...)
}

// MemoryWriter buffers a full image in memory until Commit.
type MemoryWriter struct {
	mu        sync.Mutex
	meta      Metadata
	data      []float64
	committed *MemoryImage
	aborted   bool
}

var _ Writer = (*MemoryWriter)(nil)

func NewMemoryWriter(meta Metadata) (*MemoryWriter, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &MemoryWriter{meta: meta, data: make([]float64, meta.Shape.Size())}, nil
}

func (w *MemoryWriter) Metadata() Metadata { return w.meta }

func (w *MemoryWriter) Write(box model.TileBox, data []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.data == nil {
		return ErrClosed
	}
	if err := checkRegion(w.meta.Shape, box); err != nil {
		return err
	}
	if len(data) != box.Size() {
		return fmt.Errorf("%w: %d values for %s", ErrSampleLength, len(data), box)
	}
	copyRegion(w.data, w.meta.Shape.Box(), Quantize(w.meta.DType, append([]float64(nil), data...)), box, box)
	return nil
}

func (w *MemoryWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.data == nil {
		return ErrClosed
	}
	w.committed = &MemoryImage{meta: w.meta, data: w.data}
	w.data = nil
	return nil
}

func (w *MemoryWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.data = nil
	w.aborted = true
	return nil
}

// Image returns the committed image, or nil when the writer was aborted or
// never committed.
func (w *MemoryWriter) Image() *MemoryImage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

func (w *MemoryWriter) Aborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted
}

// MemoryCollection serves a fixed set of in-memory channel images and records
// every writer it hands out.
type MemoryCollection struct {
	Images []*MemoryImage

	mu      sync.Mutex
	writers map[int]*MemoryWriter
}

func NewMemoryCollection(images ...*MemoryImage) *MemoryCollection {
	return &MemoryCollection{Images: images, writers: make(map[int]*MemoryWriter)}
}

func (c *MemoryCollection) Len() int { return len(c.Images) }

func (c *MemoryCollection) Open(index int) (Reader, error) {
	if index < 0 || index >= len(c.Images) {
		return nil, fmt.Errorf("channel %d: %w", index, errors.New("no such channel"))
	}
	return c.Images[index], nil
}

func (c *MemoryCollection) Create(index int, meta Metadata) (Writer, string, error) {
	w, err := NewMemoryWriter(meta)
	if err != nil {
		return nil, "", err
	}
	c.mu.Lock()
	c.writers[index] = w
	c.mu.Unlock()
	return w, fmt.Sprintf("memory://component/%d", index), nil
}

// Writer returns the most recent writer created for a channel.
func (c *MemoryCollection) Writer(index int) *MemoryWriter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writers[index]
}
