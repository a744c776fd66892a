package imageio

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/tiff"

	"bleedthrough/internal/model"
)

// TIFFReader serves regions from a single-plane grayscale TIFF. The plane is
// decoded once on open.
type TIFFReader struct {
	path string
	meta Metadata

	mu  sync.RWMutex
	img image.Image
}

var _ Reader = (*TIFFReader)(nil)

func OpenTIFF(path string) (*TIFFReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, err := tiff.Decode(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}

	dtype := Uint16
	if _, ok := img.(*image.Gray); ok {
		dtype = Uint8
	}
	b := img.Bounds()
	return &TIFFReader{
		path: path,
		img:  img,
		meta: Metadata{
			Shape: Shape{Z: 1, Y: b.Dy(), X: b.Dx()},
			DType: dtype,
		},
	}, nil
}

func (r *TIFFReader) Metadata() Metadata { return r.meta }

func (r *TIFFReader) Read(box model.TileBox) ([]float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.img == nil {
		return nil, ErrClosed
	}
	if err := checkRegion(r.meta.Shape, box); err != nil {
		return nil, err
	}

	out := make([]float64, 0, box.Size())
	origin := r.img.Bounds().Min
	for y := box.YMin; y < box.YMax; y++ {
		for x := box.XMin; x < box.XMax; x++ {
			out = append(out, grayAt(r.img, origin.X+x, origin.Y+y))
		}
	}
	return out, nil
}

func (r *TIFFReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.img = nil
	return nil
}

func grayAt(img image.Image, x, y int) float64 {
	switch m := img.(type) {
	case *image.Gray16:
		i := m.PixOffset(x, y)
		return float64(uint16(m.Pix[i])<<8 | uint16(m.Pix[i+1]))
	case *image.Gray:
		return float64(m.Pix[m.PixOffset(x, y)])
	default:
		return float64(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
	}
}

// TIFFWriter accumulates a single plane in memory and encodes it on Commit.
type TIFFWriter struct {
	path string
	meta Metadata

	mu     sync.Mutex
	gray   *image.Gray
	gray16 *image.Gray16
	done   bool
}

var _ Writer = (*TIFFWriter)(nil)

func CreateTIFF(path string, meta Metadata) (*TIFFWriter, error) {
	if err := checkTIFFMetadata(meta); err != nil {
		return nil, err
	}
	rect := image.Rect(0, 0, meta.Shape.X, meta.Shape.Y)
	w := &TIFFWriter{path: path, meta: meta}
	if meta.DType == Uint8 {
		w.gray = image.NewGray(rect)
	} else {
		w.gray16 = image.NewGray16(rect)
	}
	return w, nil
}

// checkTIFFMetadata accepts single-plane uint8 and uint16 images.
func checkTIFFMetadata(meta Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.Shape.Z != 1 {
		return fmt.Errorf("%w: tiff output supports a single plane, got z=%d", ErrUnsupported, meta.Shape.Z)
	}
	if meta.DType != Uint8 && meta.DType != Uint16 {
		return fmt.Errorf("%w: tiff output dtype %s", ErrUnsupported, meta.DType)
	}
	return nil
}

func (w *TIFFWriter) Metadata() Metadata { return w.meta }

func (w *TIFFWriter) Write(box model.TileBox, data []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return ErrClosed
	}
	if err := checkRegion(w.meta.Shape, box); err != nil {
		return err
	}
	if len(data) != box.Size() {
		return fmt.Errorf("%w: %d values for %s", ErrSampleLength, len(data), box)
	}

	i := 0
	for y := box.YMin; y < box.YMax; y++ {
		for x := box.XMin; x < box.XMax; x++ {
			if w.gray != nil {
				w.gray.SetGray(x, y, color.Gray{Y: saturate[uint8](data[i])})
			} else {
				w.gray16.SetGray16(x, y, color.Gray16{Y: saturate[uint16](data[i])})
			}
			i++
		}
	}
	return nil
}

func (w *TIFFWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return ErrClosed
	}
	w.done = true

	var img image.Image = w.gray16
	if w.gray != nil {
		img = w.gray
	}
	w.gray, w.gray16 = nil, nil

	tmp, err := os.CreateTemp(filepath.Dir(w.path), "."+filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(tmp)
	if err := tiff.Encode(buf, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true}); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("encode tiff %s: %w", w.path, err)
	}
	if err := buf.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), w.path)
}

func (w *TIFFWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.done = true
	w.gray, w.gray16 = nil, nil
	return nil
}
