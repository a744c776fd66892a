// Package imageio reads and writes single-channel image volumes by region.
//
// Three backends are provided: TIFF files (decoded whole), the chunked ".btt"
// container (random-access, per-tile compressed) and in-memory images. All of
// them exchange pixels as row-major float64 slices ordered z, y, x and cast to
// the image's native dtype on write with saturation.
package imageio

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"bleedthrough/internal/compress"
	"bleedthrough/internal/model"
)

var (
	ErrOutOfBounds  = errors.New("region outside image bounds")
	ErrClosed       = errors.New("image is closed")
	ErrChecksum     = errors.New("chunk checksum mismatch")
	ErrUnsupported  = errors.New("unsupported image format")
	ErrSampleLength = errors.New("sample count does not match region")
)

type Shape struct {
	Z int `json:"z"`
	Y int `json:"y"`
	X int `json:"x"`
}

func (s Shape) Size() int { return s.Z * s.Y * s.X }

// Box returns the region covering the whole image.
func (s Shape) Box() model.TileBox {
	return model.TileBox{ZMax: s.Z, YMax: s.Y, XMax: s.X}
}

type Metadata struct {
	Shape       Shape                `json:"shape"`
	DType       DType                `json:"dtype"`
	Compression compress.Compression `json:"compression,omitempty"`
	TileSize    int                  `json:"tile_size,omitempty"`
}

func (m Metadata) Validate() error {
	if m.Shape.Z <= 0 || m.Shape.Y <= 0 || m.Shape.X <= 0 {
		return fmt.Errorf("invalid image shape %+v", m.Shape)
	}
	if _, err := ParseDType(string(m.DType)); err != nil {
		return err
	}
	return nil
}

// Reader provides random-access region reads of one channel image.
type Reader interface {
	Metadata() Metadata
	Read(box model.TileBox) ([]float64, error)
	Close() error
}

// Writer accepts region writes. Commit publishes the image; Abort discards
// everything written so far and leaves no artifact behind.
type Writer interface {
	Metadata() Metadata
	Write(box model.TileBox, data []float64) error
	Commit() error
	Abort() error
}

const (
	FormatTIFF  = "tif"
	FormatTiled = "btt"
)

// FormatOf maps a path's extension to a backend name.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return FormatTIFF, nil
	case ".btt":
		return FormatTiled, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
}

// Open opens a channel image for reading, choosing the backend by extension.
func Open(path string) (Reader, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatTIFF:
		return OpenTIFF(path)
	default:
		return OpenTiled(path)
	}
}

// Create opens a writer for a new image at path.
func Create(path string, meta Metadata) (Writer, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatTIFF:
		return CreateTIFF(path, meta)
	default:
		return CreateTiled(path, meta)
	}
}

// Supports reports whether an image described by meta can be written in
// format, without creating anything.
func Supports(format string, meta Metadata) error {
	switch format {
	case FormatTIFF:
		return checkTIFFMetadata(meta)
	case FormatTiled:
		return meta.Validate()
	default:
		return fmt.Errorf("%w: output format %q", ErrUnsupported, format)
	}
}

func checkRegion(shape Shape, box model.TileBox) error {
	if box.Empty() || box.ZMin < 0 || box.YMin < 0 || box.XMin < 0 ||
		box.ZMax > shape.Z || box.YMax > shape.Y || box.XMax > shape.X {
		return fmt.Errorf("%w: %s not within %dx%dx%d", ErrOutOfBounds, box, shape.Z, shape.Y, shape.X)
	}
	return nil
}

func intersect(a, b model.TileBox) (model.TileBox, bool) {
	out := model.TileBox{
		ZMin: max(a.ZMin, b.ZMin),
		ZMax: min(a.ZMax, b.ZMax),
		YMin: max(a.YMin, b.YMin),
		YMax: min(a.YMax, b.YMax),
		XMin: max(a.XMin, b.XMin),
		XMax: min(a.XMax, b.XMax),
	}
	return out, !out.Empty()
}

// copyRegion copies the overlap region from src (laid out over srcBox) into dst
// (laid out over dstBox).
func copyRegion(dst []float64, dstBox model.TileBox, src []float64, srcBox model.TileBox, overlap model.TileBox) {
	width := overlap.Width()
	for z := overlap.ZMin; z < overlap.ZMax; z++ {
		for y := overlap.YMin; y < overlap.YMax; y++ {
			d := offsetOf(dstBox, z, y, overlap.XMin)
			s := offsetOf(srcBox, z, y, overlap.XMin)
			copy(dst[d:d+width], src[s:s+width])
		}
	}
}

func offsetOf(box model.TileBox, z, y, x int) int {
	return ((z-box.ZMin)*box.Height()+(y-box.YMin))*box.Width() + (x - box.XMin)
}
