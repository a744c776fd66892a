package imageio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bleedthrough/internal/compress"
)

// Collection is an ordered set of same-shape channel images.
type Collection interface {
	Len() int
	Open(index int) (Reader, error)
}

// Destination creates the output image for a channel and reports where it
// will be published.
type Destination interface {
	Create(index int, meta Metadata) (Writer, string, error)
}

// FileCollection opens channel images from disk in the given order.
type FileCollection struct {
	Paths []string
}

func (c FileCollection) Len() int { return len(c.Paths) }

func (c FileCollection) Open(index int) (Reader, error) {
	if index < 0 || index >= len(c.Paths) {
		return nil, fmt.Errorf("no channel %d in collection of %d", index, len(c.Paths))
	}
	return Open(c.Paths[index])
}

// DirDestination writes one component image per channel into Dir, named after
// the channel's input file with the extension of Format.
type DirDestination struct {
	Dir         string
	Names       []string
	Format      string
	Compression compress.Compression
}

func (d DirDestination) Create(index int, meta Metadata) (Writer, string, error) {
	if index < 0 || index >= len(d.Names) {
		return nil, "", fmt.Errorf("no output name for channel %d", index)
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return nil, "", err
	}
	format := d.Format
	if format == "" {
		format = FormatTiled
	}
	path := filepath.Join(d.Dir, ReplaceExtension(filepath.Base(d.Names[index]), format))
	if format == FormatTiled && d.Compression != "" {
		meta.Compression = d.Compression
	}
	w, err := Create(path, meta)
	if err != nil {
		return nil, "", err
	}
	return w, path, nil
}

// ReplaceExtension swaps a file name's image extension (including the
// two-part ".ome.tif" form) for ext.
func ReplaceExtension(name, ext string) string {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".ome.tiff", ".ome.tif", ".tiff", ".tif", ".btt"} {
		if strings.HasSuffix(lower, suffix) {
			return name[:len(name)-len(suffix)] + "." + ext
		}
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + "." + ext
}
