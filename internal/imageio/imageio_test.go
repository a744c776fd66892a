package imageio

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bleedthrough/internal/compress"
	"bleedthrough/internal/model"
)

func ramp(n int, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i) * scale
	}
	return out
}

func TestCastSaturatesWithoutWraparound(t *testing.T) {
	assert.Equal(t, 255.0, Uint8.Cast(300))
	assert.Equal(t, 0.0, Uint8.Cast(-4))
	assert.Equal(t, 12.0, Uint8.Cast(12.9))
	assert.Equal(t, 65535.0, Uint16.Cast(70000))
	assert.Equal(t, 0.0, Uint16.Cast(-1))
	assert.Equal(t, float64(float32(0.1)), Float32.Cast(0.1))
	assert.Equal(t, float64(math.MaxFloat32), Float32.Cast(1e300))
	assert.Equal(t, float64(math.MaxFloat32), Float32.Cast(math.Inf(1)))
	assert.Equal(t, -float64(math.MaxFloat32), Float32.Cast(-1e300))
}

func TestSamplesRoundTrip(t *testing.T) {
	for _, d := range []DType{Uint8, Uint16, Float32} {
		values := Quantize(d, ramp(64, 3.5))
		decoded := make([]float64, len(values))
		require.NoError(t, DecodeSamples(d, EncodeSamples(d, values), decoded), d)
		assert.Equal(t, values, decoded, d)
	}
	assert.ErrorIs(t, DecodeSamples(Uint16, []byte{1, 2, 3}, make([]float64, 2)), ErrSampleLength)
}

func TestMemoryImageReadsRegionAndCounts(t *testing.T) {
	meta := Metadata{Shape: Shape{Z: 1, Y: 4, X: 5}, DType: Uint16}
	img, err := NewMemoryImage(meta, ramp(20, 1))
	require.NoError(t, err)

	got, err := img.Read(model.TileBox{ZMax: 1, YMin: 1, YMax: 3, XMin: 2, XMax: 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8, 12, 13}, got)
	assert.EqualValues(t, 1, img.Reads())

	_, err = img.Read(model.TileBox{ZMax: 1, YMax: 5, XMax: 1})
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestMemoryWriterAbortDiscards(t *testing.T) {
	meta := Metadata{Shape: Shape{Z: 1, Y: 2, X: 2}, DType: Uint8}
	w, err := NewMemoryWriter(meta)
	require.NoError(t, err)
	require.NoError(t, w.Write(meta.Shape.Box(), []float64{1, 2, 3, 400}))
	require.NoError(t, w.Abort())
	assert.Nil(t, w.Image())
	assert.ErrorIs(t, w.Commit(), ErrClosed)
}

func TestTiledRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := Metadata{Shape: Shape{Z: 2, Y: 37, X: 23}, DType: Uint16, TileSize: 8}
	data := Quantize(Uint16, ramp(meta.Shape.Size(), 7.25))

	for _, c := range []compress.Compression{compress.None, compress.Zstd, compress.S2, compress.LZ4} {
		path := filepath.Join(dir, string(c)+".btt")
		meta.Compression = c
		w, err := Create(path, meta)
		require.NoError(t, err)

		// Write in row bands that do not align with the chunk grid.
		for z := 0; z < meta.Shape.Z; z++ {
			for y := 0; y < meta.Shape.Y; y += 5 {
				box := model.TileBox{ZMin: z, ZMax: z + 1, YMin: y, YMax: min(y+5, meta.Shape.Y), XMax: meta.Shape.X}
				band := make([]float64, box.Size())
				copyRegion(band, box, data, meta.Shape.Box(), box)
				require.NoError(t, w.Write(box, band))
			}
		}
		require.NoError(t, w.Commit())

		r, err := Open(path)
		require.NoError(t, err)
		assert.Equal(t, meta.Shape, r.Metadata().Shape)
		assert.Equal(t, c, r.Metadata().Compression)

		all, err := r.Read(meta.Shape.Box())
		require.NoError(t, err)
		assert.Equal(t, data, all, c)

		box := model.TileBox{ZMin: 1, ZMax: 2, YMin: 6, YMax: 19, XMin: 3, XMax: 17}
		part, err := r.Read(box)
		require.NoError(t, err)
		want := make([]float64, box.Size())
		copyRegion(want, box, data, meta.Shape.Box(), box)
		assert.Equal(t, want, part)
		require.NoError(t, r.Close())
	}
}

func TestTiledAbortRemovesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.btt")
	meta := Metadata{Shape: Shape{Z: 1, Y: 16, X: 16}, DType: Uint8, TileSize: 4}

	w, err := CreateTiled(path, meta)
	require.NoError(t, err)
	require.NoError(t, w.Write(model.TileBox{ZMax: 1, YMax: 4, XMax: 16}, make([]float64, 64)))
	require.NoError(t, w.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTiledDetectsCorruptChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.btt")
	meta := Metadata{Shape: Shape{Z: 1, Y: 4, X: 4}, DType: Uint8, TileSize: 4, Compression: compress.None}

	w, err := CreateTiled(path, meta)
	require.NoError(t, err)
	require.NoError(t, w.Write(meta.Shape.Box(), ramp(16, 1)))
	require.NoError(t, w.Commit())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// The single chunk follows the header; flip its last byte.
	chunkEnd := len(raw) - trailerSize - indexEntrySize
	raw[chunkEnd-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	r, err := OpenTiled(path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Read(meta.Shape.Box())
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestTIFFRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plane.tif")
	meta := Metadata{Shape: Shape{Z: 1, Y: 9, X: 11}, DType: Uint16}
	data := Quantize(Uint16, ramp(99, 601))

	w, err := Create(path, meta)
	require.NoError(t, err)
	require.NoError(t, w.Write(meta.Shape.Box(), data))
	require.NoError(t, w.Commit())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, meta.Shape, r.Metadata().Shape)
	assert.Equal(t, Uint16, r.Metadata().DType)

	got, err := r.Read(model.TileBox{ZMax: 1, YMin: 2, YMax: 4, XMin: 0, XMax: 11})
	require.NoError(t, err)
	assert.Equal(t, data[22:44], got)
}

func TestTIFFRejectsVolumes(t *testing.T) {
	_, err := CreateTIFF(filepath.Join(t.TempDir(), "v.tif"), Metadata{Shape: Shape{Z: 3, Y: 2, X: 2}, DType: Uint8})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSupportsMatchesWriters(t *testing.T) {
	plane := Shape{Z: 1, Y: 2, X: 2}
	assert.NoError(t, Supports(FormatTIFF, Metadata{Shape: plane, DType: Uint16}))
	assert.NoError(t, Supports(FormatTiled, Metadata{Shape: plane, DType: Float32}))
	assert.ErrorIs(t, Supports(FormatTIFF, Metadata{Shape: plane, DType: Float32}), ErrUnsupported)
	assert.ErrorIs(t, Supports(FormatTIFF, Metadata{Shape: Shape{Z: 2, Y: 2, X: 2}, DType: Uint8}), ErrUnsupported)
	assert.ErrorIs(t, Supports("png", Metadata{Shape: plane, DType: Uint8}), ErrUnsupported)

	_, err := CreateTIFF(filepath.Join(t.TempDir(), "f.tif"), Metadata{Shape: plane, DType: Float32})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestReplaceExtension(t *testing.T) {
	assert.Equal(t, "r01_c1.btt", ReplaceExtension("r01_c1.ome.tif", FormatTiled))
	assert.Equal(t, "x.tif", ReplaceExtension("x.btt", FormatTIFF))
	assert.Equal(t, "y.btt", ReplaceExtension("y.png", FormatTiled))
}
