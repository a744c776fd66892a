package imageio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"

	"bleedthrough/internal/compress"
	"bleedthrough/internal/model"
)

// The .btt container stores an image as a grid of independently compressed
// chunks, one per (z, tile row, tile column):
//
//	magic "BTT1" | u32 header length | JSON header | chunks... | index | u64 index offset | magic "BTTI"
//
// Each index entry is u64 offset, u32 compressed length, u64 xxhash of the
// compressed bytes.
const (
	tiledMagic        = "BTT1"
	tiledTrailerMagic = "BTTI"
	indexEntrySize    = 8 + 4 + 8
	trailerSize       = 8 + 4

	DefaultChunkSize = 512
)

type tiledHeader struct {
	Shape       Shape                `json:"shape"`
	DType       DType                `json:"dtype"`
	Compression compress.Compression `json:"compression"`
	TileSize    int                  `json:"tile_size"`
}

type chunkRef struct {
	offset   uint64
	length   uint32
	checksum uint64
}

type chunkGrid struct {
	shape Shape
	size  int
	rows  int
	cols  int
}

func newChunkGrid(shape Shape, size int) chunkGrid {
	return chunkGrid{
		shape: shape,
		size:  size,
		rows:  (shape.Y + size - 1) / size,
		cols:  (shape.X + size - 1) / size,
	}
}

func (g chunkGrid) count() int { return g.shape.Z * g.rows * g.cols }

func (g chunkGrid) box(idx int) model.TileBox {
	perPlane := g.rows * g.cols
	z := idx / perPlane
	row := (idx % perPlane) / g.cols
	col := idx % g.cols
	return model.TileBox{
		ZMin: z,
		ZMax: z + 1,
		YMin: row * g.size,
		YMax: min((row+1)*g.size, g.shape.Y),
		XMin: col * g.size,
		XMax: min((col+1)*g.size, g.shape.X),
	}
}

// overlapping lists the chunk indices intersecting box, in storage order.
func (g chunkGrid) overlapping(box model.TileBox) []int {
	var out []int
	for z := box.ZMin; z < box.ZMax; z++ {
		for row := box.YMin / g.size; row*g.size < box.YMax; row++ {
			for col := box.XMin / g.size; col*g.size < box.XMax; col++ {
				out = append(out, (z*g.rows+row)*g.cols+col)
			}
		}
	}
	return out
}

// TiledReader serves region reads from a .btt container, decoding only the
// chunks a region overlaps. The most recently decoded chunk is cached.
type TiledReader struct {
	mu     sync.Mutex
	file   *os.File
	meta   Metadata
	grid   chunkGrid
	codec  compress.Codec
	index  []chunkRef
	cached int
	chunk  []float64
}

var _ Reader = (*TiledReader)(nil)

func OpenTiled(path string) (*TiledReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	r, err := newTiledReader(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return r, nil
}

func newTiledReader(file *os.File) (*TiledReader, error) {
	head := make([]byte, len(tiledMagic)+4)
	if _, err := io.ReadFull(file, head); err != nil {
		return nil, err
	}
	if string(head[:4]) != tiledMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrUnsupported)
	}
	headerJSON := make([]byte, binary.LittleEndian.Uint32(head[4:]))
	if _, err := io.ReadFull(file, headerJSON); err != nil {
		return nil, err
	}
	var header tiledHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	meta := Metadata{Shape: header.Shape, DType: header.DType, Compression: header.Compression, TileSize: header.TileSize}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if header.TileSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrUnsupported, header.TileSize)
	}
	codec, err := compress.GetCodec(header.Compression)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	trailer := make([]byte, trailerSize)
	if _, err := file.ReadAt(trailer, info.Size()-trailerSize); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	if string(trailer[8:]) != tiledTrailerMagic {
		return nil, fmt.Errorf("%w: missing index trailer", ErrUnsupported)
	}
	indexOffset := int64(binary.LittleEndian.Uint64(trailer))

	grid := newChunkGrid(header.Shape, header.TileSize)
	raw := make([]byte, grid.count()*indexEntrySize)
	if _, err := file.ReadAt(raw, indexOffset); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	index := make([]chunkRef, grid.count())
	for i := range index {
		entry := raw[i*indexEntrySize:]
		index[i] = chunkRef{
			offset:   binary.LittleEndian.Uint64(entry),
			length:   binary.LittleEndian.Uint32(entry[8:]),
			checksum: binary.LittleEndian.Uint64(entry[12:]),
		}
	}

	return &TiledReader{
		file:   file,
		meta:   meta,
		grid:   grid,
		codec:  codec,
		index:  index,
		cached: -1,
	}, nil
}

func (r *TiledReader) Metadata() Metadata { return r.meta }

func (r *TiledReader) Read(box model.TileBox) ([]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil, ErrClosed
	}
	if err := checkRegion(r.meta.Shape, box); err != nil {
		return nil, err
	}

	out := make([]float64, box.Size())
	for _, idx := range r.grid.overlapping(box) {
		chunkBox := r.grid.box(idx)
		overlap, ok := intersect(box, chunkBox)
		if !ok {
			continue
		}
		chunk, err := r.loadChunk(idx, chunkBox)
		if err != nil {
			return nil, err
		}
		copyRegion(out, box, chunk, chunkBox, overlap)
	}
	return out, nil
}

func (r *TiledReader) loadChunk(idx int, chunkBox model.TileBox) ([]float64, error) {
	if idx == r.cached {
		return r.chunk, nil
	}
	ref := r.index[idx]
	data := make([]byte, ref.length)
	if _, err := r.file.ReadAt(data, int64(ref.offset)); err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", idx, err)
	}
	if xxhash.Sum64(data) != ref.checksum {
		return nil, fmt.Errorf("chunk %d: %w", idx, ErrChecksum)
	}
	raw, err := r.codec.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", idx, err)
	}
	chunk := make([]float64, chunkBox.Size())
	if err := DecodeSamples(r.meta.DType, raw, chunk); err != nil {
		return nil, fmt.Errorf("chunk %d: %w", idx, err)
	}
	r.cached, r.chunk = idx, chunk
	return chunk, nil
}

func (r *TiledReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.chunk = nil, nil
	return err
}

// TiledWriter streams chunks to a temporary file next to the destination.
// A chunk is compressed and flushed as soon as every pixel in it has been
// written; Commit flushes the rest, appends the index and renames the file
// into place. Abort removes the temporary file.
type TiledWriter struct {
	mu      sync.Mutex
	path    string
	meta    Metadata
	grid    chunkGrid
	codec   compress.Codec
	tmp     *os.File
	out     *bufio.Writer
	offset  uint64
	index   []chunkRef
	written []bool
	pending map[int]*pendingChunk
}

type pendingChunk struct {
	data   []float64
	filled int
}

var _ Writer = (*TiledWriter)(nil)

func CreateTiled(path string, meta Metadata) (*TiledWriter, error) {
	if meta.Compression == "" {
		meta.Compression = compress.Zstd
	}
	if meta.TileSize <= 0 {
		meta.TileSize = DefaultChunkSize
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	codec, err := compress.GetCodec(meta.Compression)
	if err != nil {
		return nil, err
	}

	header, err := json.Marshal(tiledHeader{
		Shape:       meta.Shape,
		DType:       meta.DType,
		Compression: meta.Compression,
		TileSize:    meta.TileSize,
	})
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, err
	}
	grid := newChunkGrid(meta.Shape, meta.TileSize)
	w := &TiledWriter{
		path:    path,
		meta:    meta,
		grid:    grid,
		codec:   codec,
		tmp:     tmp,
		out:     bufio.NewWriter(tmp),
		index:   make([]chunkRef, grid.count()),
		written: make([]bool, grid.count()),
		pending: make(map[int]*pendingChunk),
	}

	var prefix bytes.Buffer
	prefix.WriteString(tiledMagic)
	_ = binary.Write(&prefix, binary.LittleEndian, uint32(len(header)))
	prefix.Write(header)
	if err := w.emit(prefix.Bytes()); err != nil {
		_ = w.Abort()
		return nil, err
	}
	return w, nil
}

func (w *TiledWriter) Metadata() Metadata { return w.meta }

func (w *TiledWriter) Write(box model.TileBox, data []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tmp == nil {
		return ErrClosed
	}
	if err := checkRegion(w.meta.Shape, box); err != nil {
		return err
	}
	if len(data) != box.Size() {
		return fmt.Errorf("%w: %d values for %s", ErrSampleLength, len(data), box)
	}

	for _, idx := range w.grid.overlapping(box) {
		if w.written[idx] {
			return fmt.Errorf("chunk %d already flushed: overlapping writes are not supported", idx)
		}
		chunkBox := w.grid.box(idx)
		overlap, ok := intersect(box, chunkBox)
		if !ok {
			continue
		}
		p := w.pending[idx]
		if p == nil {
			p = &pendingChunk{data: make([]float64, chunkBox.Size())}
			w.pending[idx] = p
		}
		copyRegion(p.data, chunkBox, data, box, overlap)
		p.filled += overlap.Size()
		if p.filled >= chunkBox.Size() {
			if err := w.flushChunk(idx, p.data); err != nil {
				return err
			}
			delete(w.pending, idx)
		}
	}
	return nil
}

func (w *TiledWriter) flushChunk(idx int, values []float64) error {
	packed, err := w.codec.Compress(EncodeSamples(w.meta.DType, values))
	if err != nil {
		return fmt.Errorf("compress chunk %d: %w", idx, err)
	}
	w.index[idx] = chunkRef{offset: w.offset, length: uint32(len(packed)), checksum: xxhash.Sum64(packed)}
	w.written[idx] = true
	return w.emit(packed)
}

func (w *TiledWriter) emit(data []byte) error {
	n, err := w.out.Write(data)
	w.offset += uint64(n)
	return err
}

func (w *TiledWriter) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tmp == nil {
		return ErrClosed
	}
	for idx := range w.written {
		if w.written[idx] {
			continue
		}
		data := make([]float64, w.grid.box(idx).Size())
		if p := w.pending[idx]; p != nil {
			data = p.data
		}
		if err := w.flushChunk(idx, data); err != nil {
			return errors.Join(err, w.abortLocked())
		}
	}
	w.pending = nil

	indexOffset := w.offset
	entry := make([]byte, indexEntrySize)
	for _, ref := range w.index {
		binary.LittleEndian.PutUint64(entry, ref.offset)
		binary.LittleEndian.PutUint32(entry[8:], ref.length)
		binary.LittleEndian.PutUint64(entry[12:], ref.checksum)
		if err := w.emit(entry); err != nil {
			return errors.Join(err, w.abortLocked())
		}
	}
	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(trailer, indexOffset)
	copy(trailer[8:], tiledTrailerMagic)
	if err := w.emit(trailer); err != nil {
		return errors.Join(err, w.abortLocked())
	}

	if err := w.out.Flush(); err != nil {
		return errors.Join(err, w.abortLocked())
	}
	tmpName := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		w.tmp = nil
		_ = os.Remove(tmpName)
		return err
	}
	w.tmp = nil
	return os.Rename(tmpName, w.path)
}

func (w *TiledWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abortLocked()
}

func (w *TiledWriter) abortLocked() error {
	if w.tmp == nil {
		return nil
	}
	name := w.tmp.Name()
	closeErr := w.tmp.Close()
	w.tmp, w.pending = nil, nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}
