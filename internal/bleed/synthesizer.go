package bleed

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/model"
	"bleedthrough/internal/tiles"
)

// Synthesis describes one written bleed-through component image.
type Synthesis struct {
	Channel      int
	OutputPath   string
	Digest       string
	TilesWritten int
	Contributors []int
}

type contributor struct {
	channel int
	coef    float64
	input   Input
}

// SynthesizeChannel writes the bleed-through component of channel: the sum
// over neighbors of their normalized pixels (clipped to [0,1] by the training
// bounds) scaled by the direct coefficient, clipped at zero and rescaled to the
// neighbor's intensity range. Neighbors with a zero direct coefficient are
// never opened. On failure the output is aborted.
func SynthesizeChannel(ctx context.Context, cfg Config, channels imageio.Collection, dest imageio.Destination, bounds []model.Bounds, matrix *CoefficientMatrix, channel int) (Synthesis, error) {
	out := Synthesis{Channel: channel}
	fail := func(tile *model.TileBox, err error) (Synthesis, error) {
		return out, channelError(channel, PhaseSynthesize, tile, err)
	}

	source, err := channels.Open(channel)
	if err != nil {
		return fail(nil, ioError("open source", err))
	}
	meta := source.Metadata()
	if err := source.Close(); err != nil {
		return fail(nil, ioError("close source", err))
	}

	var active []contributor
	for _, j := range Neighbors(channel, cfg.ChannelOverlap, channels.Len()) {
		c := matrix.Direct(channel, j)
		if c == 0 {
			continue
		}
		if err := checkBounds(bounds[j]); err != nil {
			return fail(nil, fmt.Errorf("neighbor %d: %w", j, err))
		}
		r, err := channels.Open(j)
		if err != nil {
			return fail(nil, ioError(fmt.Sprintf("open neighbor %d", j), err))
		}
		defer r.Close()
		if r.Metadata().Shape != meta.Shape {
			return fail(nil, ioError(fmt.Sprintf("neighbor %d", j), fmt.Errorf("shape %+v differs from source %+v", r.Metadata().Shape, meta.Shape)))
		}
		active = append(active, contributor{channel: j, coef: c, input: Input{Reader: r, Bounds: bounds[j]}})
		out.Contributors = append(out.Contributors, j)
	}

	writer, path, err := dest.Create(channel, meta)
	if err != nil {
		return fail(nil, ioError("create output", err))
	}
	out.OutputPath = path
	abort := func(tile *model.TileBox, err error) (Synthesis, error) {
		_ = writer.Abort()
		out.TilesWritten = 0
		return fail(tile, err)
	}

	digest := xxhash.New()
	for _, box := range tiles.Grid(meta.Shape, cfg.TileSize) {
		tile := box
		if err := ctx.Err(); err != nil {
			return abort(&tile, err)
		}
		acc := make([]float64, tile.Size())
		for _, c := range active {
			values, err := c.input.Reader.Read(tile)
			if err != nil {
				return abort(&tile, ioError(fmt.Sprintf("read neighbor %d", c.channel), err))
			}
			normalize(values, c.input.Bounds)
			scale := c.input.Bounds.Range()
			for p, v := range values {
				if v *= c.coef; v > 0 {
					acc[p] += v * scale
				}
			}
		}
		imageio.Quantize(meta.DType, acc)
		_, _ = digest.Write(imageio.EncodeSamples(meta.DType, acc))
		if err := writer.Write(tile, acc); err != nil {
			return abort(&tile, ioError("write", err))
		}
		out.TilesWritten++
	}
	if err := writer.Commit(); err != nil {
		return abort(nil, ioError("commit", err))
	}
	out.Digest = fmt.Sprintf("%016x", digest.Sum64())
	return out, nil
}
