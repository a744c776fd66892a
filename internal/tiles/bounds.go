package tiles

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"bleedthrough/internal/imageio"
	"bleedthrough/internal/model"
)

// ComputeBounds returns each channel's minimum and maximum intensity over the
// given tiles.
func ComputeBounds(readers []imageio.Reader, boxes []model.TileBox) ([]model.Bounds, error) {
	if len(boxes) == 0 {
		return nil, fmt.Errorf("no tiles to compute bounds from")
	}
	out := make([]model.Bounds, len(readers))
	for c, reader := range readers {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, box := range boxes {
			tile, err := reader.Read(box)
			if err != nil {
				return nil, fmt.Errorf("channel %d tile %s: %w", c, box, err)
			}
			lo = math.Min(lo, floats.Min(tile))
			hi = math.Max(hi, floats.Max(tile))
		}
		out[c] = model.Bounds{Min: lo, Max: hi}
	}
	return out, nil
}
