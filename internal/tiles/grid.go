package tiles

import (
	"bleedthrough/internal/imageio"
	"bleedthrough/internal/model"
)

const DefaultTileSize = 1024

// Grid returns the 2-D tiling of shape in streaming order: one plane at a time,
// rows of tiles top to bottom, tiles left to right. Edge tiles are clipped.
func Grid(shape imageio.Shape, tileSize int) []model.TileBox {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	rows := (shape.Y + tileSize - 1) / tileSize
	cols := (shape.X + tileSize - 1) / tileSize
	out := make([]model.TileBox, 0, shape.Z*rows*cols)
	for z := 0; z < shape.Z; z++ {
		for y := 0; y < shape.Y; y += tileSize {
			for x := 0; x < shape.X; x += tileSize {
				out = append(out, model.TileBox{
					ZMin: z,
					ZMax: z + 1,
					YMin: y,
					YMax: min(y+tileSize, shape.Y),
					XMin: x,
					XMax: min(x+tileSize, shape.X),
				})
			}
		}
	}
	return out
}
