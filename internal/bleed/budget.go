package bleed

// PixelBudget is the number of training pixels one tile may contribute. The
// design matrix holds k*k*overlap*2 float32-sized columns per pixel and must
// fit under memoryCeiling bytes; a tile never contributes more than its
// positions with a full kernel neighborhood.
func PixelBudget(memoryCeiling, kernel, overlap, tileSize int) int {
	columns := 4 * kernel * kernel * overlap * 2
	if columns <= 0 {
		return 0
	}
	side := tileSize - 2*(kernel/2)
	if side <= 0 {
		return 0
	}
	return min(memoryCeiling/columns, side*side)
}
