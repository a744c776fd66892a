package bleed

// Neighbors returns the channels within overlap of channel i: first the
// channels below in ascending distance, then the channels above. Indices
// outside [0, n) are dropped.
func Neighbors(i, overlap, n int) []int {
	out := make([]int, 0, 2*overlap)
	for d := 1; d <= overlap; d++ {
		if i-d >= 0 {
			out = append(out, i-d)
		}
	}
	for d := 1; d <= overlap; d++ {
		if i+d < n {
			out = append(out, i+d)
		}
	}
	return out
}
