// Package mathx provides small numeric helpers for frame data
package mathx

// MinMax returns the smallest and largest values in data.
// Both are zero for an empty slice.
func MinMax(data []uint16) (min, max uint16) {
	if len(data) == 0 {
		return 0, 0
	}
	min, max = data[0], data[0]
	for _, v := range data[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}
