package core

import "golang.org/x/exp/constraints"

// AlignUp rounds v up to the next multiple of alignment. An alignment of zero
// or one leaves v untouched.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) / alignment * alignment
}

func Clamp[T constraints.Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
