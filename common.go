package reolinkfw

// alignTo rounds v up to the next multiple of a.
func alignTo(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}

// alignPadding returns the number of padding bytes needed to align v to a.
func alignPadding(v, a uint64) uint64 {
	return alignTo(v, a) - v
}
