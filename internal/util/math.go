package util

// Clamp01 clamps x to the closed interval [0, 1].
// Coherence, fidelity, and health scores all live in this range.
func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
