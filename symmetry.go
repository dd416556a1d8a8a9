package classbalance

import "math/rand"

// The moment-matching loss is blind to any simultaneous relabeling of the K
// classes across the class balance and every confusion table: permuted
// parameters produce the identical model tensor. Which permutation the
// optimizer lands in is decided entirely by where it starts.
//
// newDiagonalLogits breaks the tie by initializing every confusion table
// diagonal-dominant, so "class y" is anchored to "the output a typical LF
// emits for class y". This leans on the domain assumption that LFs are in
// aggregate better than a uniform random labeler; no relabeling happens
// after the fit. When abstention is enabled, its output row has no correct
// class and receives no bias.

// diagonalBias is the logit offset on C[i, y, y]; through the softmax it
// makes the correct output roughly half the initial column mass.
const diagonalBias = 1.0

// initNoiseScale keeps starting points distinct across seeds without
// overwhelming the diagonal anchor.
const initNoiseScale = 0.1

// newDiagonalLogits returns the unconstrained starting parameters for a fit:
// k class-balance logits followed by m*card*k confusion logits, laid out
// row-major in (LF, output, class). Deterministic for a given seed.
func newDiagonalLogits(seed int64, m, card, k int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	z := make([]float64, k+m*card*k)

	// Class balance starts near uniform.
	for y := 0; y < k; y++ {
		z[y] = 0.01 * rng.NormFloat64()
	}

	// Class y maps to output symbol y+shift: with abstention enabled the
	// abstain symbol occupies slot 0 and the class outputs follow it.
	shift := card - k
	for i := 0; i < m; i++ {
		for v := 0; v < card; v++ {
			for y := 0; y < k; y++ {
				n := k + (i*card+v)*k + y
				z[n] = initNoiseScale * rng.NormFloat64()
				if v == y+shift {
					z[n] += diagonalBias
				}
			}
		}
	}
	return z
}
