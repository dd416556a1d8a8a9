// Package testutil provides shared test fixtures: deterministic synthetic
// ground truth (class balances, confusion tables, sampled weak labels) for
// exercising the class-balance estimator.
//
// All generators take an explicit *rand.Rand so fixtures are reproducible
// from a seed.
package testutil

import (
	"fmt"
	"math/rand"
)

// RandomSimplex draws a random probability vector of length k, uniformly
// distributed on the simplex (normalized exponential draws).
func RandomSimplex(rng *rand.Rand, k int) []float64 {
	p := make([]float64, k)
	sum := 0.0
	for i := range p {
		p[i] = rng.ExpFloat64()
		sum += p[i]
	}
	for i := range p {
		p[i] /= sum
	}
	return p
}

// DiagonalConfusions draws m confusion tables over k classes, each column
// biased so the correct output carries roughly diag of the mass (the
// better-than-random regime the estimator's symmetry breaking assumes).
// When abstains is true, every table gains a leading abstain row holding
// abstainMass of each column.
//
// Table layout matches the estimator: table[v][y] = P(output v | class y),
// with v = 0 the abstain symbol when abstention is enabled.
func DiagonalConfusions(rng *rand.Rand, m, k int, abstains bool, diag, abstainMass float64) [][][]float64 {
	if diag <= 1/float64(k) {
		panic(fmt.Sprintf("testutil: diag %.3f not dominant for k=%d", diag, k))
	}
	shift := 0
	card := k
	if abstains {
		shift = 1
		card = k + 1
	} else {
		abstainMass = 0
	}

	tables := make([][][]float64, m)
	for i := range tables {
		table := make([][]float64, card)
		for v := range table {
			table[v] = make([]float64, k)
		}
		for y := 0; y < k; y++ {
			// Unnormalized column: dominant correct output, jittered
			// off-diagonal noise.
			sum := 0.0
			for v := 0; v < k; v++ {
				w := (1 - diag) / float64(k-1) * (0.5 + rng.Float64())
				if v == y {
					w = diag * (0.8 + 0.4*rng.Float64())
				}
				table[v+shift][y] = w
				sum += w
			}
			for v := 0; v < k; v++ {
				table[v+shift][y] *= (1 - abstainMass) / sum
			}
			if abstains {
				table[0][y] = abstainMass
			}
		}
		tables[i] = table
	}
	return tables
}

// AbstainingConfusion returns a confusion table for an LF that abstains on
// every example regardless of the true class.
func AbstainingConfusion(k int) [][]float64 {
	table := make([][]float64, k+1)
	for v := range table {
		table[v] = make([]float64, k)
	}
	for y := 0; y < k; y++ {
		table[0][y] = 1
	}
	return table
}

// SampleLabels draws n observation rows from the generative model: a true
// class from p, then one output per LF from its confusion column. Returned
// values use the estimator's observation alphabet ({1..k}, or {0..k} with 0
// meaning abstain when abstains is true).
func SampleLabels(rng *rand.Rand, n int, p []float64, conf [][][]float64, abstains bool) [][]int {
	m := len(conf)
	l := make([][]int, n)
	for row := range l {
		y := sampleIndex(rng, p)
		obs := make([]int, m)
		for i := 0; i < m; i++ {
			col := make([]float64, len(conf[i]))
			for v := range col {
				col[v] = conf[i][v][y]
			}
			sym := sampleIndex(rng, col)
			if abstains {
				obs[i] = sym
			} else {
				obs[i] = sym + 1
			}
		}
		l[row] = obs
	}
	return l
}

// sampleIndex draws an index from a probability weight vector, assigning
// any trailing rounding slack to the final entry.
func sampleIndex(rng *rand.Rand, w []float64) int {
	u := rng.Float64()
	acc := 0.0
	for i, wi := range w {
		acc += wi
		if u < acc {
			return i
		}
	}
	return len(w) - 1
}
