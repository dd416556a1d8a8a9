package classbalance

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// OverlapTensor holds the third-order co-occurrence statistics of M labeling
// functions: for every triple of pairwise-distinct LFs (i, j, k) and output
// values (a, b, c), the probability that LF i emits a, LF j emits b and LF k
// emits c on the same example, marginalized over the latent class.
//
// The tensor is exchange-symmetric: permuting the triple jointly in LF order
// and value order leaves the probability unchanged. Storage therefore keeps
// one Card³ block per canonical triple i < j < k and mirrors all other
// orderings through At. Entries with a repeated LF index are undefined and
// read as zero.
type OverlapTensor struct {
	// M is the number of labeling functions.
	M int
	// Card is the per-LF output alphabet size: K classes, plus one if
	// abstention is enabled.
	Card int

	// vals holds one Card³ block per canonical triple, lexicographic in
	// (i, j, k). Within a block, values index as a*Card² + b*Card + c
	// with (a, b, c) aligned to the sorted LF order.
	vals []float64

	// pairBase[i*M+j] is the block index of triple (i, j, j+1), so the
	// block of (i, j, k) with i < j < k is pairBase[i*M+j] + k - j - 1.
	pairBase []int
	triples  int
}

// NewOverlapTensor allocates a zero tensor for m labeling functions with an
// output alphabet of size card. It returns ErrDegenerateInput when m < 3
// (no pairwise-distinct triple exists) and ErrShapeMismatch when card < 2.
func NewOverlapTensor(m, card int) (*OverlapTensor, error) {
	if m < 3 {
		return nil, fmt.Errorf("%w: need at least 3 labeling functions, got %d", ErrDegenerateInput, m)
	}
	if card < 2 {
		return nil, fmt.Errorf("%w: output alphabet must have at least 2 symbols, got %d", ErrShapeMismatch, card)
	}

	t := &OverlapTensor{
		M:        m,
		Card:     card,
		pairBase: make([]int, m*m),
	}
	idx := 0
	for i := 0; i < m; i++ {
		for j := i + 1; j < m; j++ {
			t.pairBase[i*m+j] = idx
			idx += m - j - 1
		}
	}
	t.triples = idx // C(m, 3)
	t.vals = make([]float64, t.triples*card*card*card)
	return t, nil
}

// Triples returns the number of canonical (i < j < k) LF triples.
func (t *OverlapTensor) Triples() int { return t.triples }

// blockIndex returns the canonical block number for i < j < k.
func (t *OverlapTensor) blockIndex(i, j, k int) int {
	return t.pairBase[i*t.M+j] + k - j - 1
}

// block returns the Card³ slice for canonical triple i < j < k.
func (t *OverlapTensor) block(i, j, k int) []float64 {
	c3 := t.Card * t.Card * t.Card
	base := t.blockIndex(i, j, k) * c3
	return t.vals[base : base+c3]
}

// At returns P(LF i = a, LF j = b, LF k = c) for any ordering of a
// pairwise-distinct triple. Triples with a repeated LF index read as zero,
// matching the validity mask. Out-of-range indices panic: that is a
// programming error, not a data condition.
func (t *OverlapTensor) At(i, j, k, a, b, c int) float64 {
	t.checkIndices(i, j, k, a, b, c)
	if i == j || j == k || i == k {
		return 0
	}
	return t.vals[t.valIndex(i, j, k, a, b, c)]
}

// Set stores P(LF i = a, LF j = b, LF k = c) for any ordering of a
// pairwise-distinct triple, canonicalizing exactly as At does, so every
// joint permutation of the triple reads the stored value back. It is the
// write path for supplying a tensor computed outside this package to
// Estimator.FitOverlaps. Triples with a repeated LF index have no storage
// and panic, as do out-of-range indices.
func (t *OverlapTensor) Set(i, j, k, a, b, c int, v float64) {
	t.checkIndices(i, j, k, a, b, c)
	if i == j || j == k || i == k {
		panic(fmt.Sprintf("classbalance: cannot set masked entry with repeated LF index (%d,%d,%d)", i, j, k))
	}
	t.vals[t.valIndex(i, j, k, a, b, c)] = v
}

func (t *OverlapTensor) checkIndices(i, j, k, a, b, c int) {
	if i < 0 || j < 0 || k < 0 || i >= t.M || j >= t.M || k >= t.M {
		panic(fmt.Sprintf("classbalance: LF index out of range: (%d,%d,%d) with M=%d", i, j, k, t.M))
	}
	if a < 0 || b < 0 || c < 0 || a >= t.Card || b >= t.Card || c >= t.Card {
		panic(fmt.Sprintf("classbalance: output index out of range: (%d,%d,%d) with Card=%d", a, b, c, t.Card))
	}
}

// valIndex returns the storage index of a pairwise-distinct triple entry.
// The (LF, value) pairs are sorted jointly so the lookup hits the canonical
// block. Three elements, so a fixed swap network.
func (t *OverlapTensor) valIndex(i, j, k, a, b, c int) int {
	if i > j {
		i, j, a, b = j, i, b, a
	}
	if j > k {
		j, k, b, c = k, j, c, b
	}
	if i > j {
		i, j, a, b = j, i, b, a
	}
	c3 := t.Card * t.Card * t.Card
	return t.blockIndex(i, j, k)*c3 + (a*t.Card+b)*t.Card + c
}

// MarginalLF returns the univariate output distribution of LF i implied by
// the tensor, averaged over every canonical triple containing i. For a
// properly normalized tensor this matches the LF's empirical frequency.
func (t *OverlapTensor) MarginalLF(i int) []float64 {
	if i < 0 || i >= t.M {
		panic(fmt.Sprintf("classbalance: LF index %d out of range (M=%d)", i, t.M))
	}
	marginal := make([]float64, t.Card)
	count := 0
	t.eachTriple(func(x, y, z int, blk []float64) {
		pos := -1
		switch i {
		case x:
			pos = 0
		case y:
			pos = 1
		case z:
			pos = 2
		default:
			return
		}
		count++
		for a := 0; a < t.Card; a++ {
			for b := 0; b < t.Card; b++ {
				for c := 0; c < t.Card; c++ {
					v := blk[(a*t.Card+b)*t.Card+c]
					switch pos {
					case 0:
						marginal[a] += v
					case 1:
						marginal[b] += v
					case 2:
						marginal[c] += v
					}
				}
			}
		}
	})
	floats.Scale(1/(float64(count)+smoothingEps), marginal)
	return marginal
}

// eachTriple calls fn for every canonical triple block in storage order.
func (t *OverlapTensor) eachTriple(fn func(i, j, k int, block []float64)) {
	for i := 0; i < t.M; i++ {
		for j := i + 1; j < t.M; j++ {
			for k := j + 1; k < t.M; k++ {
				fn(i, j, k, t.block(i, j, k))
			}
		}
	}
}

// zeroBlocks counts canonical triple blocks with no mass at all. A large
// share of zero blocks means the input statistics cannot constrain the fit.
func (t *OverlapTensor) zeroBlocks() int {
	n := 0
	t.eachTriple(func(_, _, _ int, blk []float64) {
		if floats.Sum(blk) == 0 {
			n++
		}
	})
	return n
}

// TripleMask reports which (i, j, k) index triples are valid for an overlap
// tensor over m labeling functions: exactly the pairwise-distinct ones. The
// output-value dimensions of a valid triple are uniformly valid, so this
// index mask is the exact sparse equivalent of the full six-dimensional
// boolean tensor. Masked-out positions always read zero from At.
func TripleMask(m int) [][][]bool {
	mask := make([][][]bool, m)
	for i := range mask {
		mask[i] = make([][]bool, m)
		for j := range mask[i] {
			mask[i][j] = make([]bool, m)
			for k := range mask[i][j] {
				mask[i][j][k] = i != j && j != k && i != k
			}
		}
	}
	return mask
}

// BuildOverlaps constructs the empirical overlap tensor from an N×M
// observation matrix. Entries must lie in {1..k}, or {0..k} with 0 meaning
// abstain when abstains is true. Every row must have the same width and at
// least one row is required, otherwise every triple count would be zero.
func BuildOverlaps(l [][]int, k int, abstains bool) (*OverlapTensor, error) {
	if k < 2 {
		return nil, fmt.Errorf("%w: class count must be at least 2, got %d", ErrDegenerateInput, k)
	}
	if len(l) == 0 {
		return nil, fmt.Errorf("%w: no observations (need at least one example for nonzero triple counts)", ErrInvalidObservation)
	}
	m := len(l[0])
	if m < 3 {
		return nil, fmt.Errorf("%w: need at least 3 labeling functions, got %d", ErrDegenerateInput, m)
	}

	card := k
	lo := 1
	if abstains {
		card = k + 1
		lo = 0
	}

	t, err := NewOverlapTensor(m, card)
	if err != nil {
		return nil, err
	}

	n := len(l)
	syms := make([]int, m)
	for row, obs := range l {
		if len(obs) != m {
			return nil, fmt.Errorf("%w: row %d has %d entries, want %d", ErrInvalidObservation, row, len(obs), m)
		}
		for i, v := range obs {
			if v < lo || v > k {
				return nil, fmt.Errorf("%w: row %d, LF %d: value %d outside [%d, %d]", ErrInvalidObservation, row, i, v, lo, k)
			}
			// Map to symbol index: abstain (if any) occupies slot 0.
			if abstains {
				syms[i] = v
			} else {
				syms[i] = v - 1
			}
		}
		for i := 0; i < m; i++ {
			for j := i + 1; j < m; j++ {
				for kk := j + 1; kk < m; kk++ {
					blk := t.block(i, j, kk)
					blk[(syms[i]*card+syms[j])*card+syms[kk]]++
				}
			}
		}
	}

	floats.Scale(1/float64(n), t.vals)
	return t, nil
}
