package classbalance

import "fmt"

// ModelOverlaps evaluates the generative moment model: the overlap tensor
// implied by a class balance p (length K simplex vector) and per-LF
// confusion tables conf, where conf[i][v][y] = P(LF i outputs v | Y = y).
// Under conditional independence of the LFs given Y, every valid entry is
//
//	O[i,j,k,a,b,c] = Σ_y p[y] · conf[i][a][y] · conf[j][b][y] · conf[k][c][y]
//
// The function is pure: it only reads its arguments. An abstention symbol
// needs no special handling here, it is an ordinary row of each table.
func ModelOverlaps(p []float64, conf [][][]float64) (*OverlapTensor, error) {
	k := len(p)
	if k < 2 {
		return nil, fmt.Errorf("%w: class balance must have at least 2 classes, got %d", ErrShapeMismatch, k)
	}
	m := len(conf)
	if m < 3 {
		return nil, fmt.Errorf("%w: need at least 3 confusion tables, got %d", ErrDegenerateInput, m)
	}
	card := len(conf[0])
	for i, table := range conf {
		if len(table) != card {
			return nil, fmt.Errorf("%w: confusion table %d has %d output rows, want %d", ErrShapeMismatch, i, len(table), card)
		}
		for v, row := range table {
			if len(row) != k {
				return nil, fmt.Errorf("%w: confusion table %d, row %d has %d classes, want %d", ErrShapeMismatch, i, v, len(row), k)
			}
		}
	}

	t, err := NewOverlapTensor(m, card)
	if err != nil {
		return nil, err
	}
	t.eachTriple(func(i, j, kk int, blk []float64) {
		fillModelBlock(blk, p, conf[i], conf[j], conf[kk], card)
	})
	return t, nil
}

// fillModelBlock writes the analytic Card³ block for one LF triple.
func fillModelBlock(blk, p []float64, ci, cj, ck [][]float64, card int) {
	idx := 0
	for a := 0; a < card; a++ {
		for b := 0; b < card; b++ {
			for c := 0; c < card; c++ {
				sum := 0.0
				for y := range p {
					sum += p[y] * ci[a][y] * cj[b][y] * ck[c][y]
				}
				blk[idx] = sum
				idx++
			}
		}
	}
}
