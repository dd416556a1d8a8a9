package classbalance

import "fmt"

// Estimator recovers the latent class balance (and per-LF confusion tables)
// from weak-label co-occurrence statistics. K and Abstains are fixed at
// construction; the remaining fields are populated by a successful fit.
//
// An Estimator is not safe for concurrent use during a fit: the fit owns and
// mutates the parameter state until it returns.
type Estimator struct {
	// K is the number of latent classes.
	K int
	// Abstains reports whether LF outputs include a distinguished
	// abstain symbol in addition to the K classes.
	Abstains bool

	// M is the number of labeling functions seen by the last fit.
	M int
	// Balance is the estimated class balance, a length-K simplex vector.
	Balance []float64
	// Confusions[i][v][y] is the estimated P(LF i outputs v | Y = y),
	// with v indexing the output alphabet (abstain first, if enabled).
	Confusions [][][]float64
	// Loss is the best masked mean squared error reached by the fit.
	Loss float64
	// Iterations is the number of optimizer steps actually executed.
	Iterations int
}

// NewEstimator creates an estimator for k latent classes. When abstains is
// true, observations may contain 0 (abstain) alongside the classes 1..k and
// each confusion table carries an extra abstention row.
func NewEstimator(k int, abstains bool) (*Estimator, error) {
	if k < 2 {
		return nil, fmt.Errorf("%w: class count must be at least 2, got %d", ErrDegenerateInput, k)
	}
	return &Estimator{K: k, Abstains: abstains}, nil
}

// card returns the LF output alphabet size.
func (e *Estimator) card() int {
	if e.Abstains {
		return e.K + 1
	}
	return e.K
}

// FitLabels builds the empirical overlap tensor from an N×M observation
// matrix and fits against it. Entries must lie in {1..K}, or {0..K} when
// the estimator was created with abstention enabled.
func (e *Estimator) FitLabels(l [][]int, opts FitOptions) error {
	t, err := BuildOverlaps(l, e.K, e.Abstains)
	if err != nil {
		return err
	}
	return e.FitOverlaps(t, opts)
}

// FitOverlaps fits directly against a precomputed overlap tensor, bypassing
// the overlap builder. The tensor's alphabet must match the estimator's
// class count and abstention setting.
func (e *Estimator) FitOverlaps(t *OverlapTensor, opts FitOptions) error {
	if t == nil {
		return fmt.Errorf("%w: nil overlap tensor", ErrShapeMismatch)
	}
	if t.Card != e.card() {
		return fmt.Errorf("%w: tensor alphabet size %d, want %d for K=%d abstains=%v",
			ErrShapeMismatch, t.Card, e.card(), e.K, e.Abstains)
	}
	if t.M < 3 {
		return fmt.Errorf("%w: need at least 3 labeling functions, got %d", ErrDegenerateInput, t.M)
	}

	res, err := fitOverlaps(t, e.K, opts)
	if err != nil {
		return err
	}

	card := e.card()
	e.M = t.M
	e.Balance = res.balance
	e.Loss = res.loss
	e.Iterations = res.iterations
	e.Confusions = make([][][]float64, t.M)
	for i := 0; i < t.M; i++ {
		table := make([][]float64, card)
		for v := 0; v < card; v++ {
			row := make([]float64, e.K)
			copy(row, res.confusions[(i*card+v)*e.K:(i*card+v+1)*e.K])
			table[v] = row
		}
		e.Confusions[i] = table
	}
	return nil
}

// ClassBalance returns a copy of the estimated class balance, or nil before
// a successful fit.
func (e *Estimator) ClassBalance() []float64 {
	if e.Balance == nil {
		return nil
	}
	out := make([]float64, len(e.Balance))
	copy(out, e.Balance)
	return out
}

// ConfusionTable returns a copy of LF i's estimated confusion table, or nil
// before a successful fit. Panics if i is out of range.
func (e *Estimator) ConfusionTable(i int) [][]float64 {
	if e.Confusions == nil {
		return nil
	}
	if i < 0 || i >= len(e.Confusions) {
		panic(fmt.Sprintf("classbalance: LF index %d out of range (M=%d)", i, len(e.Confusions)))
	}
	table := make([][]float64, len(e.Confusions[i]))
	for v, row := range e.Confusions[i] {
		out := make([]float64, len(row))
		copy(out, row)
		table[v] = out
	}
	return table
}
