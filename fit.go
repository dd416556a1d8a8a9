package classbalance

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
)

// smoothingEps guards divisions by near-zero normalizers so sparse input
// statistics degrade the fit rather than producing NaN parameters.
const smoothingEps = 1e-12

// Adam moment decay rates and denominator floor.
const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// FitOptions holds tuning parameters for the fit. Zero-valued fields take
// the DefaultFitOptions value, so partial option structs are safe. A
// negative Tolerance disables early stopping.
type FitOptions struct {
	// MaxIterations caps the number of optimizer steps.
	MaxIterations int `json:"max_iterations,omitempty"`

	// Tolerance stops the fit early once the loss change between
	// consecutive iterations falls below it.
	Tolerance float64 `json:"tolerance,omitempty"`

	// LearningRate is the initial Adam step size.
	LearningRate float64 `json:"learning_rate,omitempty"`

	// LearningRateDecay is the multiplicative step-size decay applied
	// every iteration. A constant step leaves the parameters oscillating
	// at an amplitude proportional to it; annealing lets the fit settle
	// far below that floor.
	LearningRateDecay float64 `json:"learning_rate_decay,omitempty"`

	// Seed seeds the deterministic parameter initialization.
	Seed int64 `json:"seed,omitempty"`

	// Verbose enables periodic loss reporting. Observational only: it
	// never changes the numeric result.
	Verbose bool `json:"verbose,omitempty"`
}

// DefaultFitOptions returns sensible defaults for fitting moderate LF
// populations (tens of labeling functions, a handful of classes).
func DefaultFitOptions() FitOptions {
	return FitOptions{
		MaxIterations:     4000,
		Tolerance:         1e-13,
		LearningRate:      0.05,
		LearningRateDecay: 0.999,
		Seed:              1,
		Verbose:           false,
	}
}

// withDefaults fills zero-valued fields from DefaultFitOptions.
func (o FitOptions) withDefaults() FitOptions {
	d := DefaultFitOptions()
	if o.MaxIterations == 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.Tolerance == 0 {
		o.Tolerance = d.Tolerance
	}
	if o.LearningRate == 0 {
		o.LearningRate = d.LearningRate
	}
	if o.LearningRateDecay == 0 {
		o.LearningRateDecay = d.LearningRateDecay
	}
	if o.Seed == 0 {
		o.Seed = d.Seed
	}
	return o
}

// Validate checks that the option values are usable.
func (o FitOptions) Validate() error {
	if o.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be positive, got %d", o.MaxIterations)
	}
	if o.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %f", o.LearningRate)
	}
	if o.LearningRateDecay <= 0 || o.LearningRateDecay > 1 {
		return fmt.Errorf("learning_rate_decay must be in (0, 1], got %f", o.LearningRateDecay)
	}
	return nil
}

// fitResult carries the fitted parameters back to the Estimator.
type fitResult struct {
	balance    []float64
	confusions []float64 // m*card*k, row-major (i, v, y)
	loss       float64
	iterations int
}

// fitOverlaps runs the constrained moment-matching fit against target
// tensor t for k latent classes.
//
// The simplex and column-stochasticity constraints are enforced by
// construction: the optimizer works on unconstrained logits and maps them
// through a softmax per constrained axis, so every iterate is feasible
// without projection. Updates are Adam steps with exponential step decay,
// and the best (lowest-loss) iterate is retained so late-stage divergence
// cannot corrupt the result.
func fitOverlaps(t *OverlapTensor, k int, opts FitOptions) (*fitResult, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fit options: %w", err)
	}

	m, card := t.M, t.Card
	if zb := t.zeroBlocks(); 2*zb > t.triples {
		log.Printf("classbalance: %d of %d LF triple blocks carry no mass; input statistics are likely too sparse for a reliable fit", zb, t.triples)
	}

	// Parameter vector layout: k class-balance logits, then the m×card×k
	// confusion logits row-major in (LF, output, class).
	n := k + m*card*k
	z := newDiagonalLogits(opts.Seed, m, card, k)
	if len(z) != n {
		panic("classbalance: parameter layout mismatch")
	}

	s := newFitScratch(m, card, k)

	adamM := make([]float64, n)
	adamV := make([]float64, n)
	bestZ := make([]float64, n)
	copy(bestZ, z)
	bestLoss := math.Inf(1)
	prevLoss := math.Inf(1)
	lr := opts.LearningRate
	iters := 0

	for it := 0; it < opts.MaxIterations; it++ {
		iters = it + 1
		s.mapParams(z)
		loss := s.forwardBackward(t)

		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			log.Printf("classbalance: non-finite loss at iteration %d; reverting to best iterate", it)
			break
		}
		if loss < bestLoss {
			bestLoss = loss
			copy(bestZ, z)
		}
		if opts.Verbose && it%100 == 0 {
			log.Printf("classbalance: iter=%d loss=%.6e lr=%.3e", it, loss, lr)
		}
		if math.Abs(prevLoss-loss) < opts.Tolerance {
			break
		}
		prevLoss = loss

		s.chainSoftmax()
		adamStep(z, s.grad, adamM, adamV, lr, it+1)
		lr *= opts.LearningRateDecay
	}

	// Recover the feasible parameters from the best logits seen.
	s.mapParams(bestZ)
	res := &fitResult{
		balance:    make([]float64, k),
		confusions: make([]float64, m*card*k),
		loss:       bestLoss,
		iterations: iters,
	}
	copy(res.balance, s.p)
	copy(res.confusions, s.conf)
	return res, nil
}

// fitScratch holds the per-fit working buffers so the iteration loop is
// allocation-free.
type fitScratch struct {
	k, m, card int

	p    []float64 // class balance, length k
	conf []float64 // confusion probabilities, (i*card+v)*k + y
	gp   []float64 // dLoss/dp
	gc   []float64 // dLoss/dconf
	grad []float64 // dLoss/dlogits, same layout as z
	uy   []float64 // per-class confusion values of the triple's first LF
	vy   []float64
	wy   []float64
}

func newFitScratch(m, card, k int) *fitScratch {
	return &fitScratch{
		k: k, m: m, card: card,
		p:    make([]float64, k),
		conf: make([]float64, m*card*k),
		gp:   make([]float64, k),
		gc:   make([]float64, m*card*k),
		grad: make([]float64, k+m*card*k),
		uy:   make([]float64, k),
		vy:   make([]float64, k),
		wy:   make([]float64, k),
	}
}

// mapParams applies the softmax reparameterization: z[:k] to the class
// balance simplex and each confusion column z over outputs to a conditional
// distribution. Every feasible point is reachable and every z is feasible.
func (s *fitScratch) mapParams(z []float64) {
	softmaxStrided(s.p, z[:s.k], 1, s.k)
	for i := 0; i < s.m; i++ {
		for y := 0; y < s.k; y++ {
			// Column (i, y) over output symbols v: stride k in the
			// row-major (i, v, y) layout.
			off := i*s.card*s.k + y
			softmaxStrided(s.conf[off:], z[s.k+off:], s.k, s.card)
		}
	}
}

// softmaxStrided writes softmax over the n elements src[0], src[stride],
// src[2*stride], ... into dst at the same stride.
func softmaxStrided(dst, src []float64, stride, n int) {
	maxv := math.Inf(-1)
	for e := 0; e < n; e++ {
		if v := src[e*stride]; v > maxv {
			maxv = v
		}
	}
	sum := 0.0
	for e := 0; e < n; e++ {
		w := math.Exp(src[e*stride] - maxv)
		dst[e*stride] = w
		sum += w
	}
	inv := 1 / (sum + smoothingEps)
	for e := 0; e < n; e++ {
		dst[e*stride] *= inv
	}
}

// forwardBackward evaluates the masked mean squared error between the model
// tensor implied by (p, conf) and the target, and accumulates dLoss/dp and
// dLoss/dconf. Only canonical triple blocks are visited; the exchange
// symmetry of both tensors makes this equal to the masked mean over all
// ordered distinct triples.
func (s *fitScratch) forwardBackward(t *OverlapTensor) float64 {
	k, card := s.k, s.card
	floatsZero(s.gp)
	floatsZero(s.gc)

	nEntries := float64(t.triples * card * card * card)
	scale := 2 / nEntries
	sumSq := 0.0

	t.eachTriple(func(i, j, kk int, blk []float64) {
		ci := s.conf[i*card*k : (i+1)*card*k]
		cj := s.conf[j*card*k : (j+1)*card*k]
		ck := s.conf[kk*card*k : (kk+1)*card*k]
		gi := s.gc[i*card*k : (i+1)*card*k]
		gj := s.gc[j*card*k : (j+1)*card*k]
		gk := s.gc[kk*card*k : (kk+1)*card*k]

		idx := 0
		for a := 0; a < card; a++ {
			for b := 0; b < card; b++ {
				for c := 0; c < card; c++ {
					pred := 0.0
					for y := 0; y < k; y++ {
						u := ci[a*k+y]
						v := cj[b*k+y]
						w := ck[c*k+y]
						s.uy[y], s.vy[y], s.wy[y] = u, v, w
						pred += s.p[y] * u * v * w
					}
					r := pred - blk[idx]
					sumSq += r * r
					g := scale * r
					for y := 0; y < k; y++ {
						u, v, w := s.uy[y], s.vy[y], s.wy[y]
						py := s.p[y]
						s.gp[y] += g * u * v * w
						gi[a*k+y] += g * py * v * w
						gj[b*k+y] += g * py * u * w
						gk[c*k+y] += g * py * u * v
					}
					idx++
				}
			}
		}
	})

	return sumSq / nEntries
}

// chainSoftmax back-propagates the probability-space gradients through the
// softmax reparameterization into s.grad, matching the layout of z.
func (s *fitScratch) chainSoftmax() {
	k, card := s.k, s.card

	// Class balance block: dL/dz_y = p_y (g_y - Σ p g).
	dot := floats.Dot(s.p, s.gp)
	for y := 0; y < k; y++ {
		s.grad[y] = s.p[y] * (s.gp[y] - dot)
	}

	// One softmax per confusion column (LF i, class y) over outputs v.
	for i := 0; i < s.m; i++ {
		for y := 0; y < k; y++ {
			colSum := 0.0
			for v := 0; v < card; v++ {
				n := (i*card+v)*k + y
				colSum += s.conf[n] * s.gc[n]
			}
			for v := 0; v < card; v++ {
				n := (i*card+v)*k + y
				s.grad[k+n] = s.conf[n] * (s.gc[n] - colSum)
			}
		}
	}
}

// adamStep applies one Adam update to z in place. step is 1-based for the
// bias correction.
func adamStep(z, grad, m, v []float64, lr float64, step int) {
	c1 := 1 - math.Pow(adamBeta1, float64(step))
	c2 := 1 - math.Pow(adamBeta2, float64(step))
	for n := range z {
		g := grad[n]
		m[n] = adamBeta1*m[n] + (1-adamBeta1)*g
		v[n] = adamBeta2*v[n] + (1-adamBeta2)*g*g
		mHat := m[n] / c1
		vHat := v[n] / c2
		z[n] -= lr * mHat / (math.Sqrt(vHat) + adamEps)
	}
}

// floatsZero resets a buffer between iterations.
func floatsZero(x []float64) {
	for n := range x {
		x[n] = 0
	}
}
