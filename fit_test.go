package classbalance

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/classbalance/internal/testutil"
)

// meanAbsError returns the average absolute difference between two vectors.
func meanAbsError(got, want []float64) float64 {
	diffs := make([]float64, len(got))
	for i := range got {
		diffs[i] = math.Abs(got[i] - want[i])
	}
	return stat.Mean(diffs, nil)
}

// assertSimplex checks nonnegativity and unit sum within tolerance.
func assertSimplex(t *testing.T, p []float64, tol float64) {
	t.Helper()
	for i, v := range p {
		if v < -tol {
			t.Errorf("entry %d negative: %v", i, v)
		}
	}
	if s := floats.Sum(p); math.Abs(s-1) > tol {
		t.Errorf("sum = %v, want 1 within %v", s, tol)
	}
}

func TestFitGradient_MatchesFiniteDifference(t *testing.T) {
	const (
		k    = 2
		m    = 4
		card = 3 // abstention enabled
	)
	rng := rand.New(rand.NewSource(17))
	pTrue := testutil.RandomSimplex(rng, k)
	confTrue := testutil.DiagonalConfusions(rng, m, k, true, 0.7, 0.2)
	target, err := ModelOverlaps(pTrue, confTrue)
	require.NoError(t, err)

	// Evaluate the analytic gradient at a generic off-optimum point.
	z := newDiagonalLogits(99, m, card, k)
	for i := range z {
		z[i] += 0.3 * rng.NormFloat64()
	}

	s := newFitScratch(m, card, k)
	s.mapParams(z)
	s.forwardBackward(target)
	s.chainSoftmax()
	analytic := make([]float64, len(s.grad))
	copy(analytic, s.grad)

	lossAt := func(z []float64) float64 {
		s.mapParams(z)
		return s.forwardBackward(target)
	}

	const h = 1e-6
	for n := range z {
		orig := z[n]
		z[n] = orig + h
		up := lossAt(z)
		z[n] = orig - h
		down := lossAt(z)
		z[n] = orig

		numeric := (up - down) / (2 * h)
		if math.Abs(numeric-analytic[n]) > 1e-7+1e-4*math.Abs(numeric) {
			t.Fatalf("gradient component %d: analytic %v, finite-difference %v", n, analytic[n], numeric)
		}
	}
}

func TestFitOverlaps_RecoversSyntheticGroundTruth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping optimization-heavy recovery test in short mode")
	}

	rng := rand.New(rand.NewSource(23))
	const k, m = 3, 10
	pTrue := testutil.RandomSimplex(rng, k)
	confTrue := testutil.DiagonalConfusions(rng, m, k, false, 0.65, 0)

	// Noise-free target: the analytic tensor of the ground truth. The fit
	// should recover the balance up to optimizer convergence.
	target, err := ModelOverlaps(pTrue, confTrue)
	require.NoError(t, err)

	e, err := NewEstimator(k, false)
	require.NoError(t, err)
	require.NoError(t, e.FitOverlaps(target, FitOptions{
		MaxIterations: 12000,
		Tolerance:     -1, // anneal to the iteration budget
		Seed:          42,
	}))

	assert.Less(t, meanAbsError(e.Balance, pTrue), 1e-4,
		"estimated %v, true %v", e.Balance, pTrue)
	assert.Less(t, e.Loss, 1e-10)

	assertSimplex(t, e.Balance, 1e-6)
	for i := 0; i < m; i++ {
		for y := 0; y < k; y++ {
			col := make([]float64, e.card())
			for v := range col {
				col[v] = e.Confusions[i][v][y]
			}
			assertSimplex(t, col, 1e-6)
		}
	}
}

func TestFitOverlaps_SkewedBalanceEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping optimization-heavy end-to-end test in short mode")
	}

	// 25 diagonal-dominant LFs over 3 classes with a skewed balance,
	// fit on the exact analytic tensor: recovery should be essentially
	// exact.
	const k, m = 3, 25
	pTrue := []float64{0.5758514, 0.2365844, 0.1875643}
	floats.Scale(1/floats.Sum(pTrue), pTrue)

	rng := rand.New(rand.NewSource(101))
	confTrue := testutil.DiagonalConfusions(rng, m, k, false, 0.6, 0)
	target, err := ModelOverlaps(pTrue, confTrue)
	require.NoError(t, err)

	e, err := NewEstimator(k, false)
	require.NoError(t, err)
	require.NoError(t, e.FitOverlaps(target, FitOptions{
		MaxIterations: 20000,
		Tolerance:     -1,
		LearningRate:  0.05,
		Seed:          7,
	}))

	assert.Less(t, meanAbsError(e.Balance, pTrue), 1e-6,
		"estimated %v, true %v", e.Balance, pTrue)
	assert.Equal(t, 20000, e.Iterations)
}

func TestFitOverlaps_AbstainingLFsDoNotBreakRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping optimization-heavy abstention test in short mode")
	}

	rng := rand.New(rand.NewSource(31))
	const k = 3
	pTrue := testutil.RandomSimplex(rng, k)

	// Eight informative LFs plus two that abstain on everything. The
	// informative subset alone satisfies the better-than-random and
	// independence assumptions.
	conf := testutil.DiagonalConfusions(rng, 8, k, true, 0.7, 0.2)
	conf = append(conf, testutil.AbstainingConfusion(k), testutil.AbstainingConfusion(k))

	target, err := ModelOverlaps(pTrue, conf)
	require.NoError(t, err)

	e, err := NewEstimator(k, true)
	require.NoError(t, err)
	require.NoError(t, e.FitOverlaps(target, FitOptions{
		MaxIterations: 15000,
		Tolerance:     -1,
		Seed:          5,
	}))

	assert.Less(t, meanAbsError(e.Balance, pTrue), 1e-3,
		"estimated %v, true %v", e.Balance, pTrue)

	// The always-abstain LFs should be recovered as (near) total
	// abstainers.
	for _, i := range []int{8, 9} {
		for y := 0; y < k; y++ {
			assert.Greater(t, e.Confusions[i][0][y], 0.95,
				"LF %d class %d: abstain mass %v", i, y, e.Confusions[i][0][y])
		}
	}
}

func TestFitOverlaps_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(47))
	const k, m = 2, 5
	pTrue := testutil.RandomSimplex(rng, k)
	confTrue := testutil.DiagonalConfusions(rng, m, k, false, 0.75, 0)
	target, err := ModelOverlaps(pTrue, confTrue)
	require.NoError(t, err)

	opts := FitOptions{MaxIterations: 300, Seed: 12}
	run := func() *Estimator {
		e, err := NewEstimator(k, false)
		require.NoError(t, err)
		require.NoError(t, e.FitOverlaps(target, opts))
		return e
	}

	first := run()
	second := run()
	assert.Equal(t, first.Balance, second.Balance)
	assert.Equal(t, first.Confusions, second.Confusions)
	assert.Equal(t, first.Loss, second.Loss)
	assert.Equal(t, first.Iterations, second.Iterations)
}

func TestFitOverlaps_OversizedStepStillReturnsFeasibleBest(t *testing.T) {
	rng := rand.New(rand.NewSource(53))
	const k, m = 2, 4
	pTrue := testutil.RandomSimplex(rng, k)
	confTrue := testutil.DiagonalConfusions(rng, m, k, false, 0.8, 0)
	target, err := ModelOverlaps(pTrue, confTrue)
	require.NoError(t, err)

	// A wildly oversized step makes most iterates diverge; the engine
	// must still hand back its best feasible parameters, not the last.
	e, err := NewEstimator(k, false)
	require.NoError(t, err)
	require.NoError(t, e.FitOverlaps(target, FitOptions{
		MaxIterations: 500,
		LearningRate:  5.0,
		Seed:          3,
	}))

	require.False(t, math.IsNaN(e.Loss))
	require.False(t, math.IsInf(e.Loss, 0))
	assertSimplex(t, e.Balance, 1e-6)
}

func TestFitOptions_DefaultsAndValidation(t *testing.T) {
	t.Run("zero values take defaults", func(t *testing.T) {
		o := FitOptions{}.withDefaults()
		d := DefaultFitOptions()
		assert.Equal(t, d, o)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		o := FitOptions{MaxIterations: 10, LearningRate: 0.2}.withDefaults()
		assert.Equal(t, 10, o.MaxIterations)
		assert.Equal(t, 0.2, o.LearningRate)
		assert.Equal(t, DefaultFitOptions().LearningRateDecay, o.LearningRateDecay)
	})

	t.Run("rejects bad values", func(t *testing.T) {
		assert.Error(t, FitOptions{MaxIterations: -1, LearningRate: 0.1, LearningRateDecay: 1}.Validate())
		assert.Error(t, FitOptions{MaxIterations: 10, LearningRate: -0.1, LearningRateDecay: 1}.Validate())
		assert.Error(t, FitOptions{MaxIterations: 10, LearningRate: 0.1, LearningRateDecay: 1.5}.Validate())
		assert.NoError(t, FitOptions{MaxIterations: 10, LearningRate: 0.1, LearningRateDecay: 1}.Validate())
	})

	t.Run("invalid options reach the caller", func(t *testing.T) {
		e, err := NewEstimator(2, false)
		require.NoError(t, err)
		target, err := ModelOverlaps(
			[]float64{0.5, 0.5},
			[][][]float64{
				{{0.8, 0.2}, {0.2, 0.8}},
				{{0.7, 0.3}, {0.3, 0.7}},
				{{0.9, 0.1}, {0.1, 0.9}},
			})
		require.NoError(t, err)
		assert.Error(t, e.FitOverlaps(target, FitOptions{MaxIterations: -5}))
	})
}

func TestFitOverlaps_EarlyStopUsesFewerIterations(t *testing.T) {
	rng := rand.New(rand.NewSource(61))
	const k, m = 2, 5
	pTrue := testutil.RandomSimplex(rng, k)
	confTrue := testutil.DiagonalConfusions(rng, m, k, false, 0.8, 0)
	target, err := ModelOverlaps(pTrue, confTrue)
	require.NoError(t, err)

	e, err := NewEstimator(k, false)
	require.NoError(t, err)
	require.NoError(t, e.FitOverlaps(target, FitOptions{
		MaxIterations: 50000,
		Tolerance:     1e-9,
		Seed:          2,
	}))

	assert.Less(t, e.Iterations, 50000, "loose tolerance should stop early")
	assert.Greater(t, e.Iterations, 1)
}
