// Package statespace implements the linear-Gaussian Kalman filter the
// forecasting core runs per item: predict, update, multi-day simulation and
// run-out probing, plus cold-start initialization.
//
// The package is pure: every function takes state and covariance by value
// and returns new values. No item identity, locking, or persistence lives
// here — that is internal/forecast/trainer's job.
package statespace

import (
	"fmt"
	"math"

	"github.com/tutu-network/forecast-core/internal/domain"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// RidgeEpsilon regularizes a singular or near-singular innovation
	// covariance before inversion.
	RidgeEpsilon = 1e-6
	// PSDEpsilon is the minimum tolerated eigenvalue of P after clamping;
	// invariant 1 requires it stay above -1e-9.
	PSDEpsilon = -1e-9
	// ConfidenceZ is the two-sided z-score for a 95% band (default_confidence
	// 0.95).
	ConfidenceZ = 1.96
	// QuantityMaxMultiplier bounds q at 10x the item's configured maximum,
	// per invariant 2.
	QuantityMaxMultiplier = 10.0
	// runoutEpsilon guards the confidence formula's division by q_hat.
	runoutEpsilon = 1e-9
)

// h is the fixed observation row H = [1, 0, 0, 0]; the filter only ever
// observes quantity directly.
var h = [4]float64{1, 0, 0, 0}

func stateVec(s domain.ModelState) *mat.VecDense {
	v := s.Vector()
	return mat.NewVecDense(4, v[:])
}

func vecState(v mat.Vector) domain.ModelState {
	return domain.StateFromVector([4]float64{v.AtVec(0), v.AtVec(1), v.AtVec(2), v.AtVec(3)})
}

func covDense(c domain.Covariance) *mat.Dense {
	return mat.NewDense(4, 4, append([]float64(nil), c[:]...))
}

func denseCov(m mat.Matrix) domain.Covariance {
	var c domain.Covariance
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			c.Set(i, j, m.At(i, j))
		}
	}
	return c
}

func paramsF(p domain.ModelParameters) *mat.Dense {
	return mat.NewDense(4, 4, append([]float64(nil), p.F[:]...))
}

func paramsQ(p domain.ModelParameters) *mat.Dense {
	return mat.NewDense(4, 4, append([]float64(nil), p.Q[:]...))
}

func paramsB(p domain.ModelParameters) *mat.Dense {
	if p.FeatureWidth == 0 {
		return mat.NewDense(4, 1, make([]float64, 4))
	}
	return mat.NewDense(4, p.FeatureWidth, append([]float64(nil), p.B...))
}

// symmetrizeAndClamp enforces invariant 1: P must stay symmetric with a
// minimum eigenvalue no smaller than PSDEpsilon. Negative eigenvalues below
// that floor are clamped to zero and P is reconstructed from the repaired
// spectrum.
func symmetrizeAndClamp(m *mat.Dense) (*mat.Dense, error) {
	symHalf := mat.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		for j := i; j < 4; j++ {
			v := (m.At(i, j) + m.At(j, i)) / 2
			symHalf.SetSym(i, j, v)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(symHalf, true); !ok {
		return nil, fmt.Errorf("statespace: eigendecomposition of P failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	minVal := values[0]
	for _, v := range values {
		if v < minVal {
			minVal = v
		}
	}
	if minVal >= PSDEpsilon {
		return mat.DenseCopyOf(symHalf), nil
	}

	repaired := make([]float64, len(values))
	for i, v := range values {
		if v < 0 {
			v = 0
		}
		repaired[i] = v
	}
	diag := mat.NewDiagDense(4, repaired)
	var tmp mat.Dense
	tmp.Mul(&vectors, diag)
	var out mat.Dense
	out.Mul(&tmp, vectors.T())
	return &out, nil
}

func finite4(v [4]float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func finiteCov(c domain.Covariance) bool {
	for _, x := range c {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// clampStateBounds enforces invariant 2: r, t >= 0 and 0 <= q <= 10*quantityMax.
func clampStateBounds(s domain.ModelState, quantityMax float64) domain.ModelState {
	if s.R < 0 {
		s.R = 0
	}
	if s.T < 0 {
		s.T = 0
	}
	upper := QuantityMaxMultiplier * quantityMax
	switch {
	case s.Q < 0:
		s.Q = 0
	case upper > 0 && s.Q > upper:
		s.Q = upper
	}
	return s
}

// Predict advances (state, P) one step using the feature-driven transition
// state' = F·state + B·features, P' = F·P·Fᵀ + Q, and reports y_hat = H·state'.
func Predict(params domain.ModelParameters, state domain.ModelState, p domain.Covariance, features []float64) (domain.ModelState, domain.Covariance, float64, error) {
	fm := paramsF(params)
	bm := paramsB(params)
	qm := paramsQ(params)
	sv := stateVec(state)
	fv := mat.NewVecDense(len(features), append([]float64(nil), features...))

	var bf mat.VecDense
	bf.MulVec(bm, fv)
	var fs mat.VecDense
	fs.MulVec(fm, sv)
	var nextState mat.VecDense
	nextState.AddVec(&fs, &bf)

	pm := covDense(p)
	var fp mat.Dense
	fp.Mul(fm, pm)
	var fpft mat.Dense
	fpft.Mul(&fp, fm.T())
	var nextP mat.Dense
	nextP.Add(&fpft, qm)

	repaired, err := symmetrizeAndClamp(&nextP)
	if err != nil {
		return domain.ModelState{}, domain.Covariance{}, 0, err
	}

	newState := vecState(&nextState)
	newCov := denseCov(repaired)
	if !finite4(newState.Vector()) || !finiteCov(newCov) {
		return domain.ModelState{}, domain.Covariance{}, 0, fmt.Errorf("statespace: predict produced non-finite result")
	}
	yHat := h[0]*newState.Q + h[1]*newState.R + h[2]*newState.T + h[3]*newState.S
	return newState, newCov, yHat, nil
}

// Update folds an observation into (state', P') via the Kalman gain, then
// enforces invariants 2-4 (covariance symmetry/PSD, state bounds) on the
// result. It returns the innovation and the innovation covariance S used.
func Update(params domain.ModelParameters, statePrime domain.ModelState, pPrime domain.Covariance, yObs, quantityMax float64) (domain.ModelState, domain.Covariance, float64, float64, error) {
	if math.IsNaN(yObs) || math.IsInf(yObs, 0) {
		return domain.ModelState{}, domain.Covariance{}, 0, 0, fmt.Errorf("statespace: observation is not finite")
	}

	pm := covDense(pPrime)
	pH0 := [4]float64{pm.At(0, 0), pm.At(1, 0), pm.At(2, 0), pm.At(3, 0)}

	s := pH0[0] + params.R
	sEff, err := invertInnovationCovariance(s)
	if err != nil {
		return domain.ModelState{}, domain.Covariance{}, 0, 0, err
	}

	yHat := statePrime.Q
	innovation := yObs - yHat

	var k [4]float64
	for i := range k {
		k[i] = pH0[i] / sEff
	}

	sv := statePrime.Vector()
	var newStateVec [4]float64
	for i := range newStateVec {
		newStateVec[i] = sv[i] + k[i]*innovation
	}
	newState := domain.StateFromVector(newStateVec)

	// (I - K·H)·P'; K·H is zero except its first column, which is K.
	ikh := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := 0.0
			if i == j {
				v = 1
			}
			if j == 0 {
				v -= k[i]
			}
			ikh.Set(i, j, v)
		}
	}
	var newPm mat.Dense
	newPm.Mul(ikh, pm)

	repaired, err := symmetrizeAndClamp(&newPm)
	if err != nil {
		return domain.ModelState{}, domain.Covariance{}, 0, 0, err
	}
	newCov := denseCov(repaired)

	if !finite4(newStateVec) || !finiteCov(newCov) {
		return domain.ModelState{}, domain.Covariance{}, 0, 0, fmt.Errorf("statespace: update produced non-finite result")
	}

	newState = clampStateBounds(newState, quantityMax)
	return newState, newCov, innovation, sEff, nil
}

// invertInnovationCovariance applies the policy from the numerical design:
// invert via Cholesky when S is positive-definite, otherwise regularize with
// a ridge term. S here is always a 1x1 matrix because H has rank 1, so the
// "inverse" is a reciprocal, but the positive-definiteness check and ridge
// fallback are applied exactly as they would be for a general S.
func invertInnovationCovariance(s float64) (float64, error) {
	sym := mat.NewSymDense(1, []float64{s})
	var chol mat.Cholesky
	if chol.Factorize(sym) {
		return s, nil
	}
	regularized := s + RidgeEpsilon
	if regularized <= 0 {
		return 0, fmt.Errorf("statespace: innovation covariance not positive even after ridge regularization")
	}
	return regularized, nil
}

// Simulate propagates state/P forward nSteps days using Predict only (no
// observation), returning the quantity trajectory and its 95%-style
// confidence band, both clipped at zero.
func Simulate(params domain.ModelParameters, state domain.ModelState, p domain.Covariance, featuresSeries [][]float64) (trajectory, lower, upper []float64, err error) {
	n := len(featuresSeries)
	trajectory = make([]float64, n)
	lower = make([]float64, n)
	upper = make([]float64, n)

	cur := state
	curP := p
	for k := 0; k < n; k++ {
		cur, curP, _, err = Predict(params, cur, curP, featuresSeries[k])
		if err != nil {
			return nil, nil, nil, err
		}
		sigma := math.Sqrt(math.Max(curP.At(0, 0), 0))
		trajectory[k] = cur.Q
		lower[k] = math.Max(cur.Q-ConfidenceZ*sigma, 0)
		upper[k] = math.Max(cur.Q+ConfidenceZ*sigma, 0)
	}
	return trajectory, lower, upper, nil
}

// RunoutProbe walks forward day by day looking for the first day quantity
// drops to or below threshold, reporting a confidence score either at the
// crossing or, absent one, for the no-crossing case.
func RunoutProbe(params domain.ModelParameters, state domain.ModelState, p domain.Covariance, threshold float64, maxDays int, featuresSeries [][]float64) (*int, float64, error) {
	if maxDays > len(featuresSeries) {
		maxDays = len(featuresSeries)
	}

	cur := state
	curP := p
	var lastQHat float64
	for day := 1; day <= maxDays; day++ {
		var err error
		cur, curP, _, err = Predict(params, cur, curP, featuresSeries[day-1])
		if err != nil {
			return nil, 0, err
		}
		lastQHat = cur.Q
		if cur.Q <= threshold {
			sigma := math.Sqrt(math.Max(curP.At(0, 0), 0))
			denom := math.Max(cur.Q, runoutEpsilon)
			confidence := 1.0 / (1.0 + sigma/denom)
			confidence = clip01(confidence)
			d := day
			return &d, confidence, nil
		}
	}

	confidence := 1.0
	if threshold > 0 {
		confidence = 1 - math.Min(lastQHat/threshold, 1)/2
	}
	return nil, clip01(confidence), nil
}

func clip01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// GradientStep implements B <- B - 2*eta*err*(H^T . features^T), clipped to
// [-1,1] and then EWMA-stabilized against the previous B. H is [1,0,0,0],
// so the update only ever touches row 0 of B. Shared by the online trainer
// and the synthetic pretrainer so both fit loops move B the same way.
func GradientStep(params *domain.ModelParameters, features []float64, innovation, eta, alpha float64) {
	for j := 0; j < params.FeatureWidth; j++ {
		old := params.BAt(0, j)
		delta := -2 * eta * innovation * features[j]
		candidate := clip01Range(old+delta, -1, 1)
		params.BSet(0, j, (1-alpha)*old+alpha*candidate)
	}
}

func clip01Range(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// Initialize builds a cold-start state and covariance from the item's
// current quantity and recent observation history, falling back to a
// category default slope and finally to zero.
func Initialize(currentQuantity float64, recentObs []domain.Observation, categoryDefaultR *float64, quantityMax float64) (domain.ModelState, domain.Covariance) {
	r := 0.0
	switch {
	case len(recentObs) >= 2:
		r = -leastSquaresSlope(recentObs)
		if r < 0 {
			r = 0
		}
	case categoryDefaultR != nil:
		r = *categoryDefaultR
	}

	state := domain.ModelState{Q: currentQuantity, R: r, T: 0, S: 0}

	var p domain.Covariance
	p.Set(0, 0, 0.25*quantityMax*quantityMax)
	p.Set(1, 1, 0.1)
	p.Set(2, 2, 0.01)
	p.Set(3, 3, 0.01)
	return state, p
}

// leastSquaresSlope fits quantity against elapsed days since the earliest
// observation and returns the fitted slope (units/day, signed).
func leastSquaresSlope(obs []domain.Observation) float64 {
	sorted := append([]domain.Observation(nil), obs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Timestamp.Before(sorted[j-1].Timestamp); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	t0 := sorted[0].Timestamp
	xs := make([]float64, len(sorted))
	ys := make([]float64, len(sorted))
	for i, o := range sorted {
		xs[i] = o.Timestamp.Sub(t0).Hours() / 24.0
		ys[i] = o.Quantity
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	return slope
}
