package statespace

import (
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/tutu-network/forecast-core/internal/domain"
)

func defaultParams(featureWidth int) domain.ModelParameters {
	var f, q [16]float64
	// identity-like F with a small persistent carry on q from r.
	f[0*4+0] = 1
	f[0*4+1] = -1 // q' = q - r (consumption reduces quantity)
	f[1*4+1] = 1
	f[2*4+2] = 1
	f[3*4+3] = 1

	q[0*4+0] = 0.01
	q[1*4+1] = 0.001
	q[2*4+2] = 0.0001
	q[3*4+3] = 0.001

	return domain.ModelParameters{
		F:            f,
		B:            make([]float64, 4*featureWidth),
		Q:            q,
		R:            0.0025,
		FeatureWidth: featureWidth,
	}
}

func identityCov(diag [4]float64) domain.Covariance {
	var c domain.Covariance
	for i, v := range diag {
		c.Set(i, i, v)
	}
	return c
}

func TestPredict_AppliesTransitionAndProcessNoise(t *testing.T) {
	params := defaultParams(4)
	state := domain.ModelState{Q: 10, R: 1, T: 0, S: 0}
	p := identityCov([4]float64{0.25, 0.1, 0.01, 0.01})

	newState, newP, yHat, err := Predict(params, state, p, make([]float64, 4))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if newState.Q != 9 {
		t.Errorf("Q = %v, want 9 (10 - r=1)", newState.Q)
	}
	if yHat != newState.Q {
		t.Errorf("yHat = %v, want %v (H picks q)", yHat, newState.Q)
	}
	if newP.At(0, 0) <= p.At(0, 0) {
		t.Errorf("P[0][0] should grow under process noise: got %v, had %v", newP.At(0, 0), p.At(0, 0))
	}
}

func TestUpdate_ReducesCovarianceAndTracksObservation(t *testing.T) {
	params := defaultParams(4)
	statePrime := domain.ModelState{Q: 9, R: 1, T: 0, S: 0}
	pPrime := identityCov([4]float64{0.26, 0.1, 0.01, 0.01})

	newState, newP, innovation, s, err := Update(params, statePrime, pPrime, 8.7, 10)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if math.Abs(innovation-(-0.3)) > 1e-9 {
		t.Errorf("innovation = %v, want -0.3", innovation)
	}
	if s <= 0 {
		t.Errorf("S = %v, want > 0", s)
	}
	if newP.At(0, 0) >= pPrime.At(0, 0) {
		t.Errorf("posterior variance should shrink: got %v, had %v", newP.At(0, 0), pPrime.At(0, 0))
	}
	if newState.Q >= statePrime.Q {
		t.Errorf("state should move toward the lower observation: got %v, had %v", newState.Q, statePrime.Q)
	}
}

func TestUpdate_EnforcesStateBounds(t *testing.T) {
	params := defaultParams(4)
	// A large positive innovation (50 observed against q=1); the bounds on
	// q, r and t must still hold afterwards.
	statePrime := domain.ModelState{Q: 1, R: 0.01, T: 0, S: 0}
	pPrime := identityCov([4]float64{1, 1, 1, 1})

	newState, _, _, _, err := Update(params, statePrime, pPrime, 50, 10)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if newState.R < 0 {
		t.Errorf("R = %v, want >= 0", newState.R)
	}
	if newState.T < 0 {
		t.Errorf("T = %v, want >= 0", newState.T)
	}
	if newState.Q < 0 || newState.Q > 10*QuantityMaxMultiplier {
		t.Errorf("Q = %v, out of bounds", newState.Q)
	}
}

func TestUpdate_CovarianceStaysSymmetricAndPSD(t *testing.T) {
	params := defaultParams(4)
	state := domain.ModelState{Q: 5, R: 0.5, T: 0, S: 0}
	p := identityCov([4]float64{0.25, 0.1, 0.01, 0.01})

	for i := 0; i < 20; i++ {
		var err error
		state, p, _, _, err = Update(params, state, p, float64(5-i)*0.2, 10)
		if err != nil {
			t.Fatalf("Update iteration %d: %v", i, err)
		}
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				if math.Abs(p.At(r, c)-p.At(c, r)) > 1e-9 {
					t.Fatalf("iteration %d: P not symmetric at (%d,%d): %v vs %v", i, r, c, p.At(r, c), p.At(c, r))
				}
			}
		}
		var eig mat.EigenSym
		if !eig.Factorize(mat.NewSymDense(4, append([]float64(nil), p[:]...)), false) {
			t.Fatalf("iteration %d: eigendecomposition of P failed", i)
		}
		for _, v := range eig.Values(nil) {
			if v < PSDEpsilon {
				t.Fatalf("iteration %d: P has eigenvalue %v below %v", i, v, PSDEpsilon)
			}
		}
	}
}

func TestSimulate_BandWidensOverHorizon(t *testing.T) {
	params := defaultParams(4)
	state := domain.ModelState{Q: 10, R: 0.5, T: 0, S: 0}
	p := identityCov([4]float64{0.1, 0.05, 0.01, 0.01})

	series := make([][]float64, 14)
	for i := range series {
		series[i] = make([]float64, 4)
	}

	trajectory, lower, upper, err := Simulate(params, state, p, series)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if len(trajectory) != 14 {
		t.Fatalf("len(trajectory) = %d, want 14", len(trajectory))
	}
	firstWidth := upper[0] - lower[0]
	lastWidth := upper[len(upper)-1] - lower[len(lower)-1]
	if lastWidth < firstWidth {
		t.Errorf("confidence band should not shrink over the horizon: first=%v last=%v", firstWidth, lastWidth)
	}
	for i := range lower {
		if lower[i] < 0 {
			t.Errorf("lower[%d] = %v, should be clipped at 0", i, lower[i])
		}
	}
}

func TestRunoutProbe_FindsCrossing(t *testing.T) {
	params := defaultParams(4)
	state := domain.ModelState{Q: 10, R: 1, T: 0, S: 0}
	p := identityCov([4]float64{0.1, 0.01, 0.001, 0.001})

	series := make([][]float64, 30)
	for i := range series {
		series[i] = make([]float64, 4)
	}

	days, confidence, err := RunoutProbe(params, state, p, 2.0, 30, series)
	if err != nil {
		t.Fatalf("RunoutProbe: %v", err)
	}
	if days == nil {
		t.Fatal("expected a crossing day, got none")
	}
	if *days < 7 || *days > 9 {
		t.Errorf("days = %d, want ~8 (consuming 1/day from 10 to <=2)", *days)
	}
	if confidence < 0 || confidence > 1 {
		t.Errorf("confidence = %v, want in [0,1]", confidence)
	}
}

func TestRunoutProbe_NoCrossingWithinWindow(t *testing.T) {
	params := defaultParams(4)
	state := domain.ModelState{Q: 100, R: 0.1, T: 0, S: 0}
	p := identityCov([4]float64{0.1, 0.01, 0.001, 0.001})

	series := make([][]float64, 10)
	for i := range series {
		series[i] = make([]float64, 4)
	}

	days, confidence, err := RunoutProbe(params, state, p, 1.0, 10, series)
	if err != nil {
		t.Fatalf("RunoutProbe: %v", err)
	}
	if days != nil {
		t.Errorf("expected no crossing, got day %d", *days)
	}
	if confidence < 0 || confidence > 1 {
		t.Errorf("confidence = %v, want in [0,1]", confidence)
	}
}

func TestInitialize_UsesLeastSquaresSlope(t *testing.T) {
	base := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	obs := []domain.Observation{
		{Timestamp: base, Quantity: 10},
		{Timestamp: base.Add(24 * time.Hour), Quantity: 9},
		{Timestamp: base.Add(48 * time.Hour), Quantity: 8},
	}
	state, p := Initialize(8, obs, nil, 10)
	if math.Abs(state.R-1.0) > 1e-6 {
		t.Errorf("R = %v, want ~1.0 (consuming 1/day)", state.R)
	}
	if state.T != 0 || state.S != 0 {
		t.Errorf("T, S = %v, %v, want 0, 0", state.T, state.S)
	}
	if p.At(0, 0) != 0.25*10*10 {
		t.Errorf("P[0][0] = %v, want %v", p.At(0, 0), 0.25*10*10)
	}
}

func TestInitialize_FallsBackToCategoryDefault(t *testing.T) {
	fallback := 0.75
	state, _ := Initialize(5, nil, &fallback, 10)
	if state.R != fallback {
		t.Errorf("R = %v, want category default %v", state.R, fallback)
	}
}

func TestInitialize_FallsBackToZero(t *testing.T) {
	state, _ := Initialize(5, nil, nil, 10)
	if state.R != 0 {
		t.Errorf("R = %v, want 0", state.R)
	}
}
