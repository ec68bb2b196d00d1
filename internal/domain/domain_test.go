package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// ─── ModelState Tests ───────────────────────────────────────────────────────

func TestModelState_VectorRoundTrip(t *testing.T) {
	ms := ModelState{Q: 12.5, R: 0.8, T: -0.02, S: 1.1}
	v := ms.Vector()
	got := StateFromVector(v)
	if got != ms {
		t.Errorf("StateFromVector(Vector()) = %+v, want %+v", got, ms)
	}
}

// ─── Covariance Tests ───────────────────────────────────────────────────────

func TestCovariance_AtSet(t *testing.T) {
	var c Covariance
	c.Set(1, 2, 3.14)
	if got := c.At(1, 2); got != 3.14 {
		t.Errorf("At(1,2) = %v, want 3.14", got)
	}
	if got := c.At(0, 0); got != 0 {
		t.Errorf("At(0,0) = %v, want 0", got)
	}
}

// ─── ModelParameters Tests ──────────────────────────────────────────────────

func TestModelParameters_BAtBSet(t *testing.T) {
	p := ModelParameters{B: make([]float64, 4*3), FeatureWidth: 3}
	p.BSet(2, 1, 7.0)
	if got := p.BAt(2, 1); got != 7.0 {
		t.Errorf("BAt(2,1) = %v, want 7.0", got)
	}
	if got := p.BAt(0, 0); got != 0 {
		t.Errorf("BAt(0,0) = %v, want 0", got)
	}
}

// ─── Forecast Tests ─────────────────────────────────────────────────────────

func TestForecast_WidthAt(t *testing.T) {
	f := Forecast{
		Lower95: []float64{1, 2, 3},
		Upper95: []float64{3, 6, 9},
	}
	if got := f.WidthAt(1); got != 1 {
		t.Errorf("WidthAt(1) = %v, want 1", got)
	}
	if got := f.WidthAt(2); got != 2 {
		t.Errorf("WidthAt(2) = %v, want 2", got)
	}
	if got := f.WidthAt(0); got != 0 {
		t.Errorf("WidthAt(0) out of range = %v, want 0", got)
	}
	if got := f.WidthAt(99); got != 0 {
		t.Errorf("WidthAt(99) out of range = %v, want 0", got)
	}
}

// ─── Error Tests ────────────────────────────────────────────────────────────

func TestSentinelErrors(t *testing.T) {
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrUnknownItem", ErrUnknownItem},
		{"ErrHorizonExceeded", ErrHorizonExceeded},
		{"ErrCheckpointCorrupt", ErrCheckpointCorrupt},
		{"ErrStoreUnavailable", ErrStoreUnavailable},
		{"ErrNumericalFault", ErrNumericalFault},
		{"ErrInvalidObservation", ErrInvalidObservation},
		{"ErrRetrainFailed", ErrRetrainFailed},
		{"ErrCancelled", ErrCancelled},
	}

	for _, tt := range sentinels {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err == nil {
				t.Errorf("%s is nil", tt.name)
			}
			if tt.err.Error() == "" {
				t.Errorf("%s.Error() is empty", tt.name)
			}
		})
	}
}

func TestForecastError_UnwrapsToSentinel(t *testing.T) {
	err := NewForecastError(KindUnknownItem, "item-42", "no observations on file", nil)
	if !errors.Is(err, ErrUnknownItem) {
		t.Errorf("errors.Is(err, ErrUnknownItem) = false, want true")
	}
	var fe *ForecastError
	if !errors.As(err, &fe) {
		t.Fatalf("errors.As into *ForecastError failed")
	}
	if fe.ItemID != "item-42" {
		t.Errorf("ItemID = %q, want item-42", fe.ItemID)
	}
}

func TestForecastError_WrapsSuppliedCause(t *testing.T) {
	inner := errors.New("disk full")
	err := NewForecastError(KindStoreUnavailable, "", "write failed", inner)
	if !errors.Is(err, inner) {
		t.Errorf("errors.Is(err, inner) = false, want true")
	}
}

func TestForecastError_ErrorStringIncludesItemID(t *testing.T) {
	err := NewForecastError(KindHorizonExceeded, "item-1", "requested 120 days", nil)
	got := err.Error()
	if got == "" {
		t.Fatal("Error() returned empty string")
	}
	if !strings.Contains(got, "horizon_exceeded") || !strings.Contains(got, "item-1") {
		t.Errorf("Error() = %q, expected to mention kind and item id", got)
	}
}

// ─── ItemDescriptor / Observation sanity ────────────────────────────────────

func TestObservation_FieldsRoundTrip(t *testing.T) {
	now := time.Now()
	o := Observation{ItemID: "milk", Timestamp: now, Quantity: 1.5, Source: SourceSensor}
	if o.Source != SourceSensor {
		t.Errorf("Source = %v, want %v", o.Source, SourceSensor)
	}
	if o.Timestamp != now {
		t.Errorf("Timestamp mismatch")
	}
}
