package feature

import (
	"testing"
	"time"

	"github.com/tutu-network/forecast-core/internal/domain"
)

func TestBuild_WeekendFlag(t *testing.T) {
	b := NewBuilder(time.UTC)

	saturday := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	monday := time.Date(2026, time.August, 3, 12, 0, 0, 0, time.UTC)

	got := b.Build(saturday, domain.ItemDescriptor{})
	if got[3] != 1 {
		t.Errorf("Saturday weekend flag = %v, want 1", got[3])
	}

	got = b.Build(monday, domain.ItemDescriptor{})
	if got[3] != 0 {
		t.Errorf("Monday weekend flag = %v, want 0", got[3])
	}
}

func TestBuild_HouseholdClampedAtTen(t *testing.T) {
	b := NewBuilder(time.UTC)
	ts := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	got := b.Build(ts, domain.ItemDescriptor{HouseholdSize: 25})
	if got[4] != 1.0 {
		t.Errorf("household feature for size 25 = %v, want 1.0 (clamped)", got[4])
	}

	got = b.Build(ts, domain.ItemDescriptor{HouseholdSize: 5})
	if got[4] != 0.5 {
		t.Errorf("household feature for size 5 = %v, want 0.5", got[4])
	}
}

func TestBuild_PerishableFlag(t *testing.T) {
	b := NewBuilder(time.UTC)
	ts := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	got := b.Build(ts, domain.ItemDescriptor{Perishable: true})
	if got[5] != 1 {
		t.Errorf("perishable flag = %v, want 1", got[5])
	}
	got = b.Build(ts, domain.ItemDescriptor{Perishable: false})
	if got[5] != 0 {
		t.Errorf("perishable flag = %v, want 0", got[5])
	}
}

func TestBuild_DaysToExpiry(t *testing.T) {
	b := NewBuilder(time.UTC)
	ts := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	t.Run("absent expiry yields zero", func(t *testing.T) {
		got := b.Build(ts, domain.ItemDescriptor{})
		if got[6] != 0 {
			t.Errorf("days_to_expiry = %v, want 0", got[6])
		}
	})

	t.Run("within window scales linearly", func(t *testing.T) {
		expiry := ts.Add(15 * 24 * time.Hour)
		got := b.Build(ts, domain.ItemDescriptor{ExpiryDate: &expiry})
		if want := 0.5; abs(got[6]-want) > 1e-9 {
			t.Errorf("days_to_expiry = %v, want %v", got[6], want)
		}
	})

	t.Run("beyond window clamps at one", func(t *testing.T) {
		expiry := ts.Add(90 * 24 * time.Hour)
		got := b.Build(ts, domain.ItemDescriptor{ExpiryDate: &expiry})
		if got[6] != 1.0 {
			t.Errorf("days_to_expiry = %v, want 1.0 (clamped)", got[6])
		}
	})

	t.Run("past expiry clamps at zero", func(t *testing.T) {
		expiry := ts.Add(-5 * 24 * time.Hour)
		got := b.Build(ts, domain.ItemDescriptor{ExpiryDate: &expiry})
		if got[6] != 0 {
			t.Errorf("days_to_expiry = %v, want 0 (clamped, not negative)", got[6])
		}
	})
}

func TestBuild_ReservedSlotAlwaysZero(t *testing.T) {
	b := NewBuilder(time.UTC)
	ts := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	got := b.Build(ts, domain.ItemDescriptor{HouseholdSize: 4, Perishable: true})
	if got[7] != 0 {
		t.Errorf("reserved slot = %v, want 0", got[7])
	}
}

func TestBuild_VectorWidth(t *testing.T) {
	b := NewBuilder(time.UTC)
	got := b.Build(time.Now(), domain.ItemDescriptor{})
	if len(got) != Width {
		t.Errorf("len(vector) = %d, want %d", len(got), Width)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
