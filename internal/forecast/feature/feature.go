// Package feature turns a timestamp and an item descriptor into the
// fixed-width feature vector the state-space model conditions on.
package feature

import (
	"time"

	"github.com/tutu-network/forecast-core/internal/domain"
)

// Width is the compile-time feature vector width. Every component that
// allocates a B matrix or a features slice sizes it against this constant.
const Width = 8

// Builder resolves calendar features against a fixed time zone. It holds no
// mutable state — Build is a pure function of its two arguments plus the
// configured location.
type Builder struct {
	loc *time.Location
}

// NewBuilder constructs a Builder that resolves calendar fields in loc. A nil
// loc defaults to time.Local.
func NewBuilder(loc *time.Location) Builder {
	if loc == nil {
		loc = time.Local
	}
	return Builder{loc: loc}
}

// Build produces the Width-wide feature vector for ts and descriptor.
//
//	0 dow            day_of_week / 6
//	1 dom            (day_of_month - 1) / 30
//	2 moy            (month - 1) / 11
//	3 weekend        1 if Sat/Sun else 0
//	4 household      min(size,10)/10
//	5 perishable     0 or 1
//	6 days_to_expiry clamp(days,0,30)/30, or 0 if absent
//	7 reserved       0
func (b Builder) Build(ts time.Time, descriptor domain.ItemDescriptor) [Width]float64 {
	local := ts.In(b.loc)

	var f [Width]float64
	f[0] = float64(local.Weekday()) / 6.0
	f[1] = float64(local.Day()-1) / 30.0
	f[2] = float64(int(local.Month())-1) / 11.0
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		f[3] = 1
	}
	f[4] = min(float64(descriptor.HouseholdSize), 10) / 10.0
	if descriptor.Perishable {
		f[5] = 1
	}
	if descriptor.ExpiryDate != nil {
		days := descriptor.ExpiryDate.In(b.loc).Sub(local).Hours() / 24.0
		f[6] = clamp(days, 0, 30) / 30.0
	}
	// f[7] reserved, left at zero.
	return f
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
