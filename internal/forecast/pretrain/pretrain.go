// Package pretrain generates deterministic synthetic consumption histories
// per category and trains the category-level warm-start checkpoints the
// trainer falls back to before per-item history exists.
package pretrain

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/checkpoint"
	"github.com/tutu-network/forecast-core/internal/forecast/feature"
	"github.com/tutu-network/forecast-core/internal/forecast/statespace"
)

// HistoryDays is the length of the synthetic stream generated per category.
const HistoryDays = 60

// CategoryProfile parameterizes the synthetic generator for one category.
type CategoryProfile struct {
	Category      string
	BaseWeeklyQty float64
	BaseDaily     float64
	Perishable    bool
	ShelfLifeDays int
	QuantityMin   float64
	QuantityMax   float64
	HouseholdSize int
}

// DefaultProfiles returns the fixed set of category keys the pretrainer
// seeds at setup time, covering the spread of consumption shapes the rules
// in the generator are meant to exercise: a perishable with a short shelf
// life (Dairy), a longer-lived perishable (Produce), and non-perishable
// staples (Pantry, Frozen, Household).
func DefaultProfiles() []CategoryProfile {
	return []CategoryProfile{
		{Category: "Dairy", BaseWeeklyQty: 4, BaseDaily: 0.6, Perishable: true, ShelfLifeDays: 7, QuantityMin: 0.5, QuantityMax: 4, HouseholdSize: 2},
		{Category: "Produce", BaseWeeklyQty: 6, BaseDaily: 0.9, Perishable: true, ShelfLifeDays: 10, QuantityMin: 0.5, QuantityMax: 6, HouseholdSize: 2},
		{Category: "Pantry", BaseWeeklyQty: 3, BaseDaily: 0.3, Perishable: false, ShelfLifeDays: 0, QuantityMin: 1, QuantityMax: 5, HouseholdSize: 2},
		{Category: "Frozen", BaseWeeklyQty: 5, BaseDaily: 0.4, Perishable: false, ShelfLifeDays: 0, QuantityMin: 1, QuantityMax: 6, HouseholdSize: 2},
		{Category: "Household", BaseWeeklyQty: 2, BaseDaily: 0.15, Perishable: false, ShelfLifeDays: 0, QuantityMin: 0.5, QuantityMax: 3, HouseholdSize: 2},
	}
}

// dowMultiplier implements the consumption-rate rule: weekend 1.3, Friday
// 1.1, otherwise 1.0.
func dowMultiplier(wd time.Weekday) float64 {
	switch wd {
	case time.Saturday, time.Sunday:
		return 1.3
	case time.Friday:
		return 1.1
	default:
		return 1.0
	}
}

// GenerateHistory produces HistoryDays of synthetic observations for
// profile starting at startDate, deterministic given rng.
func GenerateHistory(profile CategoryProfile, startDate time.Time, rng *rand.Rand) []domain.Observation {
	obs := make([]domain.Observation, 0, HistoryDays)
	quantity := profile.BaseWeeklyQty

	for day := 0; day < HistoryDays; day++ {
		ts := startDate.AddDate(0, 0, day)
		wd := ts.Weekday()

		if wd == time.Saturday {
			quantity = profile.BaseWeeklyQty
		} else if profile.Perishable && profile.ShelfLifeDays <= 7 && wd == time.Wednesday && quantity < 0.5*profile.QuantityMin {
			quantity = profile.BaseWeeklyQty
		}

		consumption := profile.BaseDaily * dowMultiplier(wd) * uniform(rng, 0.8, 1.2)
		if (wd == time.Saturday || wd == time.Sunday) && rng.Float64() < 0.3 {
			consumption *= 1.5
		}

		quantity -= consumption
		if quantity < 0 {
			quantity = 0
		}

		obs = append(obs, domain.Observation{
			ItemID:    profile.Category,
			Timestamp: ts,
			Quantity:  quantity,
			Source:    domain.SourceSystem,
		})
	}
	return obs
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// Train folds a synthetic observation stream through the same predict/
// update/gradient-step loop the online trainer uses, returning the fitted
// parameters, final state and covariance, and training stats.
func Train(profile CategoryProfile, history []domain.Observation, builder feature.Builder, learningRate, ewmaAlpha float64) (domain.ModelParameters, domain.ModelState, domain.Covariance, domain.TrainingStats) {
	params := checkpoint.DefaultParameters(feature.Width)
	state, p := statespace.Initialize(history[0].Quantity, nil, nil, profile.QuantityMax)

	descriptor := domain.ItemDescriptor{
		Category:      profile.Category,
		Perishable:    profile.Perishable,
		HouseholdSize: profile.HouseholdSize,
		QuantityMin:   profile.QuantityMin,
		QuantityMax:   profile.QuantityMax,
	}

	var stats domain.TrainingStats
	for _, o := range history {
		features := builder.Build(o.Timestamp, descriptor)
		statePrime, pPrime, _, err := statespace.Predict(params, state, p, features[:])
		if err != nil {
			continue
		}
		newState, newP, innovation, _, err := statespace.Update(params, statePrime, pPrime, o.Quantity, profile.QuantityMax)
		if err != nil {
			continue
		}
		statespace.GradientStep(&params, features[:], innovation, learningRate, ewmaAlpha)

		stats.ObservationsSeen++
		n := float64(stats.ObservationsSeen)
		absErr := math.Abs(innovation)
		stats.MAE += (absErr - stats.MAE) / n
		prevMeanSq := stats.RMSE * stats.RMSE
		meanSq := prevMeanSq + (innovation*innovation-prevMeanSq)/n
		stats.RMSE = math.Sqrt(math.Max(meanSq, 0))
		if stats.ObservationsSeen == 1 {
			stats.EWMAError = absErr
		} else {
			stats.EWMAError = 0.9*stats.EWMAError + 0.1*absErr
		}
		stats.LastUpdateAt = o.Timestamp

		state = newState
		p = newP
	}
	return params, state, p, stats
}

// Pretrainer is a one-shot utility that generates synthetic histories for
// a fixed set of categories, trains a model on each, and persists the
// result as the category warm-start checkpoint.
type Pretrainer struct {
	store                   domain.ModelStore
	builder                 feature.Builder
	seed                    int64
	learningRate, ewmaAlpha float64
	now                     func() time.Time
}

// NewPretrainer builds a Pretrainer. now defaults to time.Now when nil.
func NewPretrainer(store domain.ModelStore, builder feature.Builder, seed int64, learningRate, ewmaAlpha float64, now func() time.Time) *Pretrainer {
	if now == nil {
		now = time.Now
	}
	return &Pretrainer{store: store, builder: builder, seed: seed, learningRate: learningRate, ewmaAlpha: ewmaAlpha, now: now}
}

// Run generates and trains every profile, persisting each as
// pretrained/{category}.ckpt. Deterministic given the Pretrainer's seed:
// each category gets an independent sub-stream derived from (seed, index)
// so adding a category never perturbs the ones before it.
func (p *Pretrainer) Run(ctx context.Context, profiles []CategoryProfile) error {
	startDate := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	for i, profile := range profiles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rng := rand.New(rand.NewSource(p.seed + int64(i)))
		history := GenerateHistory(profile, startDate, rng)

		params, state, cov, stats := Train(profile, history, p.builder, p.learningRate, p.ewmaAlpha)

		ckpt := checkpoint.NewCheckpoint(
			checkpoint.CategoryKey(profile.Category),
			"",
			1,
			params,
			state,
			cov,
			stats,
			[]string{"dow", "dom", "moy", "weekend", "household", "perishable", "days_to_expiry", "reserved"},
			p.now(),
		)
		if err := p.store.Store(ctx, checkpoint.CategoryKey(profile.Category), ckpt); err != nil {
			return domain.NewForecastError(domain.KindStoreUnavailable, "", "failed to persist category warm-start for "+profile.Category, err)
		}
	}
	return nil
}
