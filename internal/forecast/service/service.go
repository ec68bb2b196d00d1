// Package service provides ForecastService, the public facade the hosting
// application embeds directly: ingest observations, generate forecasts, and
// scan for items running low.
package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tutu-network/forecast-core/internal/config"
	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/feature"
	"github.com/tutu-network/forecast-core/internal/forecast/statespace"
	"github.com/tutu-network/forecast-core/internal/forecast/trainer"
)

// Service is the thin facade wrapping the OnlineTrainer and the forecast
// store: it never holds per-item mutable state itself, only coordinates.
type Service struct {
	cfg           config.TrainingConfig
	trainer       *trainer.Trainer
	forecastStore domain.ForecastStore
	audit         domain.AuditSink
	features      feature.Builder
	now           func() time.Time

	batchSem chan struct{}
}

// New builds a Service bound to an already-constructed Trainer.
func New(cfg config.TrainingConfig, tr *trainer.Trainer, forecastStore domain.ForecastStore, audit domain.AuditSink, features feature.Builder, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	parallel := cfg.MaxParallelRetrains
	if parallel <= 0 {
		parallel = 4
	}
	return &Service{
		cfg:           cfg,
		trainer:       tr,
		forecastStore: forecastStore,
		audit:         audit,
		features:      features,
		now:           now,
		batchSem:      make(chan struct{}, parallel),
	}
}

// Ingest folds one observation into the item's model, returning a typed
// error on rejection instead of a bare Ok/Rejected enum.
func (s *Service) Ingest(ctx context.Context, itemID string, y float64, ts time.Time, descriptor domain.ItemDescriptor) error {
	return s.trainer.OnObservation(ctx, itemID, descriptor, y, ts, descriptor.QuantityMax)
}

// Forecast builds the per-day feature series for [now+1, now+horizon],
// simulates the trajectory, derives the run-out/order-by dates and the
// recommended restock quantity, and persists the record.
func (s *Service) Forecast(ctx context.Context, itemID string, horizonDays int, descriptor domain.ItemDescriptor) (domain.Forecast, error) {
	if horizonDays < 1 || horizonDays > s.cfg.HorizonMaxDays {
		return domain.Forecast{}, domain.NewForecastError(domain.KindHorizonExceeded, itemID, fmt.Sprintf("horizon %d exceeds maximum of %d days", horizonDays, s.cfg.HorizonMaxDays), nil)
	}

	entry, err := s.trainer.EnsureLoaded(ctx, itemID, descriptor, descriptor.QuantityMax)
	if err != nil {
		return domain.Forecast{}, err
	}

	entry.Lock()
	params := entry.Parameters
	state := entry.LastState
	p := entry.P
	version := entry.Version
	entry.Unlock()

	now := s.now()
	featuresSeries := make([][]float64, horizonDays)
	for k := 0; k < horizonDays; k++ {
		day := now.AddDate(0, 0, k+1)
		built := s.features.Build(day, descriptor)
		featuresSeries[k] = built[:]
	}

	trajectory, lower, upper, err := statespace.Simulate(params, state, p, featuresSeries)
	if err != nil {
		return domain.Forecast{}, domain.NewForecastError(domain.KindNumericalFault, itemID, "simulation produced a non-finite result", err)
	}

	threshold := descriptor.QuantityMin
	runoutDay, confidence, err := statespace.RunoutProbe(params, state, p, threshold, horizonDays, featuresSeries)
	if err != nil {
		return domain.Forecast{}, domain.NewForecastError(domain.KindNumericalFault, itemID, "run-out probe produced a non-finite result", err)
	}

	leadDays := s.cfg.OrderLeadDays
	var predictedRunoutDate, recommendedOrderDate *time.Time
	recommendedQuantity := 0.0
	if runoutDay != nil {
		runoutDate := now.AddDate(0, 0, *runoutDay)
		predictedRunoutDate = &runoutDate
		orderDate := runoutDate.AddDate(0, 0, -leadDays)
		recommendedOrderDate = &orderDate

		qAtRunout := trajectory[*runoutDay-1]
		minUnit := descriptor.QuantityMin
		if minUnit <= 0 {
			minUnit = 1
		}
		recommendedQuantity = clamp(descriptor.QuantityMax-qAtRunout, minUnit, descriptor.QuantityMax)
	}

	forecastID := uuid.New().String()
	f := domain.Forecast{
		SchemaVersion:        domain.CurrentSchemaVersion,
		ForecastID:           forecastID,
		ItemID:               itemID,
		CreatedAt:            now,
		ModelVersion:         version,
		HorizonDays:          horizonDays,
		Trajectory:           trajectory,
		Lower95:              lower,
		Upper95:              upper,
		PredictedRunoutDate:  predictedRunoutDate,
		Confidence:           confidence,
		RecommendedOrderDate: recommendedOrderDate,
		RecommendedQuantity:  recommendedQuantity,
		FeaturesUsed:         featuresSeries,
	}

	if err := s.forecastStore.Upsert(ctx, f); err != nil {
		return domain.Forecast{}, domain.NewForecastError(domain.KindStoreUnavailable, itemID, "failed to persist forecast record", err)
	}
	s.logAudit(ctx, domain.ActionForecastGenerated, itemID, domain.OutcomeSuccess, map[string]any{
		"horizon_days": horizonDays,
		"confidence":   confidence,
		"has_runout":   runoutDay != nil,
	})

	return f, nil
}

// BatchForecast runs Forecast concurrently across items, bounded by
// max_parallel_retrains-sized fan-out, checking ctx between dispatches.
func (s *Service) BatchForecast(ctx context.Context, items []string, horizonDays int, descriptors map[string]domain.ItemDescriptor) ([]domain.Forecast, error) {
	results := make([]domain.Forecast, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	for i, itemID := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case s.batchSem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(i int, itemID string) {
			defer wg.Done()
			defer func() { <-s.batchSem }()

			itemCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			f, err := s.Forecast(itemCtx, itemID, horizonDays, descriptors[itemID])
			results[i] = f
			errs[i] = err
		}(i, itemID)
	}
	wg.Wait()

	out := make([]domain.Forecast, 0, len(items))
	for i, f := range results {
		if errs[i] == nil {
			out = append(out, f)
		}
	}
	return out, ctx.Err()
}

// LowStock returns item ids whose latest forecast predicts run-out within
// withinDays and whose confidence is at least the configured minimum.
func (s *Service) LowStock(ctx context.Context, withinDays int) ([]string, error) {
	ids, err := s.allForecastedItems(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var low []string
	for _, itemID := range ids {
		f, err := s.forecastStore.LatestForItem(ctx, itemID)
		if err != nil || f == nil || f.PredictedRunoutDate == nil {
			continue
		}
		if f.Confidence < s.cfg.LowStockConfidenceMin {
			continue
		}
		daysOut := int(math.Ceil(f.PredictedRunoutDate.Sub(now).Hours() / 24))
		if daysOut <= withinDays {
			low = append(low, itemID)
		}
	}
	return low, nil
}

// allForecastedItems scopes low_stock to the currently hot registry: the
// ForecastStore interface has no enumeration method, only per-item lookups,
// so a host wanting a full-catalog scan must drive it by iterating its own
// item list and calling Forecast first.
func (s *Service) allForecastedItems(ctx context.Context) ([]string, error) {
	return s.trainer.Registry().Items(), nil
}

// RecordActualRunout updates the stored forecast with the observed run-out
// date, for accuracy measurement.
func (s *Service) RecordActualRunout(ctx context.Context, itemID string, horizonDays int, date time.Time) error {
	if err := s.forecastStore.SetActual(ctx, itemID, horizonDays, date); err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, itemID, "failed to record actual run-out", err)
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, action domain.AuditActionType, itemID string, outcome domain.AuditOutcome, details map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Log(ctx, domain.AuditEntry{
		Timestamp:  s.now(),
		ActionType: action,
		ItemID:     itemID,
		Outcome:    outcome,
		Details:    details,
	})
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case hi > 0 && v > hi:
		return hi
	default:
		return v
	}
}
