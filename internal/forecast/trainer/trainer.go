// Package trainer implements the OnlineTrainer: the per-item registry that
// owns filter state, folds observations through the Kalman filter, adapts
// feature weights with a gradient step, and decides when a full retrain is
// due.
package trainer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tutu-network/forecast-core/internal/config"
	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/checkpoint"
	"github.com/tutu-network/forecast-core/internal/forecast/feature"
	"github.com/tutu-network/forecast-core/internal/forecast/statespace"
)

// Trainer owns the hot registry and drives filtering, gradient adaptation,
// and retraining for every item. It never imports a concrete store package —
// only the domain interfaces.
type Trainer struct {
	cfg        config.TrainingConfig
	registry   *Registry
	obsStore   domain.ObservationStore
	modelStore domain.ModelStore
	audit      domain.AuditSink
	features   feature.Builder
	now        func() time.Time
}

// New builds a Trainer. now defaults to time.Now when nil, overridable for
// deterministic tests.
func New(cfg config.TrainingConfig, obsStore domain.ObservationStore, modelStore domain.ModelStore, audit domain.AuditSink, features feature.Builder, now func() time.Time) *Trainer {
	if now == nil {
		now = time.Now
	}
	return &Trainer{
		cfg:        cfg,
		registry:   NewRegistry(cfg.RegistryCapacity),
		obsStore:   obsStore,
		modelStore: modelStore,
		audit:      audit,
		features:   features,
		now:        now,
	}
}

// Registry exposes the hot-entry registry for status reporting and
// low-stock scans.
func (t *Trainer) Registry() *Registry { return t.registry }

// EnsureLoaded returns the hot entry for itemID, materializing it from the
// warm-start chain on a cold miss, without recording any observation. Used
// by ForecastService to serve a forecast for an item that has history but
// isn't currently hot.
func (t *Trainer) EnsureLoaded(ctx context.Context, itemID string, descriptor domain.ItemDescriptor, quantityMax float64) (*Entry, error) {
	return t.getOrLoad(ctx, itemID, descriptor, quantityMax)
}

// getOrLoad returns the hot entry for itemID, materializing it from the
// warm-start chain on a cold miss.
func (t *Trainer) getOrLoad(ctx context.Context, itemID string, descriptor domain.ItemDescriptor, quantityMax float64) (*Entry, error) {
	if entry, ok := t.registry.Get(itemID); ok {
		return entry, nil
	}

	last, err := t.obsStore.Last(ctx, itemID)
	if err != nil {
		return nil, wrapStoreErr(itemID, err)
	}
	currentQuantity := 0.0
	if last != nil {
		currentQuantity = last.Quantity
	}

	recent, err := t.recentObservations(ctx, itemID, 14)
	if err != nil {
		return nil, wrapStoreErr(itemID, err)
	}

	resolved, err := checkpoint.Resolve(ctx, t.modelStore, itemID, descriptor.Category, currentQuantity, recent, quantityMax, feature.Width)
	if err != nil {
		return nil, wrapStoreErr(itemID, err)
	}

	lastFullRetrainAt := t.now()
	var stats domain.TrainingStats
	if resolved.Source == "item" && !resolved.TrainedAt.IsZero() {
		// An item that already owns a checkpoint keeps its real retrain
		// clock and error history across a cold load, so a process restart
		// (or LRU eviction) never resets how overdue it is for a retrain.
		lastFullRetrainAt = resolved.TrainedAt
		stats = resolved.Stats
	}

	entry := &Entry{
		ItemID:            itemID,
		Category:          descriptor.Category,
		ModelID:           "",
		Version:           resolved.Version,
		Parameters:        resolved.Parameters,
		LastState:         resolved.State,
		P:                 resolved.P,
		Stats:             stats,
		LastFullRetrainAt: lastFullRetrainAt,
	}
	if last != nil {
		entry.LastObservationAt = last.Timestamp
	}

	var evicted *Entry
	t.registry.Put(itemID, entry, func(e *Entry) { evicted = e })
	if evicted != nil && evicted.Dirty {
		t.persist(ctx, evicted)
	}
	return entry, nil
}

func (t *Trainer) recentObservations(ctx context.Context, itemID string, limit int) ([]domain.Observation, error) {
	last, err := t.obsStore.Last(ctx, itemID)
	if err != nil || last == nil {
		return nil, err
	}
	from := last.Timestamp.AddDate(0, 0, -limit)
	it, err := t.obsStore.Range(ctx, itemID, from, last.Timestamp)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var obs []domain.Observation
	for it.Next() {
		obs = append(obs, it.Observation())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return obs, nil
}

// OnObservation implements the observation handling pipeline: predict,
// update, gradient step, stats update, conditional persistence.
func (t *Trainer) OnObservation(ctx context.Context, itemID string, descriptor domain.ItemDescriptor, yObs float64, ts time.Time, quantityMax float64) error {
	if math.IsNaN(yObs) || math.IsInf(yObs, 0) || yObs < 0 {
		observationsRejected.WithLabelValues("invalid_value").Inc()
		t.logAudit(ctx, domain.ActionObservationRejected, itemID, domain.OutcomeFailure, map[string]any{"reason": "negative_or_nan"})
		return domain.NewForecastError(domain.KindInvalidObservation, itemID, "observation is negative, NaN, or infinite", nil)
	}

	entry, err := t.getOrLoad(ctx, itemID, descriptor, quantityMax)
	if err != nil {
		return err
	}

	entry.Lock()
	defer entry.Unlock()

	backfillWindow := t.cfg.BackfillWindow()
	if !entry.LastObservationAt.IsZero() && entry.LastObservationAt.Sub(ts) > backfillWindow {
		observationsRejected.WithLabelValues("too_old").Inc()
		t.logAudit(ctx, domain.ActionObservationRejected, itemID, domain.OutcomeFailure, map[string]any{"reason": "backfill_window_exceeded"})
		return domain.NewForecastError(domain.KindInvalidObservation, itemID, "observation older than the backfill window", nil)
	}

	if err := t.obsStore.Append(ctx, domain.Observation{ItemID: itemID, Timestamp: ts, Quantity: yObs, Source: domain.SourceSensor}); err != nil {
		return wrapStoreErr(itemID, err)
	}

	if entry.LastObservationAt.IsZero() && entry.Stats.ObservationsSeen == 0 {
		// A brand-new item had no stored quantity to start from; its first
		// observation is its current quantity.
		entry.LastState.Q = yObs
	}

	if !entry.LastObservationAt.IsZero() && ts.Before(entry.LastObservationAt) {
		// Out-of-order but within the backfill window: refilter the whole
		// suffix from history so the final state matches in-order arrival.
		return t.refilterFromHistory(ctx, entry, descriptor, quantityMax)
	}

	if err := t.foldObservation(entry, descriptor, yObs, ts, quantityMax); err != nil {
		return t.handleNumericalFault(ctx, entry, descriptor, quantityMax, err)
	}

	entry.LastObservationAt = ts
	entry.Dirty = true
	observationsProcessed.WithLabelValues("ok").Inc()

	if t.now().Sub(entry.LastCheckpointAt) > t.cfg.MinPersistInterval() {
		t.persistLocked(ctx, entry)
	}
	return nil
}

// foldObservation runs predict -> update -> gradient step -> stats update
// against entry's current state, mutating it in place.
func (t *Trainer) foldObservation(entry *Entry, descriptor domain.ItemDescriptor, yObs float64, ts time.Time, quantityMax float64) error {
	features := t.features.Build(ts, descriptor)

	statePrime, pPrime, yHat, err := statespace.Predict(entry.Parameters, entry.LastState, entry.P, features[:])
	if err != nil {
		return err
	}

	newState, newP, innovation, _, err := statespace.Update(entry.Parameters, statePrime, pPrime, yObs, quantityMax)
	if err != nil {
		return err
	}

	t.applyGradientStep(&entry.Parameters, features[:], innovation)
	updateStats(&entry.Stats, innovation, yHat, ts)

	entry.LastState = newState
	entry.P = newP
	return nil
}

// applyGradientStep adapts entry's feature weights against the learning
// rate and EWMA stabilizer this trainer is configured with.
func (t *Trainer) applyGradientStep(params *domain.ModelParameters, features []float64, innovation float64) {
	statespace.GradientStep(params, features, innovation, t.cfg.LearningRate, t.cfg.EWMAAlpha)
}

func updateStats(stats *domain.TrainingStats, innovation, yHat float64, ts time.Time) {
	stats.ObservationsSeen++
	absErr := math.Abs(innovation)

	n := float64(stats.ObservationsSeen)
	stats.MAE += (absErr - stats.MAE) / n
	sq := innovation * innovation
	prevMeanSq := stats.RMSE * stats.RMSE
	meanSq := prevMeanSq + (sq-prevMeanSq)/n
	stats.RMSE = math.Sqrt(math.Max(meanSq, 0))

	const statsAlpha = 0.1
	if stats.ObservationsSeen == 1 {
		stats.EWMAError = absErr
	} else {
		stats.EWMAError = (1-statsAlpha)*stats.EWMAError + statsAlpha*absErr
	}
	stats.LastUpdateAt = ts
	_ = yHat
}

// handleNumericalFault implements the NumericalFault policy: discard the
// in-flight update, rewind to the last persisted checkpoint, and schedule an
// immediate retrain.
func (t *Trainer) handleNumericalFault(ctx context.Context, entry *Entry, descriptor domain.ItemDescriptor, quantityMax float64, cause error) error {
	resolved, err := checkpoint.Resolve(ctx, t.modelStore, entry.ItemID, descriptor.Category, entry.LastState.Q, nil, quantityMax, entry.Parameters.FeatureWidth)
	if err == nil {
		entry.Parameters = resolved.Parameters
		entry.LastState = resolved.State
		entry.P = resolved.P
		entry.Version = resolved.Version
	}
	t.logAudit(ctx, domain.ActionRetrainFailed, entry.ItemID, domain.OutcomeFailure, map[string]any{"reason": "numerical_fault"})
	return domain.NewForecastError(domain.KindNumericalFault, entry.ItemID, "filter update produced a non-finite or non-PSD result; rewound to last checkpoint", cause)
}

// refilterFromHistory rebuilds the entry from its warm-start source and
// folds the complete observation history in timestamp order, used for
// out-of-order backfills within the window.
func (t *Trainer) refilterFromHistory(ctx context.Context, entry *Entry, descriptor domain.ItemDescriptor, quantityMax float64) error {
	it, err := t.obsStore.Range(ctx, entry.ItemID, time.Time{}, t.now())
	if err != nil {
		return wrapStoreErr(entry.ItemID, err)
	}
	defer it.Close()

	var history []domain.Observation
	for it.Next() {
		history = append(history, it.Observation())
	}
	if err := it.Err(); err != nil {
		return wrapStoreErr(entry.ItemID, err)
	}
	if len(history) == 0 {
		return nil
	}

	resolved, err := checkpoint.Resolve(ctx, t.modelStore, entry.ItemID, descriptor.Category, history[0].Quantity, nil, quantityMax, entry.Parameters.FeatureWidth)
	if err != nil {
		return wrapStoreErr(entry.ItemID, err)
	}

	entry.Parameters = resolved.Parameters
	entry.LastState = resolved.State
	entry.P = resolved.P

	for _, obs := range history {
		if err := t.foldObservation(entry, descriptor, obs.Quantity, obs.Timestamp, quantityMax); err != nil {
			return t.handleNumericalFault(ctx, entry, descriptor, quantityMax, err)
		}
	}
	entry.LastObservationAt = history[len(history)-1].Timestamp
	entry.Dirty = true
	observationsProcessed.WithLabelValues("refiltered").Inc()
	return nil
}

// NeedsRetrain reports whether entry is due for a full retrain: either the
// periodic cadence has elapsed, or the EWMA error has crossed the
// configured threshold (derived as 0.5*quantityMax when unset). Once
// RetrainFailures reaches MaxConsecutiveFailures the cadence trigger is
// skipped and only the error threshold can make the entry due.
func (t *Trainer) NeedsRetrain(entry *Entry, quantityMax float64) bool {
	entry.Lock()
	defer entry.Unlock()

	paused := entry.RetrainFailures >= t.cfg.MaxConsecutiveFailures
	if !paused && t.now().Sub(entry.LastFullRetrainAt) >= t.cfg.RetrainInterval() {
		return true
	}
	threshold := t.cfg.RetrainErrorThreshold
	if threshold <= 0 {
		threshold = 0.5 * quantityMax
	}
	return math.Abs(entry.Stats.EWMAError) > threshold
}

// Retrain pulls the full observation history, rebuilds from the category
// warm-start (or the defaults when the category has none), and folds observations for up to 3 passes or until the MSE
// change drops below 1%. On success the entry is replaced atomically; on
// failure the prior entry remains active.
func (t *Trainer) Retrain(ctx context.Context, itemID string, descriptor domain.ItemDescriptor, quantityMax float64) error {
	entry, ok := t.registry.Get(itemID)
	if !ok {
		var err error
		entry, err = t.getOrLoad(ctx, itemID, descriptor, quantityMax)
		if err != nil {
			return err
		}
	}

	entry.Lock()
	defer entry.Unlock()

	it, err := t.obsStore.Range(ctx, itemID, time.Time{}, t.now())
	if err != nil {
		return t.retrainFailed(ctx, entry, wrapStoreErr(itemID, err))
	}
	var history []domain.Observation
	for it.Next() {
		history = append(history, it.Observation())
	}
	closeErr := it.Err()
	it.Close()
	if closeErr != nil {
		return t.retrainFailed(ctx, entry, wrapStoreErr(itemID, closeErr))
	}
	if len(history) == 0 {
		return t.retrainFailed(ctx, entry, fmt.Errorf("no observation history to retrain from"))
	}

	// Start over from the category warm-start, never from the item's own
	// checkpoint, whose state already reflects the history refolded below.
	catCkpt, err := t.modelStore.Load(ctx, checkpoint.CategoryKey(descriptor.Category))
	if err != nil {
		return t.retrainFailed(ctx, entry, err)
	}
	resolved := checkpoint.Resolved{Parameters: checkpoint.DefaultParameters(entry.Parameters.FeatureWidth)}
	var categoryR *float64
	if catCkpt != nil {
		resolved.Parameters, categoryR = catCkpt.Parameters, &catCkpt.LastState.R
	}
	resolved.State, resolved.P = statespace.Initialize(history[0].Quantity, nil, categoryR, quantityMax)

	candidate := &Entry{
		ItemID:     itemID,
		Category:   descriptor.Category,
		Version:    entry.Version,
		Parameters: resolved.Parameters,
		LastState:  resolved.State,
		P:          resolved.P,
	}

	prevMSE := math.Inf(1)
	for pass := 0; pass < 3; pass++ {
		var sumSq float64
		for _, obs := range history {
			statePrime, pPrime, yHat, err := statespace.Predict(candidate.Parameters, candidate.LastState, candidate.P, t.features.Build(obs.Timestamp, descriptor)[:])
			if err != nil {
				return t.retrainFailed(ctx, entry, err)
			}
			newState, newP, innovation, _, err := statespace.Update(candidate.Parameters, statePrime, pPrime, obs.Quantity, quantityMax)
			if err != nil {
				return t.retrainFailed(ctx, entry, err)
			}
			t.applyGradientStep(&candidate.Parameters, t.features.Build(obs.Timestamp, descriptor)[:], innovation)
			_ = yHat
			candidate.LastState = newState
			candidate.P = newP
			sumSq += innovation * innovation
		}
		mse := sumSq / float64(len(history))
		if math.Abs(prevMSE-mse) < 0.01*mse {
			prevMSE = mse
			break
		}
		prevMSE = mse
	}

	candidate.Stats = entry.Stats
	candidate.Stats.RMSE = math.Sqrt(math.Max(prevMSE, 0))
	candidate.Stats.ConsecutiveRetrainFailures = 0
	candidate.LastFullRetrainAt = t.now()
	candidate.LastObservationAt = history[len(history)-1].Timestamp
	candidate.Dirty = true
	candidate.RetrainFailures = 0

	// Copy fields individually rather than `*entry = *candidate`: entry's
	// mutex is held by this call's caller and must not be overwritten.
	entry.ModelID = candidate.ModelID
	entry.Version = candidate.Version
	entry.Parameters = candidate.Parameters
	entry.LastState = candidate.LastState
	entry.P = candidate.P
	entry.Stats = candidate.Stats
	entry.LastFullRetrainAt = candidate.LastFullRetrainAt
	entry.LastObservationAt = candidate.LastObservationAt
	entry.Dirty = candidate.Dirty
	entry.RetrainFailures = candidate.RetrainFailures

	retrainsTotal.WithLabelValues("ok").Inc()
	t.logAudit(ctx, domain.ActionModelRetrained, itemID, domain.OutcomeSuccess, map[string]any{"mse": prevMSE, "observations": len(history)})

	t.persistLocked(ctx, entry)
	return nil
}

func (t *Trainer) retrainFailed(ctx context.Context, entry *Entry, cause error) error {
	entry.RetrainFailures++
	entry.Stats.ConsecutiveRetrainFailures = entry.RetrainFailures
	retrainsTotal.WithLabelValues("failed").Inc()
	t.logAudit(ctx, domain.ActionRetrainFailed, entry.ItemID, domain.OutcomeFailure, map[string]any{"error": cause.Error(), "consecutive_failures": entry.RetrainFailures})
	return domain.NewForecastError(domain.KindRetrainFailed, entry.ItemID, "full retrain failed; prior model remains active", cause)
}

// persist writes entry's current state to the ModelStore, acquiring its
// lock first. Use persistLocked when the caller already holds it.
func (t *Trainer) persist(ctx context.Context, entry *Entry) {
	entry.Lock()
	defer entry.Unlock()
	t.persistLocked(ctx, entry)
}

func (t *Trainer) persistLocked(ctx context.Context, entry *Entry) {
	entry.Version++
	ckpt := checkpoint.NewCheckpoint(checkpoint.ItemKey(entry.ItemID), entry.ModelID, entry.Version, entry.Parameters, entry.LastState, entry.P, entry.Stats, nil, t.now())
	if err := t.modelStore.Store(ctx, checkpoint.ItemKey(entry.ItemID), ckpt); err != nil {
		checkpointWrites.WithLabelValues("failed").Inc()
		return
	}
	checkpointWrites.WithLabelValues("ok").Inc()
	entry.ModelID = ckpt.ModelID
	entry.LastCheckpointAt = t.now()
	entry.Dirty = false
}

func (t *Trainer) logAudit(ctx context.Context, action domain.AuditActionType, itemID string, outcome domain.AuditOutcome, details map[string]any) {
	if t.audit == nil {
		return
	}
	_ = t.audit.Log(ctx, domain.AuditEntry{
		Timestamp:  t.now(),
		ActionType: action,
		ItemID:     itemID,
		Outcome:    outcome,
		Details:    details,
	})
}

func wrapStoreErr(itemID string, err error) error {
	if err == nil {
		return nil
	}
	return domain.NewForecastError(domain.KindStoreUnavailable, itemID, "store operation failed", err)
}
