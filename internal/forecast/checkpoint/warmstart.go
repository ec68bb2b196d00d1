package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tutu-network/forecast-core/internal/domain"
	"github.com/tutu-network/forecast-core/internal/forecast/statespace"
)

// DefaultParameters returns the identity-like prior used when neither a
// per-item checkpoint nor a category warm-start is available: a small daily
// decrement prior on r, diagonal process noise, and a conservative
// observation variance.
func DefaultParameters(featureWidth int) domain.ModelParameters {
	var f, q [16]float64
	f[0*4+0] = 1
	f[0*4+1] = -1
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

// Resolved is a fully materialized model ready to be handed to an
// OnlineTrainer registry entry, along with which warm-start source produced
// it (for audit logging).
type Resolved struct {
	Parameters domain.ModelParameters
	State      domain.ModelState
	P          domain.Covariance
	Version    uint64
	Source     string // "item", "category", "default"

	// TrainedAt and Stats carry over the item's own last full retrain time
	// and error statistics when Source is "item"; zero otherwise, since a
	// category or default warm-start has no retrain history of its own for
	// this item yet.
	TrainedAt time.Time
	Stats     domain.TrainingStats
}

// Resolve implements the lookup order from the warm-start chain: per-item
// checkpoint, then category warm-start re-seeded from current quantity and
// recent history, then hardcoded defaults.
func Resolve(ctx context.Context, store domain.ModelStore, itemID, category string, currentQuantity float64, recentObs []domain.Observation, quantityMax float64, featureWidth int) (Resolved, error) {
	ckpt, err := store.Load(ctx, itemKey(itemID))
	if err != nil {
		if !isFallthrough(err) {
			return Resolved{}, err
		}
		if isCorrupt(err) {
			_ = store.Quarantine(ctx, itemKey(itemID), err.Error())
		}
	}
	if ckpt != nil && ckpt.SchemaVersion == domain.CurrentSchemaVersion {
		return Resolved{
			Parameters: ckpt.Parameters,
			State:      ckpt.LastState,
			P:          ckpt.P,
			Version:    ckpt.Version,
			Source:     "item",
			TrainedAt:  ckpt.TrainedAt,
			Stats:      ckpt.Stats,
		}, nil
	}

	catCkpt, err := store.Load(ctx, categoryKey(category))
	if err != nil {
		if !isFallthrough(err) {
			return Resolved{}, err
		}
		if isCorrupt(err) {
			_ = store.Quarantine(ctx, categoryKey(category), err.Error())
		}
	}
	if catCkpt != nil {
		state, p := statespace.Initialize(currentQuantity, recentObs, &catCkpt.LastState.R, quantityMax)
		return Resolved{
			Parameters: catCkpt.Parameters,
			State:      state,
			P:          p,
			Version:    0,
			Source:     "category",
		}, nil
	}

	state, p := statespace.Initialize(currentQuantity, recentObs, nil, quantityMax)
	return Resolved{
		Parameters: DefaultParameters(featureWidth),
		State:      state,
		P:          p,
		Version:    0,
		Source:     "default",
	}, nil
}

// isFallthrough reports whether err is an expected "try the next warm-start
// source" condition (not found, or quarantined-as-corrupt) rather than an
// infrastructure failure that must propagate to the caller.
func isFallthrough(err error) bool {
	var fe *domain.ForecastError
	if errors.As(err, &fe) {
		return fe.Kind == domain.KindCheckpointCorrupt || fe.Kind == domain.KindUnknownItem
	}
	return false
}

func isCorrupt(err error) bool {
	var fe *domain.ForecastError
	return errors.As(err, &fe) && fe.Kind == domain.KindCheckpointCorrupt
}

func itemKey(itemID string) string     { return "items/" + itemID }
func categoryKey(category string) string { return "pretrained/" + category }

// NewCheckpoint packages a resolved model plus stats into a persistable
// ModelCheckpoint, bumping version and stamping the current time.
func NewCheckpoint(itemOrCategory string, modelID string, version uint64, params domain.ModelParameters, state domain.ModelState, p domain.Covariance, stats domain.TrainingStats, featureNames []string, now time.Time) domain.ModelCheckpoint {
	if modelID == "" {
		modelID = uuid.New().String()
	}
	return domain.ModelCheckpoint{
		SchemaVersion:  domain.CurrentSchemaVersion,
		ModelID:        modelID,
		ItemOrCategory: itemOrCategory,
		Version:        version,
		Parameters:     params,
		LastState:      state,
		P:              p,
		TrainedAt:      now,
		FeatureNames:   featureNames,
		Stats:          stats,
	}
}

// ItemKey and CategoryKey expose the ModelStore key convention for callers
// outside this package (the trainer, the pretrainer, the CLI).
func ItemKey(itemID string) string       { return itemKey(itemID) }
func CategoryKey(category string) string { return categoryKey(category) }
