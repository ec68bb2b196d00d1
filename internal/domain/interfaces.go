package domain

import (
	"context"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These are the four abstract collaborators the forecasting core depends on.
// Infrastructure packages implement them; the core never imports a concrete
// store package.

// ObservationStore durably persists and replays per-item observations.
// Implementations must ensure readers see all appends committed before the
// read call returns (read-your-writes across the store boundary).
type ObservationStore interface {
	Append(ctx context.Context, obs Observation) error
	// Range iterates observations for item_id within [from, to], oldest-first.
	// The returned iterator is finite and non-restartable.
	Range(ctx context.Context, itemID string, from, to time.Time) (ObservationIterator, error)
	Last(ctx context.Context, itemID string) (*Observation, error)
	// ItemIDs enumerates all known item ids, for scheduler scans.
	ItemIDs(ctx context.Context) ([]string, error)
}

// ObservationIterator walks an ObservationStore.Range result oldest-first.
// Callers must call Close when done, even after Next returns false.
type ObservationIterator interface {
	Next() bool
	Observation() Observation
	Err() error
	Close() error
}

// ModelStore persists versioned checkpoints with atomic publication.
type ModelStore interface {
	Load(ctx context.Context, key string) (*ModelCheckpoint, error)
	Store(ctx context.Context, key string, ckpt ModelCheckpoint) error
	ListCategories(ctx context.Context) ([]string, error)
	// Quarantine renames the backing object for key so it is no longer
	// returned by Load, recording reason for diagnosis.
	Quarantine(ctx context.Context, key, reason string) error
}

// ForecastStore persists the latest forecast per (item_id, horizon_days).
type ForecastStore interface {
	Upsert(ctx context.Context, f Forecast) error
	GetLatest(ctx context.Context, itemID string, horizonDays int) (*Forecast, error)
	// LatestForItem returns the most recently created forecast across all
	// horizons for itemID, used by low_stock scans.
	LatestForItem(ctx context.Context, itemID string) (*Forecast, error)
	SetActual(ctx context.Context, itemID string, horizonDays int, date time.Time) error
}

// AuditActionType enumerates the structured audit events the core emits.
type AuditActionType string

const (
	ActionObservationRejected  AuditActionType = "observation_rejected"
	ActionForecastGenerated    AuditActionType = "forecast_generated"
	ActionModelRetrained       AuditActionType = "model_retrained"
	ActionCheckpointQuarantine AuditActionType = "checkpoint_quarantined"
	ActionRetrainFailed        AuditActionType = "retrain_failed"
)

// AuditOutcome is the result of the audited action.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditEntry is one structured record appended to the AuditSink.
type AuditEntry struct {
	Timestamp  time.Time
	ActionType AuditActionType
	ItemID     string // empty for entries with no single item subject
	Outcome    AuditOutcome
	Details    map[string]any
}

// AuditSink receives structured audit events. Implementations must not block
// the caller on slow downstream sinks for longer than their configured
// timeout; callers treat Log as fire-and-forget-on-success.
type AuditSink interface {
	Log(ctx context.Context, entry AuditEntry) error
}
