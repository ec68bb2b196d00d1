// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of the forecasting core — it depends on nothing.
package domain

import "time"

// ─── State-Space Types ──────────────────────────────────────────────────────

// ModelState is the 4-vector latent state [q, r, t, s]:
//
//	Q — estimated current quantity
//	R — consumption rate, units/day, positive reduces Q
//	T — trend (acceleration of consumption)
//	S — seasonal offset
type ModelState struct {
	Q float64 `json:"q"`
	R float64 `json:"r"`
	T float64 `json:"t"`
	S float64 `json:"s"`
}

// Vector returns the state as a plain [q, r, t, s] array.
func (m ModelState) Vector() [4]float64 {
	return [4]float64{m.Q, m.R, m.T, m.S}
}

// StateFromVector builds a ModelState from a [q, r, t, s] array.
func StateFromVector(v [4]float64) ModelState {
	return ModelState{Q: v[0], R: v[1], T: v[2], S: v[3]}
}

// Covariance is the 4x4 state covariance P, stored row-major and always kept
// symmetric positive semi-definite by the filter step.
type Covariance [16]float64

// At returns P[i][j] from the row-major storage.
func (c Covariance) At(i, j int) float64 { return c[i*4+j] }

// Set writes P[i][j] into the row-major storage.
func (c *Covariance) Set(i, j int, v float64) { c[i*4+j] = v }

// ModelParameters is the tuple (F, B, H, Q, R) governing the linear-Gaussian
// state-space model. H is fixed at [1, 0, 0, 0] by construction and is not
// stored per-model.
type ModelParameters struct {
	// F is the 4x4 state transition matrix, row-major.
	F [16]float64
	// B is the 4xFeatureWidth feature-influence matrix, row-major.
	B []float64
	// Q is the 4x4 process-noise covariance, row-major.
	Q [16]float64
	// R is the scalar observation-noise variance.
	R float64
	// FeatureWidth is the number of columns in B.
	FeatureWidth int
}

// BAt returns B[row][col] given the parameters' feature width.
func (p ModelParameters) BAt(row, col int) float64 {
	return p.B[row*p.FeatureWidth+col]
}

// BSet writes B[row][col] given the parameters' feature width.
func (p *ModelParameters) BSet(row, col int, v float64) {
	p.B[row*p.FeatureWidth+col] = v
}

// ─── Training Stats ─────────────────────────────────────────────────────────

// TrainingStats is the rolling accuracy/health summary for one item's model.
type TrainingStats struct {
	MAE                        float64   `json:"mae"`
	RMSE                       float64   `json:"rmse"`
	EWMAError                  float64   `json:"ewma_error"`
	ObservationsSeen           int64     `json:"observations_seen"`
	LastUpdateAt               time.Time `json:"last_update_at"`
	ConsecutiveRetrainFailures int       `json:"consecutive_retrain_failures"`
	// ForecastAccuracy is an exponentially-decayed score derived from
	// comparing past predicted run-out dates against recorded actuals.
	ForecastAccuracy float64 `json:"forecast_accuracy"`
}

// ─── Checkpoint ─────────────────────────────────────────────────────────────

// CurrentSchemaVersion is the envelope schema version this build writes and
// the only version it reads without falling back to the next warm-start
// source.
const CurrentSchemaVersion uint32 = 1

// ModelCheckpoint is a persisted, versioned snapshot of a model's parameters
// and state, sufficient to resume filtering exactly.
type ModelCheckpoint struct {
	SchemaVersion  uint32          `json:"schema_version"`
	ModelID        string          `json:"model_id"`
	ItemOrCategory string          `json:"item_or_category"`
	Version        uint64          `json:"version"`
	Parameters     ModelParameters `json:"parameters"`
	LastState      ModelState      `json:"last_state"`
	P              Covariance      `json:"p"`
	TrainedAt      time.Time       `json:"trained_at"`
	FeatureNames   []string        `json:"feature_names"`
	Stats          TrainingStats   `json:"training_stats"`
	// CRC32 covers the serialized parameters+state+P and is recomputed on
	// every write; a mismatch on read means CheckpointCorrupt.
	CRC32 uint32 `json:"crc32"`
}

// ─── Forecast ───────────────────────────────────────────────────────────────

// Forecast is the output of one ForecastService.Forecast call, persisted per
// (item_id, horizon_days) and overwritten by the latest run.
type Forecast struct {
	SchemaVersion        uint32      `json:"schema_version"`
	ForecastID           string      `json:"forecast_id"`
	ItemID               string      `json:"item_id"`
	CreatedAt            time.Time   `json:"created_at"`
	ModelVersion         uint64      `json:"model_version"`
	HorizonDays          int         `json:"horizon_days"`
	Trajectory           []float64   `json:"trajectory"`
	Lower95              []float64   `json:"lower95"`
	Upper95              []float64   `json:"upper95"`
	PredictedRunoutDate  *time.Time  `json:"predicted_runout_date,omitempty"`
	Confidence           float64     `json:"confidence"`
	RecommendedOrderDate *time.Time  `json:"recommended_order_date,omitempty"`
	RecommendedQuantity  float64     `json:"recommended_quantity"`
	FeaturesUsed         [][]float64 `json:"features_used"`
	ActualRunoutDate     *time.Time  `json:"actual_runout_date,omitempty"`
}

// WidthAt returns the half-width of the confidence band on day k (1-indexed
// into Trajectory), or 0 if k is out of range.
func (f Forecast) WidthAt(k int) float64 {
	idx := k - 1
	if idx < 0 || idx >= len(f.Upper95) || idx >= len(f.Lower95) {
		return 0
	}
	return (f.Upper95[idx] - f.Lower95[idx]) / 2
}
