// Package sqlitestore implements domain.ObservationStore and
// domain.ForecastStore on top of SQLite, following the teacher's
// migrations-as-a-slice-of-statements idiom: schema changes are plain SQL
// strings executed in order against a single *sql.DB handle.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tutu-network/forecast-core/internal/domain"
)

// DB wraps the raw SQLite handle and exposes the domain store interfaces.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// every pending migration.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	db := &DB{db: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// Migrations returns the schema migration statements, one DDL statement per
// entry, executed in order on Open.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS observations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			item_id    TEXT NOT NULL,
			ts         TEXT NOT NULL,
			quantity   REAL NOT NULL,
			source     TEXT NOT NULL,
			UNIQUE(item_id, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_item_ts ON observations(item_id, ts)`,

		`CREATE TABLE IF NOT EXISTS forecasts (
			item_id                TEXT NOT NULL,
			horizon_days           INTEGER NOT NULL,
			forecast_id            TEXT NOT NULL,
			schema_version         INTEGER NOT NULL,
			created_at             TEXT NOT NULL,
			model_version          INTEGER NOT NULL,
			trajectory             TEXT NOT NULL,
			lower95                TEXT NOT NULL,
			upper95                TEXT NOT NULL,
			features_used          TEXT NOT NULL,
			predicted_runout_date  TEXT,
			confidence             REAL NOT NULL,
			recommended_order_date TEXT,
			recommended_quantity   REAL NOT NULL,
			actual_runout_date     TEXT,
			PRIMARY KEY (item_id, horizon_days)
		)`,
	}
}

func (d *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w: %s", err, stmt)
		}
	}
	return nil
}

// ─── ObservationStore ───────────────────────────────────────────────────────

// Append inserts obs, replacing any prior row at the same (item_id, ts):
// "the later record wins" per domain.Observation's duplicate-timestamp rule.
func (d *DB) Append(ctx context.Context, obs domain.Observation) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO observations (item_id, ts, quantity, source)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(item_id, ts) DO UPDATE SET
			quantity = excluded.quantity,
			source   = excluded.source
	`, obs.ItemID, obs.Timestamp.UTC().Format(time.RFC3339Nano), obs.Quantity, string(obs.Source))
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, obs.ItemID, "append observation", err)
	}
	return nil
}

// Range returns an iterator over observations for itemID within [from, to],
// oldest first.
func (d *DB) Range(ctx context.Context, itemID string, from, to time.Time) (domain.ObservationIterator, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT ts, quantity, source FROM observations
		WHERE item_id = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, itemID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, itemID, "range observations", err)
	}
	return &rowIterator{itemID: itemID, rows: rows}, nil
}

// Last returns the most recent observation for itemID, or nil if none exist.
func (d *DB) Last(ctx context.Context, itemID string) (*domain.Observation, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT ts, quantity, source FROM observations
		WHERE item_id = ? ORDER BY ts DESC LIMIT 1
	`, itemID)
	var tsStr, source string
	var quantity float64
	err := row.Scan(&tsStr, &quantity, &source)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, itemID, "last observation", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, itemID, "parse observation timestamp", err)
	}
	return &domain.Observation{ItemID: itemID, Timestamp: ts, Quantity: quantity, Source: domain.ObservationSource(source)}, nil
}

// ItemIDs enumerates every distinct item_id with at least one observation,
// for the scheduler's retrain scan.
func (d *DB) ItemIDs(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT DISTINCT item_id FROM observations ORDER BY item_id`)
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, "", "list item ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.NewForecastError(domain.KindStoreUnavailable, "", "scan item id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowIterator struct {
	itemID string
	rows   *sql.Rows
	cur    domain.Observation
	err    error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var tsStr, source string
	var quantity float64
	if it.err = it.rows.Scan(&tsStr, &quantity, &source); it.err != nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		it.err = err
		return false
	}
	it.cur = domain.Observation{ItemID: it.itemID, Timestamp: ts, Quantity: quantity, Source: domain.ObservationSource(source)}
	return true
}

func (it *rowIterator) Observation() domain.Observation { return it.cur }
func (it *rowIterator) Err() error                      { return it.err }
func (it *rowIterator) Close() error                    { return it.rows.Close() }

// ─── ForecastStore ──────────────────────────────────────────────────────────

// Upsert writes f, replacing any prior forecast for the same
// (item_id, horizon_days).
func (d *DB) Upsert(ctx context.Context, f domain.Forecast) error {
	trajectory, err := json.Marshal(f.Trajectory)
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, f.ItemID, "marshal trajectory", err)
	}
	lower95, err := json.Marshal(f.Lower95)
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, f.ItemID, "marshal lower95", err)
	}
	upper95, err := json.Marshal(f.Upper95)
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, f.ItemID, "marshal upper95", err)
	}
	features, err := json.Marshal(f.FeaturesUsed)
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, f.ItemID, "marshal features_used", err)
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO forecasts (
			item_id, horizon_days, forecast_id, schema_version, created_at,
			model_version, trajectory, lower95, upper95, features_used,
			predicted_runout_date, confidence, recommended_order_date,
			recommended_quantity, actual_runout_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id, horizon_days) DO UPDATE SET
			forecast_id            = excluded.forecast_id,
			schema_version          = excluded.schema_version,
			created_at              = excluded.created_at,
			model_version           = excluded.model_version,
			trajectory              = excluded.trajectory,
			lower95                 = excluded.lower95,
			upper95                 = excluded.upper95,
			features_used           = excluded.features_used,
			predicted_runout_date   = excluded.predicted_runout_date,
			confidence              = excluded.confidence,
			recommended_order_date  = excluded.recommended_order_date,
			recommended_quantity    = excluded.recommended_quantity,
			actual_runout_date      = excluded.actual_runout_date
	`,
		f.ItemID, f.HorizonDays, f.ForecastID, f.SchemaVersion, f.CreatedAt.UTC().Format(time.RFC3339Nano),
		f.ModelVersion, string(trajectory), string(lower95), string(upper95), string(features),
		formatOptionalTime(f.PredictedRunoutDate), f.Confidence, formatOptionalTime(f.RecommendedOrderDate),
		f.RecommendedQuantity, formatOptionalTime(f.ActualRunoutDate),
	)
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, f.ItemID, "upsert forecast", err)
	}
	return nil
}

// GetLatest returns the stored forecast for (itemID, horizonDays), or nil if
// none exists.
func (d *DB) GetLatest(ctx context.Context, itemID string, horizonDays int) (*domain.Forecast, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT item_id, horizon_days, forecast_id, schema_version, created_at,
			model_version, trajectory, lower95, upper95, features_used,
			predicted_runout_date, confidence, recommended_order_date,
			recommended_quantity, actual_runout_date
		FROM forecasts WHERE item_id = ? AND horizon_days = ?
	`, itemID, horizonDays)
	return scanForecast(row)
}

// LatestForItem returns the most recently created forecast across all
// horizons for itemID.
func (d *DB) LatestForItem(ctx context.Context, itemID string) (*domain.Forecast, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT item_id, horizon_days, forecast_id, schema_version, created_at,
			model_version, trajectory, lower95, upper95, features_used,
			predicted_runout_date, confidence, recommended_order_date,
			recommended_quantity, actual_runout_date
		FROM forecasts WHERE item_id = ? ORDER BY created_at DESC LIMIT 1
	`, itemID)
	return scanForecast(row)
}

// SetActual records the observed run-out date for (itemID, horizonDays),
// used to later score forecast accuracy.
func (d *DB) SetActual(ctx context.Context, itemID string, horizonDays int, date time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE forecasts SET actual_runout_date = ? WHERE item_id = ? AND horizon_days = ?
	`, date.UTC().Format(time.RFC3339Nano), itemID, horizonDays)
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, itemID, "set actual runout", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewForecastError(domain.KindStoreUnavailable, itemID, "set actual runout rows affected", err)
	}
	if n == 0 {
		return domain.NewForecastError(domain.KindUnknownItem, itemID, "no forecast on file for this horizon", nil)
	}
	return nil
}

func scanForecast(row *sql.Row) (*domain.Forecast, error) {
	var f domain.Forecast
	var createdAtStr string
	var trajectory, lower95, upper95, features string
	var predictedRunout, recommendedOrder, actualRunout sql.NullString

	err := row.Scan(
		&f.ItemID, &f.HorizonDays, &f.ForecastID, &f.SchemaVersion, &createdAtStr,
		&f.ModelVersion, &trajectory, &lower95, &upper95, &features,
		&predictedRunout, &f.Confidence, &recommendedOrder,
		&f.RecommendedQuantity, &actualRunout,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, f.ItemID, "scan forecast", err)
	}

	if f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr); err != nil {
		return nil, domain.NewForecastError(domain.KindStoreUnavailable, f.ItemID, "parse created_at", err)
	}
	if err := json.Unmarshal([]byte(trajectory), &f.Trajectory); err != nil {
		return nil, domain.NewForecastError(domain.KindCheckpointCorrupt, f.ItemID, "unmarshal trajectory", err)
	}
	if err := json.Unmarshal([]byte(lower95), &f.Lower95); err != nil {
		return nil, domain.NewForecastError(domain.KindCheckpointCorrupt, f.ItemID, "unmarshal lower95", err)
	}
	if err := json.Unmarshal([]byte(upper95), &f.Upper95); err != nil {
		return nil, domain.NewForecastError(domain.KindCheckpointCorrupt, f.ItemID, "unmarshal upper95", err)
	}
	if err := json.Unmarshal([]byte(features), &f.FeaturesUsed); err != nil {
		return nil, domain.NewForecastError(domain.KindCheckpointCorrupt, f.ItemID, "unmarshal features_used", err)
	}
	f.PredictedRunoutDate = parseOptionalTime(predictedRunout)
	f.RecommendedOrderDate = parseOptionalTime(recommendedOrder)
	f.ActualRunoutDate = parseOptionalTime(actualRunout)
	return &f, nil
}

func formatOptionalTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseOptionalTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
