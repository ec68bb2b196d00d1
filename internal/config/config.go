// Package config loads the forecasting core's TOML configuration, mirroring
// the section-per-concern struct layout and DefaultConfig convention used
// throughout the rest of this module.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration document. Sections group by concern:
// Training holds the tunables spec.md names explicitly, Stores and API hold
// the ambient wiring the forecasting core itself stays silent on but the
// hosting binary needs.
type Config struct {
	Training TrainingConfig `toml:"training"`
	Stores   StoresConfig   `toml:"stores"`
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`
}

// TrainingConfig holds every tunable from the configuration table.
type TrainingConfig struct {
	EWMAAlpha              float64 `toml:"ewma_alpha"`
	LearningRate           float64 `toml:"learning_rate"`
	RetrainIntervalDays    int     `toml:"retrain_interval_days"`
	RetrainErrorThreshold  float64 `toml:"retrain_error_threshold"` // 0 means derive as 0.5*quantity_max per item
	MinPersistIntervalSec  int     `toml:"min_persist_interval_sec"`
	DefaultConfidence      float64 `toml:"default_confidence"`
	HorizonMaxDays         int     `toml:"horizon_max_days"`
	OrderLeadDays          int     `toml:"order_lead_days"`
	BackfillWindowDays     int     `toml:"backfill_window_days"`
	MaxParallelRetrains    int     `toml:"max_parallel_retrains"`
	RegistryCapacity       int     `toml:"registry_capacity"`
	LowStockConfidenceMin  float64 `toml:"low_stock_confidence_min"`
	MaxConsecutiveFailures int     `toml:"max_consecutive_retrain_failures"`
}

// RetrainInterval returns RetrainIntervalDays as a time.Duration.
func (t TrainingConfig) RetrainInterval() time.Duration {
	return time.Duration(t.RetrainIntervalDays) * 24 * time.Hour
}

// MinPersistInterval returns MinPersistIntervalSec as a time.Duration.
func (t TrainingConfig) MinPersistInterval() time.Duration {
	return time.Duration(t.MinPersistIntervalSec) * time.Second
}

// BackfillWindow returns BackfillWindowDays as a time.Duration.
func (t TrainingConfig) BackfillWindow() time.Duration {
	return time.Duration(t.BackfillWindowDays) * 24 * time.Hour
}

// StoresConfig points at the backing files for the collaborator stores.
type StoresConfig struct {
	SQLitePath string `toml:"sqlite_path"`
	BadgerPath string `toml:"badger_path"`
	ModelDir   string `toml:"model_dir"`
	// UseBadger selects the badger-backed ObservationStore over sqlite.
	UseBadger bool `toml:"use_badger"`
}

// APIConfig configures the ambient health/metrics HTTP surface.
type APIConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig configures structured logging verbosity.
type LogConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns the defaults from spec.md's configuration table plus
// the ambient fields the hosting binary needs to start.
func DefaultConfig() Config {
	return Config{
		Training: TrainingConfig{
			EWMAAlpha:              0.3,
			LearningRate:           1e-3,
			RetrainIntervalDays:    7,
			RetrainErrorThreshold:  0,
			MinPersistIntervalSec:  60,
			DefaultConfidence:      0.95,
			HorizonMaxDays:         90,
			OrderLeadDays:          3,
			BackfillWindowDays:     90,
			MaxParallelRetrains:    4,
			RegistryCapacity:       10000,
			LowStockConfidenceMin:  0.5,
			MaxConsecutiveFailures: 3,
		},
		Stores: StoresConfig{
			SQLitePath: "forecast.db",
			BadgerPath: "forecast-badger",
			ModelDir:   "models",
			UseBadger:  false,
		},
		API: APIConfig{
			Addr: "127.0.0.1:8090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a TOML document at path, layering it over DefaultConfig so a
// partial file only overrides the keys it sets.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
