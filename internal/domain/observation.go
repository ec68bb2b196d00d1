// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of the forecasting core — it depends on nothing
// but the standard library.
package domain

import "time"

// ObservationSource identifies where a quantity reading came from.
type ObservationSource string

const (
	SourceSensor  ObservationSource = "sensor"
	SourceReceipt ObservationSource = "receipt"
	SourceManual  ObservationSource = "manual"
	SourceSystem  ObservationSource = "system"
)

// Observation is an immutable timestamped quantity reading for one item.
// Created by ingestion, never mutated. Duplicates at identical timestamps
// are tolerated — the later record wins.
type Observation struct {
	ItemID    string            `json:"item_id"`
	Timestamp time.Time         `json:"timestamp"`
	Quantity  float64           `json:"quantity"`
	Source    ObservationSource `json:"source"`
}

// ItemDescriptor holds the read-only inputs needed to build features for an
// item. Supplied by the inventory subsystem; the forecasting core never
// writes it.
type ItemDescriptor struct {
	Category      string     `json:"category"`
	Perishable    bool       `json:"perishable"`
	HouseholdSize int        `json:"household_size"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	QuantityMin   float64    `json:"quantity_min"`
	QuantityMax   float64    `json:"quantity_max"`
}
