// Package auditlog implements domain.AuditSink with structured logging plus
// Prometheus counters, the same "log line + counter" pairing the teacher's
// executor and observability packages use for every audited event.
package auditlog

import (
	"context"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tutu-network/forecast-core/internal/domain"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forecast",
	Subsystem: "audit",
	Name:      "events_total",
	Help:      "Audit events logged, tagged by action type and outcome.",
}, []string{"action", "outcome"})

// Sink implements domain.AuditSink by writing one structured log line per
// entry via the standard logger and incrementing a matching counter.
type Sink struct {
	logger *log.Logger
}

// New returns a Sink. logger defaults to log.Default() when nil.
func New(logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.Default()
	}
	return &Sink{logger: logger}
}

// Log records entry. It never returns an error: a logging/metrics sink must
// not be able to fail the forecasting operation that triggered it.
func (s *Sink) Log(ctx context.Context, entry domain.AuditEntry) error {
	eventsTotal.WithLabelValues(string(entry.ActionType), string(entry.Outcome)).Inc()

	if entry.ItemID != "" {
		s.logger.Printf("[audit] %s item=%s outcome=%s details=%v", entry.ActionType, entry.ItemID, entry.Outcome, entry.Details)
	} else {
		s.logger.Printf("[audit] %s outcome=%s details=%v", entry.ActionType, entry.Outcome, entry.Details)
	}
	return nil
}
