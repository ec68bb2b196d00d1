package trainer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var observationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forecast",
	Subsystem: "trainer",
	Name:      "observations_processed_total",
	Help:      "Observations successfully folded into a per-item model.",
}, []string{"outcome"})

var observationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forecast",
	Subsystem: "trainer",
	Name:      "observations_rejected_total",
	Help:      "Observations rejected by validation, tagged by reason.",
}, []string{"reason"})

var retrainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forecast",
	Subsystem: "trainer",
	Name:      "retrains_total",
	Help:      "Full retrain attempts, tagged by outcome.",
}, []string{"outcome"})

var registrySize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "forecast",
	Subsystem: "trainer",
	Name:      "registry_entries",
	Help:      "Current number of items held in the hot registry.",
})

var checkpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forecast",
	Subsystem: "trainer",
	Name:      "checkpoint_writes_total",
	Help:      "Checkpoint persistence attempts, tagged by outcome.",
}, []string{"outcome"})
