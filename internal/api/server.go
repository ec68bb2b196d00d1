// Package api exposes the ambient status surface: /healthz and /metrics.
// The forecasting operations themselves (Ingest, Forecast, BatchForecast,
// LowStock, RecordActualRunout) have no prescribed wire protocol and are not
// reachable here — this is operational infrastructure for whatever host
// process embeds the forecasting core, not the forecasting API itself.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/forecast-core/internal/forecast/scheduler"
	"github.com/tutu-network/forecast-core/internal/forecast/trainer"
)

// Server serves /healthz and /metrics for a running forecasting core.
type Server struct {
	registry  *trainer.Registry
	scheduler *scheduler.Scheduler
	now       func() time.Time
}

// New builds a Server. sched may be nil if the host process drives retrains
// itself rather than running the built-in scheduler; /healthz then reports
// the registry size without cycle stats.
func New(registry *trainer.Registry, sched *scheduler.Scheduler) *Server {
	return &Server{registry: registry, scheduler: sched, now: time.Now}
}

// Handler returns the root http.Handler for the status server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

type healthResponse struct {
	Status        string             `json:"status"`
	Time          time.Time          `json:"time"`
	ModelsLoaded  int                `json:"models_loaded"`
	SchedulerIdle bool               `json:"scheduler_idle"`
	LastCycle     *schedulerCycleDTO `json:"last_cycle,omitempty"`
}

type schedulerCycleDTO struct {
	ScannedAt  time.Time `json:"scanned_at"`
	Scanned    int       `json:"scanned"`
	Dispatched int       `json:"dispatched"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}

// handleHealthz reports registry size and, when a scheduler is attached,
// the stats from its most recently completed retrain cycle.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Time:         s.now(),
		ModelsLoaded: s.registry.Len(),
	}

	if s.scheduler != nil {
		cycle := s.scheduler.LastCycle()
		resp.SchedulerIdle = cycle.ScannedAt == 0
		if !resp.SchedulerIdle {
			resp.LastCycle = &schedulerCycleDTO{
				ScannedAt:  time.Unix(cycle.ScannedAt, 0).UTC(),
				Scanned:    cycle.Scanned,
				Dispatched: cycle.Dispatched,
				Succeeded:  cycle.Succeeded,
				Failed:     cycle.Failed,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers for local dashboards polling /healthz.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
