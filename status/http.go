package status

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitwit/autopay/logger"
)

type healthResponse struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

// NewHandler serves /status, /health and, when gatherer is set, /metrics.
func NewHandler(rep *Reporter, gatherer prometheus.Gatherer, log logger.Logger) http.Handler {
	log = logger.OrNoop(log)
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		report, err := rep.Report(req.Context())
		if err != nil {
			log.Error("build status report", map[string]any{"error": err})
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Reasons: []string{err.Error()}})
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		report, err := rep.Report(req.Context())
		switch {
		case err != nil:
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Reasons: []string{err.Error()}})
		case report.Degraded:
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Reasons: report.Reasons})
		default:
			writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		}
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
