package monitor

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SnapshotFunc produces the current progress snapshot served on /status.
// The orchestrator supplies it; the value must be JSON-marshalable.
type SnapshotFunc func() any

// NewRouter builds the status listener's routes: a JSON progress snapshot on
// /status and Prometheus metrics on /metrics.
func NewRouter(m *Metrics, snapshot SnapshotFunc, updateGauges func()) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	r.Method(http.MethodGet, "/metrics", m.Handler(updateGauges))

	return r
}
