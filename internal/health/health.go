// Package health provides the HTTP liveness and readiness probes served by
// the worker and tokenbroker processes.
//
//   - /healthz — liveness; always returns 200 while the process serves HTTP.
//   - /readyz  — readiness; returns 200 only when every registered [Checker]
//     passes, 503 otherwise.
//
// The readiness response is a JSON object with a top-level "status" and a
// per-check breakdown including the probe latency, e.g.:
//
//	{"status":"fail","checks":{"broker":{"status":"ok","duration_ms":0},
//	  "bus":{"status":"fail","error":"dial tcp ...","duration_ms":102}}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout caps a single readiness probe.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is the per-probe entry in the readiness response.
type checkResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// report is the JSON body of both probes.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers, in order, on
// each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always reports ok. A process that can answer HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline derived from the
// request context and reports 503 if any of them fail.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := report{
		Status: "ok",
		Checks: make(map[string]checkResult, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		start := time.Now()
		err := c.Check(ctx)
		elapsed := time.Since(start)
		cancel()

		entry := checkResult{Status: "ok", DurationMS: elapsed.Milliseconds()}
		if err != nil {
			entry.Status = "fail"
			entry.Error = err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
		res.Checks[c.Name] = entry
	}

	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
