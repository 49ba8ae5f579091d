// Package health serves liveness and readiness probes on the ops endpoint.
//
//   - /healthz — liveness; a process that answers HTTP is alive.
//   - /readyz  — readiness; 200 only while every registered [Check] passes,
//     typically the memory store and its backing database.
//
// Bodies are JSON with a "status" field ("ok" or "fail") and a per-check
// "checks" map on /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness check.
const probeTimeout = 5 * time.Second

// Check probes one dependency. Probe must honour context cancellation and
// return nil while the dependency can serve.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// response is the wire shape of both probes.
type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the two probe routes. The check list is fixed at
// construction; the handler is safe for concurrent use.
type Handler struct {
	checks []Check
}

// New creates a Handler running the given checks, in order, on each /readyz
// request.
func New(checks ...Check) *Handler {
	return &Handler{checks: append([]Check(nil), checks...)}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz answers 200 while every check passes, 503 otherwise, with the
// individual results in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	out := response{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := c.Probe(ctx)
		cancel()
		if err != nil {
			out.Checks[c.Name] = "fail: " + err.Error()
			out.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			out.Checks[c.Name] = "ok"
		}
	}

	writeJSON(w, status, out)
}

// Register adds both probe routes to mux.
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
