// Package health serves the gateway's liveness and readiness endpoints.
//
// Readiness is derived from the gateway's own state rather than a generic
// check list: /readyz reports whether the UDP socket is bound and whether the
// client registry has room, alongside any optional dependency probes (the
// transcript archive). A gateway at its client soft cap is still serving its
// existing fleet, so capacity exhaustion reports as "degraded" with 200
// rather than failing the probe and inviting a restart that would drop every
// live call.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single dependency probe.
const probeTimeout = 5 * time.Second

// Status values reported by /readyz.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// GatewayStatus is a snapshot of the UDP gateway's serving state, supplied
// by the embedding application on every /readyz request.
type GatewayStatus struct {
	// Listening reports whether the UDP socket is bound and the receive
	// loop running.
	Listening bool `json:"listening"`

	// ActiveClients is the current client registry size.
	ActiveClients int `json:"active_clients"`

	// MaxClients is the registry soft cap; zero means unlimited.
	MaxClients int `json:"max_clients,omitempty"`
}

// AtCapacity reports whether new client IPs are currently being rejected.
func (g GatewayStatus) AtCapacity() bool {
	return g.MaxClients > 0 && g.ActiveClients >= g.MaxClients
}

// Probe checks one optional dependency (e.g. the archive's connection pool).
// It must respect context cancellation and return nil when healthy.
type Probe func(ctx context.Context) error

// Handler serves /healthz and /readyz. Probes are registered before the
// handler is mounted; it is then safe for concurrent use.
type Handler struct {
	status     func() GatewayStatus
	probeNames []string
	probes     map[string]Probe
}

// NewHandler creates a Handler over the given gateway status source.
func NewHandler(status func() GatewayStatus) *Handler {
	return &Handler{
		status: status,
		probes: make(map[string]Probe),
	}
}

// AddProbe registers a named dependency probe evaluated on every /readyz
// request, in registration order.
func (h *Handler) AddProbe(name string, p Probe) {
	if _, dup := h.probes[name]; !dup {
		h.probeNames = append(h.probeNames, name)
	}
	h.probes[name] = p
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe: a process that can answer HTTP is alive,
// regardless of whether the gateway is taking calls yet.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyReport is the /readyz response body.
type readyReport struct {
	Status  string            `json:"status"`
	Gateway GatewayStatus     `json:"gateway"`
	Probes  map[string]string `json:"probes,omitempty"`
}

// Readyz evaluates the gateway snapshot and every registered probe.
//
//   - 503 "not_ready": socket unbound or a dependency probe failing.
//   - 200 "degraded": serving, but the registry is at its soft cap.
//   - 200 "ready": everything healthy.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	report := readyReport{
		Gateway: h.status(),
	}

	probesOK := true
	if len(h.probes) > 0 {
		report.Probes = make(map[string]string, len(h.probes))
		for _, name := range h.probeNames {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := h.probes[name](ctx)
			cancel()
			if err != nil {
				report.Probes[name] = "fail: " + err.Error()
				probesOK = false
			} else {
				report.Probes[name] = "ok"
			}
		}
	}

	switch {
	case !report.Gateway.Listening || !probesOK:
		report.Status = StatusNotReady
		writeJSON(w, http.StatusServiceUnavailable, report)
	case report.Gateway.AtCapacity():
		report.Status = StatusDegraded
		writeJSON(w, http.StatusOK, report)
	default:
		report.Status = StatusReady
		writeJSON(w, http.StatusOK, report)
	}
}

// writeJSON encodes v with the given status code, falling back to a plain
// 500 on encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
