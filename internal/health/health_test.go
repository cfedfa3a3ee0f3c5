package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) readyReport {
	t.Helper()
	var report readyReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return report
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	h := NewHandler(func() GatewayStatus { return GatewayStatus{} })
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyzStates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		gateway    GatewayStatus
		wantCode   int
		wantStatus string
	}{
		{
			name:       "listening with room",
			gateway:    GatewayStatus{Listening: true, ActiveClients: 3, MaxClients: 10},
			wantCode:   http.StatusOK,
			wantStatus: StatusReady,
		},
		{
			name:       "socket not bound",
			gateway:    GatewayStatus{Listening: false},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
		},
		{
			// At the soft cap the gateway still serves its existing fleet;
			// failing readiness here would invite a restart that drops every
			// live call.
			name:       "registry at capacity",
			gateway:    GatewayStatus{Listening: true, ActiveClients: 10, MaxClients: 10},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name:       "unlimited registry never degrades",
			gateway:    GatewayStatus{Listening: true, ActiveClients: 5000, MaxClients: 0},
			wantCode:   http.StatusOK,
			wantStatus: StatusReady,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler(func() GatewayStatus { return tc.gateway })
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Fatalf("status code = %d, want %d", rec.Code, tc.wantCode)
			}
			if report := decodeReport(t, rec); report.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", report.Status, tc.wantStatus)
			}
		})
	}
}

func TestReadyzProbeFailureOverridesReady(t *testing.T) {
	t.Parallel()

	h := NewHandler(func() GatewayStatus {
		return GatewayStatus{Listening: true, ActiveClients: 1, MaxClients: 10}
	})
	h.AddProbe("archive", func(context.Context) error { return errors.New("pool exhausted") })

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503", rec.Code)
	}
	report := decodeReport(t, rec)
	if report.Status != StatusNotReady {
		t.Errorf("status = %q, want %q", report.Status, StatusNotReady)
	}
	if report.Probes["archive"] != "fail: pool exhausted" {
		t.Errorf("archive probe = %q", report.Probes["archive"])
	}
}

func TestReadyzReportsGatewaySnapshot(t *testing.T) {
	t.Parallel()

	h := NewHandler(func() GatewayStatus {
		return GatewayStatus{Listening: true, ActiveClients: 7, MaxClients: 256}
	})
	h.AddProbe("archive", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	report := decodeReport(t, rec)
	if report.Gateway.ActiveClients != 7 || report.Gateway.MaxClients != 256 {
		t.Errorf("gateway snapshot = %+v", report.Gateway)
	}
	if report.Probes["archive"] != "ok" {
		t.Errorf("archive probe = %q", report.Probes["archive"])
	}
}
