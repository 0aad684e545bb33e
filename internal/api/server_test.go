package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"codechronos-sandbox/internal/config"
	"codechronos-sandbox/internal/monitor"
	"codechronos-sandbox/internal/sandbox"
)

type stubHealth bool

func (s stubHealth) Healthy(_ context.Context) bool { return bool(s) }

func newTestServer(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{"secret"}
	if deps.Backend == nil {
		deps.Backend = &mockBackend{}
	}
	return NewServer(cfg, deps).Handler()
}

func TestServer_Routes(t *testing.T) {
	backend := &mockBackend{report: sandbox.ValidationReport{Safe: true, Issues: []string{}}}
	srv := newTestServer(t, Deps{Backend: backend})

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"health without key", http.MethodGet, "/health", "", http.StatusOK},
		{"validate without key", http.MethodPost, "/validate", "", http.StatusUnauthorized},
		{"validate with key", http.MethodPost, "/validate", "secret", http.StatusOK},
		{"wrong method", http.MethodGet, "/validate", "secret", http.StatusMethodNotAllowed},
		{"unknown route", http.MethodGet, "/nope", "secret", http.StatusNotFound},
		{"preview without key", http.MethodGet, "/preview/missing/", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"code":"x = 1"}`))
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID header")
			}
		})
	}
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name       string
		deps       Deps
		wantCode   int
		wantStatus string
	}{
		{"no dependencies", Deps{}, http.StatusOK, "ok"},
		{"all healthy", Deps{Cache: stubHealth(true)}, http.StatusOK, "ok"},
		{"cache down", Deps{Cache: stubHealth(false)}, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.deps.Backend = &mockBackend{previews: []sandbox.PreviewHandle{{ID: "p"}}}
			srv := newTestServer(t, tt.deps)

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Status != tt.wantStatus || resp.ActivePreviews != 1 {
				t.Errorf("got %+v, want status %q with one preview", resp, tt.wantStatus)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	metrics := monitor.NewMetrics()
	srv := newTestServer(t, Deps{Metrics: metrics})

	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(`{"code":"x = 1"}`))
	req.Header.Set("X-API-Key", "secret")
	srv.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(metrics.RequestsInFlight); got != 0 {
		t.Errorf("RequestsInFlight = %v, want 0 after the request", got)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sandbox_") {
		t.Errorf("metrics output missing sandbox_ series:\n%s", rec.Body.String())
	}
}
