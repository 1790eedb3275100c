package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"m3u8-proxy-go/internal/metrics"
	"m3u8-proxy-go/internal/proxyurl"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte("#EXTM3U\n#EXTINF:4,\na.ts\n"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	e := echo.New()
	RegisterRoutes(e, cfg, metrics.New(), newTestHandler(t, cfg), NewHealthHandler(cfg, "test"))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET /proxy playlist", http.MethodGet, proxyurl.Path(upstream.URL + "/index.m3u8"), http.StatusOK},
		{"GET /proxy bad target", http.MethodGet, "/proxy/not-a-url", http.StatusBadRequest},
		{"POST /proxy not allowed", http.MethodPost, proxyurl.Path(upstream.URL + "/index.m3u8"), http.StatusMethodNotAllowed},
		{"GET /unknown", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	e := echo.New()
	RegisterRoutes(e, cfg, nil, newTestHandler(t, cfg), NewHealthHandler(cfg, "test"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when metrics are disabled", rec.Code)
	}
}

func TestRegisterRoutes_MetricsExposition(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/internal/metrics"
	m := metrics.New()
	m.StreamedResponses.Inc()

	e := echo.New()
	RegisterRoutes(e, cfg, m, newTestHandler(t, cfg), NewHealthHandler(cfg, "test"))

	req := httptest.NewRequest(http.MethodGet, "/internal/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "m3u8_proxy_streamed_responses_total 1") {
		t.Errorf("metrics output missing streamed counter:\n%s", rec.Body.String())
	}
}
