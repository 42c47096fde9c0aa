package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"arch-install-proxy/internal/config"
	"arch-install-proxy/internal/metrics"
)

func TestRegisterRoutes_EveryPathIsProxied(t *testing.T) {
	f := okFetcher("echo hi\n", nil)
	e := echo.New()
	RegisterRoutes(e, newTestHandler(f))

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/"},
		{http.MethodGet, "/install.sh"},
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/a/b/c?d=e"},
		{http.MethodPost, "/"},
		{http.MethodPut, "/upload"},
		{http.MethodPatch, "/x"},
		{http.MethodDelete, "/x"},
		{http.MethodOptions, "/"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("ignored"))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename="install.sh"` {
				t.Errorf("Content-Disposition = %q", got)
			}
			if rec.Body.String() != "echo hi\n" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "echo hi\n")
			}
		})
	}

	if got := f.Calls(); got != len(tests) {
		t.Errorf("upstream calls = %d, want %d", got, len(tests))
	}
}

func TestRegisterAdminRoutes_Wiring(t *testing.T) {
	cfg := &config.Config{Admin: config.AdminConfig{MetricsPath: "/prom"}}
	m := metrics.New()

	e := echo.New()
	RegisterAdminRoutes(e, NewHealthHandler("test"), m, cfg)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"healthz", "/healthz", http.StatusOK},
		{"status", "/status", http.StatusOK},
		{"metrics", "/prom", http.StatusOK},
		{"default metrics path unused", "/metrics", http.StatusNotFound},
		{"unknown", "/install.sh", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterAdminRoutes_ExposesMetrics(t *testing.T) {
	cfg := &config.Config{Admin: config.AdminConfig{MetricsPath: "/metrics"}}
	m := metrics.New()
	m.UpstreamTransportErrors.Inc()

	e := echo.New()
	RegisterAdminRoutes(e, NewHealthHandler("test"), m, cfg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "arch_install_proxy_upstream_transport_errors_total 1") {
		t.Errorf("metrics output missing transport error counter:\n%s", rec.Body.String())
	}
}
