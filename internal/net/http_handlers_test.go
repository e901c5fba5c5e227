package net

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "lockstep/server"
	"lockstep/server/internal/metrics"
	"lockstep/server/internal/observability"
)

func newTestHandler(t *testing.T, cfg HTTPHandlerConfig) (*server.Hub, http.Handler) {
	t.Helper()
	registry := metrics.NewRegistry()
	hubCfg := server.DefaultHubConfig()
	hubCfg.Metrics = registry
	hub := server.NewHubWithConfig(hubCfg, nil)
	if cfg.Metrics == nil {
		cfg.Metrics = registry.Handler()
	}
	return hub, NewHTTPHandler(hub, cfg)
}

func TestHealth(t *testing.T) {
	_, handler := newTestHandler(t, HTTPHandlerConfig{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", resp.Body.String())
}

func TestDiagnosticsReportsEngineState(t *testing.T) {
	_, handler := newTestHandler(t, HTTPHandlerConfig{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	var payload struct {
		Status    string `json:"status"`
		TickRate  int    `json:"tickRate"`
		BytesSent string `json:"bytesSent"`
		Engine    struct {
			Started bool `json:"started"`
			Head    uint64
			Peers   int `json:"peers"`
		} `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, 30, payload.TickRate)
	assert.Equal(t, "0 B", payload.BytesSent)
	assert.False(t, payload.Engine.Started)
	assert.Zero(t, payload.Engine.Peers)
}

func TestDiagnosticsRejectsWrongMethod(t *testing.T) {
	_, handler := newTestHandler(t, HTTPHandlerConfig{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/diagnostics", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestMetricsExposition(t *testing.T) {
	_, handler := newTestHandler(t, HTTPHandlerConfig{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, strings.Contains(resp.Body.String(), "go_goroutines"))
}

func TestPprofIsOptIn(t *testing.T) {
	_, handler := newTestHandler(t, HTTPHandlerConfig{})
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	_, handler = newTestHandler(t, HTTPHandlerConfig{Observability: observability.Config{EnablePprof: true}})
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}
