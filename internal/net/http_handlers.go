package net

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"github.com/dustin/go-humanize"

	server "lockstep/server"
	"lockstep/server/internal/net/ws"
	"lockstep/server/internal/observability"
	"lockstep/server/internal/telemetry"
)

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	// Metrics serves the Prometheus exposition when set.
	Metrics nethttp.Handler
}

func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.DiscardLogger()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		diag := hub.Diagnostics()
		payload := struct {
			Status     string             `json:"status"`
			ServerTime int64              `json:"serverTime"`
			TickRate   int                `json:"tickRate"`
			Engine     server.Diagnostics `json:"engine"`
			BytesSent  string             `json:"bytesSent"`
			Broadcasts string             `json:"broadcasts"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			TickRate:   hub.Scheduler().Config().TickRate,
			Engine:     diag,
			BytesSent:  humanize.Bytes(diag.Relay.BytesSent),
			Broadcasts: humanize.Comma(int64(diag.Relay.Broadcasts)),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			logger.Printf("failed to encode diagnostics: %v", err)
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/ws", ws.NewHandler(hub, ws.HandlerConfig{Logger: logger}).Handle)

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	if cfg.Observability.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
