// Package server wires the HTTP surface: the websocket endpoint, health
// checks, and prometheus metrics.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/observer/syncroom/internal/config"
	"github.com/observer/syncroom/internal/gateway"
	"github.com/observer/syncroom/internal/middleware"
)

// Dependencies holds all service dependencies for the server.
type Dependencies struct {
	Gateway *gateway.Gateway
	Logger  *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: handler,
		// No WriteTimeout: websocket connections outlive any sane value.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	// One websocket connection per client; a burst of reconnects from one
	// address is fine, a flood is not.
	connLimiter := middleware.NewConnLimiter(30)
	mux.Handle("GET /ws", connLimiter.Middleware(http.HandlerFunc(deps.Gateway.HandleWS)))
}
