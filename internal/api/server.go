// Package api serves halo's local control API: platform signals, lifecycle
// events, identity changes and read-through queries for the daemon.
package api

import (
	"net/http"

	"github.com/oriys/halo/internal/cache"
	"github.com/oriys/halo/internal/connectivity"
	"github.com/oriys/halo/internal/lifecycle"
	"github.com/oriys/halo/internal/logging"
	"github.com/oriys/halo/internal/observability"
	"github.com/oriys/halo/internal/storage"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Binder      *lifecycle.Binder
	Conn        *connectivity.Reconciler
	Store       storage.Store
	Invalidator *cache.Invalidator // Optional: broadcasts invalidations to peers
}

// NewHandler builds the routed, traced handler.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	h := &Handler{
		Binder:      cfg.Binder,
		Conn:        cfg.Conn,
		Store:       cfg.Store,
		Invalidator: cfg.Invalidator,
	}
	h.RegisterRoutes(mux)
	return observability.HTTPMiddleware(mux)
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: NewHandler(cfg),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
