// Package api exposes the health and sync-status HTTP surface of a replica.
// The query-serving API itself lives elsewhere; everything here is read-only.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/graphmesh/schemasync/internal/appctx"
	"github.com/graphmesh/schemasync/internal/schemacache"
)

// SyncStatus is the response body of the sync status endpoint.
type SyncStatus struct {
	// ResourceVersion the local cache is built from; null before first sync
	ResourceVersion *int64 `json:"resource_version"`

	// RebuildInProgress reports whether a cache mutation is currently running
	RebuildInProgress bool `json:"rebuild_in_progress"`
}

// NewRouter builds the HTTP router for the health/status surface.
func NewRouter(holder *schemacache.Holder, appCtx *appctx.AppContext, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(appCtx.Cors))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		cache := holder.Current()
		if cache.ResourceVersion == nil {
			http.Error(w, "awaiting first schema sync", http.StatusServiceUnavailable)
			return
		}
		if holder.RebuildInProgress() {
			http.Error(w, "schema rebuild in progress", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/v0/sync/status", func(w http.ResponseWriter, _ *http.Request) {
		cache := holder.Current()
		status := SyncStatus{
			RebuildInProgress: holder.RebuildInProgress(),
		}
		if cache.ResourceVersion != nil {
			v := int64(*cache.ResourceVersion)
			status.ResourceVersion = &v
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			logger.Error("failed to encode sync status", zap.Error(err))
		}
	})

	return r
}

// corsMiddleware applies the derived CORS policy to the status surface.
func corsMiddleware(policy appctx.CorsPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && !policy.Disabled {
				if policy.AllowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else if policy.AllowsOrigin(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
