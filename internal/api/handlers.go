// Package api wires the HTTP surface: routes, middleware and the small
// JSON endpoints that sit beside the proxy.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sydlexius/mediaproxy/internal/version"
)

// handleHealth answers liveness checks. A request carrying a url parameter
// is a proxy request for a file that happens to be called healthz.
func (r *Router) handleHealth(proxy http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Has("url") {
			proxy.ServeHTTP(w, req)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
			"commit":  version.Commit,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func handleMethodNotAllowed(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Allow", "GET, HEAD")
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
