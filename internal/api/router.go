package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sydlexius/mediaproxy/internal/api/middleware"
)

// RouterDeps bundles all dependencies needed by the HTTP router.
type RouterDeps struct {
	// Proxy serves every path; the path itself is ignored so clients can
	// put a file name there.
	Proxy  http.Handler
	Logger *slog.Logger
	// RequestsPerSecond enables per-client rate limiting of proxy requests
	// when positive.
	RequestsPerSecond float64
	Burst             int
}

// Router sets up all HTTP routes for the application.
type Router struct {
	proxy  http.Handler
	logger *slog.Logger
	rps    float64
	burst  int
}

// NewRouter creates a new Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	return &Router{
		proxy:  deps.Proxy,
		logger: deps.Logger,
		rps:    deps.RequestsPerSecond,
		burst:  deps.Burst,
	}
}

// Handler returns the root handler. ctx bounds background work such as
// rate limiter cleanup.
func (r *Router) Handler(ctx context.Context) http.Handler {
	proxy := r.proxy
	if r.rps > 0 {
		proxy = middleware.NewRateLimiter(ctx, r.rps, r.burst).Middleware(proxy)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth(proxy))
	mux.Handle("GET /", proxy)
	mux.HandleFunc("/", handleMethodNotAllowed)

	var h http.Handler = mux
	h = middleware.SecurityHeaders(h)
	h = middleware.Logging(r.logger)(h)
	h = middleware.RequestID(r.logger)(h)
	h = middleware.Recover(r.logger)(h)
	return h
}
