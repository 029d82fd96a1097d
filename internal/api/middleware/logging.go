package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// scrubPatterns are substrings that indicate sensitive values in log output.
var scrubPatterns = []string{"apikey", "api_key", "password", "secret", "token", "signature", "authorization"}

// Logging returns middleware that logs each HTTP request with structured
// fields. Sensitive query values are redacted, including those inside the
// proxied url parameter.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			l := logger
			if id := RequestIDFrom(r.Context()); id != "" {
				l = l.With(slog.String("request_id", id))
			}
			l.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("query", scrubQuery(r.URL.RawQuery)),
				slog.Int("status", sw.status),
				slog.Int64("bytes", sw.written),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// scrubQuery redacts sensitive query parameter values.
func scrubQuery(raw string) string {
	if raw == "" {
		return ""
	}

	parts := strings.Split(raw, "&")
	for i, part := range parts {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if sensitive(kv[0]) {
			parts[i] = kv[0] + "=REDACTED"
			continue
		}
		if kv[0] == "url" {
			parts[i] = "url=" + url.QueryEscape(scrubURL(kv[1]))
		}
	}
	return strings.Join(parts, "&")
}

// scrubURL redacts sensitive parameters of an escaped target URL.
func scrubURL(escaped string) string {
	raw, err := url.QueryUnescape(escaped)
	if err != nil {
		return escaped
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	u.RawQuery = scrubQuery(u.RawQuery)
	return u.String()
}

func sensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range scrubPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
