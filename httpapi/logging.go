package httpapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"pkt.systems/moorage/internal/logx"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

// statusWriter records the status and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// withRequestLogging scopes the request logger to the session named in the
// path and logs one line per request. Probe and scrape traffic logs at
// debug, server errors at warn.
func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if id := sessionFromPath(r.URL.Path); id != "" {
			ctx = logx.ContextWithSession(ctx, schema.SessionID(id))
			r = r.WithContext(ctx)
		}
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		log := pslog.Ctx(ctx).With(
			"method", r.Method,
			"path", r.URL.RequestURI(),
			"status", sw.status,
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", clientIP(r),
		)
		switch {
		case isProbe(r.URL.Path):
			log.Debug("http request")
		case sw.status >= http.StatusInternalServerError:
			log.Warn("http request")
		default:
			log.Info("http request")
		}
	})
}

func isProbe(p string) bool {
	return strings.HasSuffix(p, "/healthz") || strings.HasSuffix(p, "/metrics")
}

// clientIP prefers the first X-Forwarded-For hop, then the peer host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
