package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/muurk/rbfhub/internal/logging"
)

// requestLogger logs each request through the zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				// Hijacked for a WebSocket or nothing written.
				status = http.StatusSwitchingProtocols
				if r.Header.Get("Upgrade") == "" {
					status = http.StatusOK
				}
			}
			logging.LogHTTPRequest(r.RemoteAddr, r.Method, r.URL.Path, status, time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}
