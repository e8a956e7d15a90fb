package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/muurk/rbfhub/internal/logging"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logRequests logs every HTTP request once it has been served.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		logging.LogHTTPRequest(req.RemoteAddr, req.Method, req.URL.Path, rec.status, time.Since(start))
	})
}

func newHTTPServer(s *Server) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.WSPath, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return &http.Server{
		Handler:           logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.GetActiveConnections(),
	})
}
