// Package status serves the relay's health, state and metrics over HTTP,
// plus a live WebSocket feed of state changes and relay outcomes.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/darkden-lab/argus/relay/internal/metrics"
	"github.com/darkden-lab/argus/relay/internal/subscriber"
)

// Source reports the controller state. *subscriber.Controller implements it.
type Source interface {
	Status() subscriber.Status
}

type statusResponse struct {
	subscriber.Status
	Ready bool `json:"ready"`
}

// Server is the status HTTP server.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds a Server listening on addr. rps and burst limit requests
// across all clients; rps <= 0 disables the limit. A nil feed leaves
// /events unrouted.
func NewServer(addr string, src Source, m *metrics.Metrics, feed *Hub, rps float64, burst int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(src, m, feed, rps, burst),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger: logger.With("component", "status"),
	}
}

// NewRouter returns the routes served by Server.
func NewRouter(src Source, m *metrics.Metrics, feed *Hub, rps float64, burst int) *mux.Router {
	r := mux.NewRouter()
	if rps > 0 {
		r.Use(rateLimitMiddleware(rps, burst))
	}

	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", statusHandler(src)).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	if feed != nil {
		r.HandleFunc("/events", feed.ServeWS).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Serve listens on the configured address until Shutdown.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("Status server listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for active requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		st := src.Status()
		code := http.StatusOK
		if !st.Running {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, statusResponse{
			Status: st,
			Ready:  st.Connection == subscriber.Connected && st.Subscription == subscriber.Subscribed,
		})
	}
}

func rateLimitMiddleware(rps float64, burst int) mux.MiddlewareFunc {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
