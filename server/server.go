// Package server exposes a tokenquota.Service over HTTP/JSON.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ineyio/tokenquota"
)

// Server routes HTTP requests to one shared Service.
type Server struct {
	listen  string
	svc     *tokenquota.Service
	mux     *http.ServeMux
	logger  *slog.Logger
	metrics http.Handler
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a Server listening on listen.
func New(listen string, svc *tokenquota.Service, opts ...Option) *Server {
	s := &Server{
		listen: listen,
		svc:    svc,
		mux:    http.NewServeMux(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("POST /users", s.handleCreate)
	s.mux.HandleFunc("GET /users", s.handleList)
	s.mux.HandleFunc("GET /users/{userId}", s.handleGet)
	s.mux.HandleFunc("PUT /users/{userId}/limit", s.handleUpdateLimit)
	s.mux.HandleFunc("POST /users/{userId}/usage", s.handleRecordUsage)
	s.mux.HandleFunc("DELETE /users/{userId}", s.handleDelete)
	s.mux.HandleFunc("POST /invoke/{userId}", s.handleInvoke)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("tokenquota listening", "addr", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
