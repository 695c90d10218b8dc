// Package fileserver serves the staged package repository over HTTP so
// the guest package manager can fetch repo.json and tarballs through the
// user-mode network (the guest reaches the host as 10.0.2.2).
package fileserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server provides the package repository plus metrics and health endpoints.
type Server struct {
	addr   string
	dir    string
	server *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// New creates a server for the artifact directory. It does not bind
// until Start.
func New(addr, dir string, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		dir:    dir,
		logger: logger,
	}

	mux := http.NewServeMux()

	// Package repository root: repo.json and tarballs.
	mux.Handle("/", s.logRequests(http.FileServer(http.Dir(dir))))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/healthz", healthHandler)

	// Ready check (same as health for now)
	mux.HandleFunc("/ready", healthHandler)
	mux.HandleFunc("/readyz", healthHandler)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	return s
}

// healthHandler handles health check requests.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// logRequests logs every repository request at debug level so guest
// package downloads are visible without drowning the console output.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("repo_request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// Start binds the listen address and serves in a goroutine. A bind
// failure is returned synchronously. Use Shutdown to stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding repo server on %s: %w", s.addr, err)
	}
	s.ln = ln

	s.logger.Info("repo_server_starting", "addr", s.Addr(), "dir", s.dir)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("repo_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("repo_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Dir returns the served artifact directory.
func (s *Server) Dir() string {
	return s.dir
}
