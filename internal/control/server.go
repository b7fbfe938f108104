// Package control provides an HTTP status sidecar for a running
// Numscull server: a /status endpoint summarizing session and project
// counts, and a /metrics endpoint in Prometheus exposition format.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerInfo is the subset of session.Server the sidecar needs to
// report status.
type ServerInfo interface {
	SessionCount() int
}

// ProjectCounter reports the number of projects in the domain store.
type ProjectCounter interface {
	ProjectCount() int
}

// StatusResponse is the response body for the status endpoint.
type StatusResponse struct {
	Running      bool   `json:"running"`
	Version      string `json:"version"`
	SessionCount int    `json:"sessionCount"`
	ProjectCount int    `json:"projectCount"`
}

// ServerConfig contains status sidecar configuration.
type ServerConfig struct {
	// Address is the listen address for the sidecar's HTTP server.
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:7723",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP sidecar exposing session status and Prometheus
// metrics for a running Numscull server.
type Server struct {
	cfg        ServerConfig
	sessions   ServerInfo
	projects   ProjectCounter
	version    string
	httpServer *http.Server
	listener   net.Listener
	running    atomic.Bool
}

// NewServer creates a new status sidecar server.
func NewServer(cfg ServerConfig, sessions ServerInfo, projects ProjectCounter, version string) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		projects: projects,
		version:  version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.httpServer.Serve(ln)

	return nil
}

// Stop gracefully shuts down the sidecar.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the sidecar is serving requests.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Address returns the bound listen address, or nil if not started.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Running:      s.running.Load(),
		Version:      s.version,
		SessionCount: s.sessions.SessionCount(),
		ProjectCount: s.projects.ProjectCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
