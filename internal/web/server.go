// Package web serves the HTTP surface of `healer serve`: JSON endpoints to
// start runs and read their state and results, and a Server-Sent Events
// stream of run progress.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/logging"
	"github.com/lucasnoah/cihealer/internal/orchestrator"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/resultstore"
)

const (
	DefaultPort         = 8080
	DefaultPollInterval = time.Second
	shutdownTimeout     = 5 * time.Second
)

// Launcher starts a run in the background and returns its id.
type Launcher interface {
	Launch(req orchestrator.RunRequest) (string, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(req orchestrator.RunRequest) (string, error)

func (f LauncherFunc) Launch(req orchestrator.RunRequest) (string, error) { return f(req) }

// Options configure a Server. DB and Launcher are optional: without a DB
// the stream carries state snapshots only, without a Launcher the server
// is read-only.
type Options struct {
	Runs         *pipeline.Store
	Results      resultstore.Store
	DB           *db.DB
	Launcher     Launcher
	Port         int
	PollInterval time.Duration
	Logger       *logging.Logger
}

// Server is the healer HTTP API.
type Server struct {
	runs         *pipeline.Store
	results      resultstore.Store
	db           *db.DB
	launcher     Launcher
	port         int
	pollInterval time.Duration
	log          *logging.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Server{
		runs:         opts.Runs,
		results:      opts.Results,
		db:           opts.DB,
		launcher:     opts.Launcher,
		port:         opts.Port,
		pollInterval: opts.PollInterval,
		log:          logging.Or(opts.Logger).WithComponent("web"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleListRuns(w, r)
		case http.MethodPost:
			s.handleStartRun(w, r)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	})
	mux.HandleFunc("/api/runs/", s.routeRun)
	mux.HandleFunc("/api/providers", s.handleProviders)
	return mux
}

func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	if err := pipeline.ValidateRunID(parts[0]); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch {
	case len(parts) == 1:
		s.handleRunStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "results":
		s.handleRunResults(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "stream":
		s.handleRunStream(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "logs":
		s.handleRunLog(w, r, parts[0], parts[2])
	default:
		http.NotFound(w, r)
	}
}

// Start listens on the configured port until ctx is cancelled. Open
// streams end with the context.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("healer API listening", "addr", "http://localhost"+srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
