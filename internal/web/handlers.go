package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/cihealer/internal/orchestrator"
	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// maxBodyBytes bounds a run request body.
const maxBodyBytes = 64 << 10

// RunSummary is the compact view of a run used by listings and the stream.
type RunSummary struct {
	RunID            string         `json:"run_id"`
	RepoURL          string         `json:"repo_url"`
	Branch           string         `json:"branch"`
	Phase            pipeline.Phase `json:"phase"`
	Status           string         `json:"status"`
	Iteration        int            `json:"iteration"`
	RetriesRemaining int            `json:"retries_remaining"`
	TotalCommits     int            `json:"total_commits"`
	PushedCommits    int            `json:"pushed_commits"`
	Version          int64          `json:"version"`
	Error            string         `json:"error,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Summarize builds the compact view of st.
func Summarize(st *pipeline.RunState) RunSummary {
	return RunSummary{
		RunID:            st.RunID,
		RepoURL:          st.RepoURL,
		Branch:           st.Branch,
		Phase:            st.Phase,
		Status:           st.Status,
		Iteration:        len(st.Iterations),
		RetriesRemaining: st.RetriesRemaining,
		TotalCommits:     st.TotalCommits,
		PushedCommits:    st.PushedCommits,
		Version:          st.Version,
		Error:            st.Error,
		StartedAt:        st.StartedAt,
		UpdatedAt:        st.UpdatedAt,
	}
}

// StartResponse answers POST /api/runs.
type StartResponse struct {
	RunID      string `json:"run_id"`
	StatusURL  string `json:"status_url"`
	ResultsURL string `json:"results_url"`
	StreamURL  string `json:"stream_url"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.launcher == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("this server does not accept runs"))
		return
	}
	var req orchestrator.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.launcher.Launch(req)
	if err != nil {
		s.log.Error("launch run failed", "repo", req.RepoURL, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("run launched", "run_id", id, "repo", req.RepoURL)
	base := "/api/runs/" + id
	writeJSON(w, http.StatusAccepted, StartResponse{
		RunID:      id,
		StatusURL:  base,
		ResultsURL: base + "/results",
		StreamURL:  base + "/stream",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(strings.ToUpper(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for i := range runs {
		out = append(out, Summarize(&runs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request, id string) {
	st, err := s.runs.Get(id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request, id string) {
	if s.results == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no results store configured"))
		return
	}
	report, err := s.results.Get(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request, id, iterStr string) {
	iter, err := strconv.Atoi(iterStr)
	if err != nil || iter < 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid iteration %q", iterStr))
		return
	}
	log, err := s.runs.GetLog(id, iter)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(log))
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no event database configured"))
		return
	}
	stats, err := s.db.ProviderStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrInvalidRunID):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}
