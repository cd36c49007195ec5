package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/cihealer/internal/db"
	"github.com/lucasnoah/cihealer/internal/orchestrator"
	"github.com/lucasnoah/cihealer/internal/pipeline"
	"github.com/lucasnoah/cihealer/internal/resultstore"
)

type fakeLauncher struct {
	mu   sync.Mutex
	reqs []orchestrator.RunRequest
	err  error
}

func (f *fakeLauncher) Launch(req orchestrator.RunRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return "run-9", nil
}

type testServer struct {
	srv      *Server
	runs     *pipeline.Store
	results  *resultstore.FileStore
	db       *db.DB
	launcher *fakeLauncher
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	runs := pipeline.NewStore(t.TempDir())
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	results := resultstore.NewFileStore(runs)
	l := &fakeLauncher{}
	srv := NewServer(Options{
		Runs:         runs,
		Results:      results,
		DB:           database,
		Launcher:     l,
		PollInterval: 10 * time.Millisecond,
	})
	return &testServer{srv: srv, runs: runs, results: results, db: database, launcher: l}
}

func (ts *testServer) createRun(t *testing.T, id, status string) *pipeline.RunState {
	t.Helper()
	st := &pipeline.RunState{
		RunID:            id,
		RepoURL:          "https://github.com/org/repo",
		Branch:           "TEAM_LEAD_AI_FIX",
		Phase:            pipeline.PhaseBuild,
		Status:           status,
		MaxRetries:       5,
		RetriesRemaining: 5,
		Version:          1,
		StartedAt:        time.Now(),
	}
	if err := ts.runs.Create(st); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return st
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRunStatus(t *testing.T) {
	ts := setupServer(t)
	ts.createRun(t, "run-1", pipeline.StatusRunning)

	rec := ts.do(http.MethodGet, "/api/runs/run-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var st pipeline.RunState
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RunID != "run-1" || st.Phase != pipeline.PhaseBuild {
		t.Errorf("unexpected state: %+v", st)
	}

	if rec := ts.do(http.MethodGet, "/api/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/runs/.hidden", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodDelete, "/api/runs/run-1", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestRunResults(t *testing.T) {
	ts := setupServer(t)
	ts.createRun(t, "run-2", pipeline.StatusPassed)

	if rec := ts.do(http.MethodGet, "/api/runs/run-2/results", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the report exists, got %d", rec.Code)
	}

	report := &pipeline.Report{RunID: "run-2", FinalStatus: pipeline.StatusPassed, FinalScore: 110}
	if err := ts.results.Put(context.Background(), report); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec := ts.do(http.MethodGet, "/api/runs/run-2/results", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got pipeline.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FinalScore != 110 || got.FinalStatus != "PASSED" {
		t.Errorf("unexpected report: %+v", got)
	}
}

func TestListRuns(t *testing.T) {
	ts := setupServer(t)
	ts.createRun(t, "run-a", pipeline.StatusRunning)
	ts.createRun(t, "run-b", pipeline.StatusFailed)

	rec := ts.do(http.MethodGet, "/api/runs?status=failed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].RunID != "run-b" {
		t.Errorf("expected only run-b, got %+v", got)
	}
}

func TestStartRun(t *testing.T) {
	ts := setupServer(t)
	ws := t.TempDir()
	body := `{"repo_url":"https://github.com/org/repo","team_name":"T","leader_name":"L","workspace":"` + ws + `"}`

	rec := ts.do(http.MethodPost, "/api/runs", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var resp StartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID != "run-9" || resp.StreamURL != "/api/runs/run-9/stream" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(ts.launcher.reqs) != 1 || ts.launcher.reqs[0].TeamName != "T" {
		t.Errorf("unexpected launches: %+v", ts.launcher.reqs)
	}
}

func TestStartRun_BadRequests(t *testing.T) {
	ts := setupServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"repo_url":`},
		{"unknown field", `{"repo":"x"}`},
		{"missing team", `{"repo_url":"u","leader_name":"L","workspace":"/tmp"}`},
		{"missing workspace dir", `{"repo_url":"u","team_name":"T","leader_name":"L","workspace":"/does/not/exist"}`},
	}
	for _, tt := range tests {
		rec := ts.do(http.MethodPost, "/api/runs", tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, rec.Code)
		}
	}
	if len(ts.launcher.reqs) != 0 {
		t.Errorf("expected no launches, got %d", len(ts.launcher.reqs))
	}
}

func TestStartRun_LaunchError(t *testing.T) {
	ts := setupServer(t)
	ts.launcher.err = errors.New("docker unavailable")
	body := `{"repo_url":"u","team_name":"T","leader_name":"L","workspace":"` + t.TempDir() + `"}`
	if rec := ts.do(http.MethodPost, "/api/runs", body); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestStartRun_ReadOnly(t *testing.T) {
	srv := NewServer(Options{Runs: pipeline.NewStore(t.TempDir())})
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a launcher, got %d", rec.Code)
	}
}

func TestRunLog(t *testing.T) {
	ts := setupServer(t)
	ts.createRun(t, "run-3", pipeline.StatusFailed)
	if err := ts.runs.SaveLog("run-3", 1, "FAILED tests/test_a.py\n"); err != nil {
		t.Fatal(err)
	}
	rec := ts.do(http.MethodGet, "/api/runs/run-3/logs/1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "FAILED tests/test_a.py") {
		t.Errorf("unexpected log response %d: %q", rec.Code, rec.Body)
	}
	if rec := ts.do(http.MethodGet, "/api/runs/run-3/logs/zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/api/runs/run-3/logs/2", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestProviders(t *testing.T) {
	ts := setupServer(t)
	_ = ts.db.LogProviderCall(db.ProviderCall{RunID: "r", Provider: "claude", Attempt: 1, Duration: time.Second})
	rec := ts.do(http.MethodGet, "/api/providers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats []db.ProviderStat
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats) != 1 || stats[0].Provider != "claude" {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStream_FinishedRun(t *testing.T) {
	ts := setupServer(t)
	ts.createRun(t, "run-4", pipeline.StatusFailed)
	_ = ts.db.LogRunEvent("run-4", "started", "INIT", 0, "")
	_ = ts.db.LogRunEvent("run-4", "commit", "COMMIT", 1, "abc a.py:1")

	rec := ts.do(http.MethodGet, "/api/runs/run-4/stream", "")
	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event-stream, got %q", ct)
	}
	for _, want := range []string{"event: started\n", "event: commit\n", "event: state\n", "event: done\ndata: FAILED\n\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in stream:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: started") > strings.Index(body, "event: commit") {
		t.Error("expected events in log order")
	}
}

func TestStream_FollowsRunningRun(t *testing.T) {
	ts := setupServer(t)
	st := ts.createRun(t, "run-5", pipeline.StatusRunning)

	go func() {
		time.Sleep(30 * time.Millisecond)
		st.Phase = pipeline.PhaseDone
		st.Status = pipeline.StatusPassed
		st.Version = 2
		_ = ts.runs.Save(st)
	}()

	rec := ts.do(http.MethodGet, "/api/runs/run-5/stream", "")
	body := rec.Body.String()
	if strings.Count(body, "event: state\n") != 2 {
		t.Errorf("expected two state messages, got:\n%s", body)
	}
	if !strings.HasSuffix(body, "event: done\ndata: PASSED\n\n") {
		t.Errorf("expected stream to end with PASSED, got:\n%s", body)
	}
}

func TestStream_UnknownRun(t *testing.T) {
	ts := setupServer(t)
	rec := ts.do(http.MethodGet, "/api/runs/nope/stream", "")
	if !strings.Contains(rec.Body.String(), "event: done\ndata: run not found") {
		t.Errorf("unexpected stream body: %q", rec.Body)
	}
}

func TestStream_ClientGone(t *testing.T) {
	ts := setupServer(t)
	ts.createRun(t, "run-6", pipeline.StatusRunning)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-6/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		ts.srv.Handler().ServeHTTP(rec, req)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after the client went away")
	}
}
