package resultstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

func newRun(t *testing.T, runs *pipeline.Store, id string, started time.Time) {
	t.Helper()
	st := &pipeline.RunState{RunID: id, Status: pipeline.StatusRunning, StartedAt: started, UpdatedAt: started}
	if err := runs.Create(st); err != nil {
		t.Fatalf("create run %s: %v", id, err)
	}
}

func testReport(id string) *pipeline.Report {
	return &pipeline.Report{
		RunID:       id,
		FinalStatus: "PASSED",
		BaseScore:   100,
		SpeedBonus:  10,
		FinalScore:  110,
		GeneratedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store, id string) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before put, got %v", err)
	}
	if err := s.Put(ctx, testReport(id)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FinalScore != 110 || got.FinalStatus != "PASSED" {
		t.Errorf("unexpected report: %+v", got)
	}

	second := testReport(id)
	second.FinalScore = 1
	if err := s.Put(ctx, second); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists on second put, got %v", err)
	}
	got, _ = s.Get(ctx, id)
	if got.FinalScore != 110 {
		t.Errorf("expected first report to survive, got score %d", got.FinalScore)
	}

	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, sm := range list {
		if sm.RunID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in list, got %+v", id, list)
	}
}

func TestFileStore(t *testing.T) {
	runs := pipeline.NewStore(t.TempDir())
	newRun(t, runs, "run-1", time.Now())
	exerciseStore(t, NewFileStore(runs), "run-1")
}

func TestFileStore_ListSkipsRunsWithoutReport(t *testing.T) {
	runs := pipeline.NewStore(t.TempDir())
	now := time.Now()
	newRun(t, runs, "old", now.Add(-time.Hour))
	newRun(t, runs, "new", now)
	newRun(t, runs, "pending", now.Add(time.Minute))

	s := NewFileStore(runs)
	ctx := context.Background()
	s.Put(ctx, testReport("old"))
	s.Put(ctx, testReport("new"))

	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(list))
	}
	if list[0].RunID != "new" || list[1].RunID != "old" {
		t.Errorf("expected newest first, got %s, %s", list[0].RunID, list[1].RunID)
	}

	limited, _ := s.List(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("expected 1 summary with limit, got %d", len(limited))
	}
}

func TestFileStore_ConcurrentPut(t *testing.T) {
	runs := pipeline.NewStore(t.TempDir())
	newRun(t, runs, "race", time.Now())
	s := NewFileStore(runs)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(score int) {
			defer wg.Done()
			r := testReport("race")
			r.FinalScore = score
			if err := s.Put(context.Background(), r); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one successful put, got %d", wins)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	runs := pipeline.NewStore(t.TempDir())

	s, err := Open(ctx, Options{Runs: runs})
	if err != nil {
		t.Fatalf("open default: %v", err)
	}
	if _, ok := s.(*FileStore); !ok {
		t.Errorf("expected *FileStore, got %T", s)
	}

	if _, err := Open(ctx, Options{Backend: BackendFile}); err == nil {
		t.Error("expected error for file backend without run store")
	}
	if _, err := Open(ctx, Options{Backend: "s3"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(ctx, Options{Backend: BackendPostgres}); err == nil {
		t.Error("expected error for postgres without dsn")
	}
}

func TestPGStore(t *testing.T) {
	dsn := os.Getenv("HEALER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("HEALER_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer s.Close()

	id := "test-" + uuid.NewString()
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), "DELETE FROM healer_results WHERE run_id = $1", id)
	})
	exerciseStore(t, s, id)
}
