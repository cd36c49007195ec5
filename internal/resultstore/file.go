package resultstore

import (
	"context"
	"errors"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// FileStore keeps reports next to the run state in the pipeline store.
type FileStore struct {
	runs *pipeline.Store
}

// NewFileStore wraps a pipeline store.
func NewFileStore(runs *pipeline.Store) *FileStore {
	return &FileStore{runs: runs}
}

func (s *FileStore) Put(_ context.Context, r *pipeline.Report) error {
	return s.runs.SaveReport(r)
}

func (s *FileStore) Get(_ context.Context, runID string) (*pipeline.Report, error) {
	return s.runs.GetReport(runID)
}

// List returns summaries of runs that have a report, newest run first.
func (s *FileStore) List(_ context.Context, limit int) ([]Summary, error) {
	states, err := s.runs.List("")
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, st := range states {
		if limit > 0 && len(out) >= limit {
			break
		}
		r, err := s.runs.GetReport(st.RunID)
		if errors.Is(err, pipeline.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(r))
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }
