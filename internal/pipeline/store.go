package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var (
	ErrNotFound      = errors.New("run not found")
	ErrReportExists  = errors.New("results already recorded for run")
	ErrInvalidRunID  = errors.New("invalid run id")
	validRunIDRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
)

// ValidateRunID rejects ids that could escape the store directory.
func ValidateRunID(id string) error {
	if !validRunIDRegexp.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}

// Store keeps one directory per run:
//
//	<base>/<run-id>/run.json          latest RunState snapshot
//	<base>/<run-id>/results.json      final Report, written once
//	<base>/<run-id>/logs/iter-N.log   full sandbox output per iteration
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.healer/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".healer", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

func (s *Store) reportPath(id string) string {
	return filepath.Join(s.runDir(id), "results.json")
}

// LogPath returns where the full log of an iteration is kept.
func (s *Store) LogPath(id string, iteration int) string {
	return filepath.Join(s.runDir(id), "logs", "iter-"+strconv.Itoa(iteration)+".log")
}

// Create writes the initial snapshot of a new run.
func (s *Store) Create(state *RunState) error {
	if err := ValidateRunID(state.RunID); err != nil {
		return err
	}
	dir := s.runDir(state.RunID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("run %s already exists", state.RunID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return WriteJSON(s.statePath(state.RunID), state)
}

// Save replaces the run's snapshot. Older versions never overwrite newer ones.
func (s *Store) Save(state *RunState) error {
	if err := ValidateRunID(state.RunID); err != nil {
		return err
	}
	if cur, err := s.Get(state.RunID); err == nil && cur.Version > state.Version {
		return fmt.Errorf("run %s: stale snapshot version %d < %d", state.RunID, state.Version, cur.Version)
	}
	return WriteJSON(s.statePath(state.RunID), state)
}

// Get reads the latest snapshot of a run.
func (s *Store) Get(id string) (*RunState, error) {
	if err := ValidateRunID(id); err != nil {
		return nil, err
	}
	var st RunState
	if err := ReadJSON(s.statePath(id), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &st, nil
}

// List returns all runs, newest first, optionally filtered by status.
// Pass "" for statusFilter to return every run.
func (s *Store) List(statusFilter string) ([]RunState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunState
	for _, entry := range entries {
		if !entry.IsDir() || ValidateRunID(entry.Name()) != nil {
			continue
		}
		st, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || st.Status == statusFilter {
			runs = append(runs, *st)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// SaveReport records the final report. Each run gets exactly one.
func (s *Store) SaveReport(r *Report) error {
	if err := ValidateRunID(r.RunID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return writeExclusive(s.reportPath(r.RunID), append(data, '\n'))
}

// GetReport reads a run's final report.
func (s *Store) GetReport(id string) (*Report, error) {
	if err := ValidateRunID(id); err != nil {
		return nil, err
	}
	var r Report
	if err := ReadJSON(s.reportPath(id), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no results for %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &r, nil
}

// SaveLog stores the full sandbox output of one iteration.
func (s *Store) SaveLog(id string, iteration int, log string) error {
	if err := ValidateRunID(id); err != nil {
		return err
	}
	return WriteAtomic(s.LogPath(id, iteration), []byte(log))
}

// GetLog reads the full sandbox output of one iteration.
func (s *Store) GetLog(id string, iteration int) (string, error) {
	if err := ValidateRunID(id); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.LogPath(id, iteration))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	if err := ValidateRunID(id); err != nil {
		return err
	}
	dir := s.runDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}

// writeExclusive publishes data at path only if nothing is there yet.
// The temp file is hard-linked into place, which fails atomically when
// path exists.
func writeExclusive(path string, data []byte) error {
	tmpName, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrReportExists, filepath.Base(filepath.Dir(path)))
		}
		return fmt.Errorf("link %s: %w", path, err)
	}
	return nil
}
