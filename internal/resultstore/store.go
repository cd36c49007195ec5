// Package resultstore persists final run reports. Reports are append-only
// and keyed by run id; writing a second report for a run fails with
// ErrExists on every backend.
package resultstore

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

// Errors shared by all backends.
var (
	ErrExists   = pipeline.ErrReportExists
	ErrNotFound = pipeline.ErrNotFound
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Summary is the listing form of a stored report.
type Summary struct {
	RunID       string    `json:"run_id"`
	FinalStatus string    `json:"final_status"`
	FinalScore  int       `json:"final_score"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Store records and reads final reports.
type Store interface {
	Put(ctx context.Context, r *pipeline.Report) error
	Get(ctx context.Context, runID string) (*pipeline.Report, error)
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	Runs    *pipeline.Store // file backend
	DSN     string          // postgres backend
}

// Open returns the configured backend. An empty backend means file.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		if opts.Runs == nil {
			return nil, fmt.Errorf("file result store: no run store configured")
		}
		return NewFileStore(opts.Runs), nil
	case BackendPostgres:
		return OpenPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown result store backend %q", opts.Backend)
	}
}

func summarize(r *pipeline.Report) Summary {
	return Summary{
		RunID:       r.RunID,
		FinalStatus: r.FinalStatus,
		FinalScore:  r.FinalScore,
		GeneratedAt: r.GeneratedAt,
	}
}
