package db

import (
	"database/sql"
	"fmt"
	"time"
)

// RunEvent is one row of the run lifecycle log.
type RunEvent struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Event     string `json:"event"`
	Phase     string `json:"phase,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// IterationRow records the outcome of one healing iteration.
type IterationRow struct {
	RunID        string        `json:"run_id"`
	Iteration    int           `json:"iteration"`
	ExitCode     int           `json:"exit_code"`
	TimedOut     bool          `json:"timed_out"`
	BugsFound    int           `json:"bugs_found"`
	FixesApplied int           `json:"fixes_applied"`
	Verdict      string        `json:"verdict"`
	Duration     time.Duration `json:"duration"`
	Elapsed      time.Duration `json:"elapsed"`
	Timestamp    string        `json:"timestamp,omitempty"`
}

// ProviderCall records a single call to a fix provider.
type ProviderCall struct {
	RunID    string
	Provider string
	Attempt  int
	Kind     string
	Duration time.Duration
	Error    string
}

// ProviderStat aggregates provider calls by provider name.
type ProviderStat struct {
	Provider      string  `json:"provider"`
	Calls         int     `json:"calls"`
	Failures      int     `json:"failures"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// LogRunEvent appends a lifecycle event for a run.
func (d *DB) LogRunEvent(runID, event, phase string, iteration int, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, event, phase, iteration, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, event, nullString(phase), nullInt(iteration), nullString(detail),
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// GetRunEvents returns the events of a run with an id greater than afterID,
// oldest first.
func (d *DB) GetRunEvents(runID string, afterID int64) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, phase, iteration, detail, timestamp
		 FROM run_events WHERE run_id = ? AND id > ? ORDER BY id`,
		runID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("query run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var phase, detail sql.NullString
		var iter sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &phase, &iter, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.Phase = phase.String
		e.Iteration = int(iter.Int64)
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastRunEvent returns the most recent event of a run, or nil if there is none.
func (d *DB) LastRunEvent(runID string) (*RunEvent, error) {
	var e RunEvent
	var phase, detail sql.NullString
	var iter sql.NullInt64
	err := d.conn.QueryRow(
		`SELECT id, run_id, event, phase, iteration, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY id DESC LIMIT 1`,
		runID,
	).Scan(&e.ID, &e.RunID, &e.Event, &phase, &iter, &detail, &e.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last run event: %w", err)
	}
	e.Phase = phase.String
	e.Iteration = int(iter.Int64)
	e.Detail = detail.String
	return &e, nil
}

// LogIteration records the outcome of an iteration. A second row for the
// same run and iteration replaces the first.
func (d *DB) LogIteration(row IterationRow) error {
	_, err := d.conn.Exec(
		`INSERT OR REPLACE INTO iterations
		 (run_id, iteration, exit_code, timed_out, bugs_found, fixes_applied, verdict, duration_ms, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RunID, row.Iteration, row.ExitCode, row.TimedOut, row.BugsFound, row.FixesApplied,
		row.Verdict, row.Duration.Milliseconds(), row.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("log iteration: %w", err)
	}
	return nil
}

// GetIterations returns the iterations of a run in order.
func (d *DB) GetIterations(runID string) ([]IterationRow, error) {
	rows, err := d.conn.Query(
		`SELECT run_id, iteration, exit_code, timed_out, bugs_found, fixes_applied, verdict,
		        duration_ms, elapsed_ms, timestamp
		 FROM iterations WHERE run_id = ? ORDER BY iteration`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var result []IterationRow
	for rows.Next() {
		var r IterationRow
		var durMs, elapsedMs sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.Iteration, &r.ExitCode, &r.TimedOut, &r.BugsFound,
			&r.FixesApplied, &r.Verdict, &durMs, &elapsedMs, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		r.Duration = time.Duration(durMs.Int64) * time.Millisecond
		r.Elapsed = time.Duration(elapsedMs.Int64) * time.Millisecond
		result = append(result, r)
	}
	return result, rows.Err()
}

// LogProviderCall records a fix provider call.
func (d *DB) LogProviderCall(c ProviderCall) error {
	_, err := d.conn.Exec(
		`INSERT INTO provider_calls (run_id, provider, attempt, kind, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Provider, c.Attempt, nullString(c.Kind), c.Duration.Milliseconds(), nullString(c.Error),
	)
	if err != nil {
		return fmt.Errorf("log provider call: %w", err)
	}
	return nil
}

// ProviderStats aggregates all recorded provider calls. A call with a
// non-empty kind counts as a failure.
func (d *DB) ProviderStats() ([]ProviderStat, error) {
	rows, err := d.conn.Query(
		`SELECT provider, COUNT(*),
		        SUM(CASE WHEN kind IS NOT NULL AND kind != '' THEN 1 ELSE 0 END),
		        COALESCE(AVG(duration_ms), 0)
		 FROM provider_calls GROUP BY provider ORDER BY provider`,
	)
	if err != nil {
		return nil, fmt.Errorf("query provider stats: %w", err)
	}
	defer rows.Close()

	var stats []ProviderStat
	for rows.Next() {
		var s ProviderStat
		if err := rows.Scan(&s.Provider, &s.Calls, &s.Failures, &s.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("scan provider stat: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
