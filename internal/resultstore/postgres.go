package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/cihealer/internal/pipeline"
)

const uniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS healer_results (
    run_id       TEXT PRIMARY KEY,
    final_status TEXT NOT NULL,
    final_score  INTEGER NOT NULL,
    report       JSONB NOT NULL,
    generated_at TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PGStore keeps reports in a Postgres table. Rows are only ever inserted.
type PGStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the results table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PGStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres result store: empty dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply results schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Put(ctx context.Context, r *pipeline.Report) error {
	if err := pipeline.ValidateRunID(r.RunID); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO healer_results (run_id, final_status, final_score, report, generated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.RunID, r.FinalStatus, r.FinalScore, string(data), r.GeneratedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrExists, r.RunID)
	}
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, runID string) (*pipeline.Report, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT report FROM healer_results WHERE run_id = $1`, runID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no results for %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query report: %w", err)
	}
	var r pipeline.Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// List returns the most recent reports first. limit <= 0 means 100.
func (s *PGStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, final_status, final_score, generated_at
		 FROM healer_results ORDER BY generated_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.RunID, &sm.FinalStatus, &sm.FinalScore, &sm.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
