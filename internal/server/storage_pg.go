package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"strength-arena/internal/bench"
)

// PgRunStore persists run records as JSONB rows. The INSERT ... ON
// CONFLICT DO NOTHING path gives the allocator its atomic
// create-if-absent reservation.
type PgRunStore struct {
	pool *pgxpool.Pool
}

func NewPgRunStore(pool *pgxpool.Pool) *PgRunStore {
	return &PgRunStore{pool: pool}
}

func (s *PgRunStore) NextRunID(ctx context.Context, base string) (string, error) {
	var maxSeq int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(CAST(RIGHT(run_id, 3) AS INTEGER)), 0)
		 FROM runs WHERE run_id ~ ('^' || $1 || '-\d{3}$')`, base).Scan(&maxSeq)
	if err != nil {
		return "", fmt.Errorf("scan max run sequence: %w", err)
	}
	return fmt.Sprintf("%s-%03d", base, maxSeq+1), nil
}

func (s *PgRunStore) SaveRun(ctx context.Context, runID string, record *bench.RunRecord, overwrite bool) error {
	if !ValidRunID(runID) {
		return fmt.Errorf("invalid run id: %s", runID)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	if overwrite {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO runs (run_id, model_name, test_id, test_kind, iteration_count, run_timestamp, record)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT (run_id) DO UPDATE SET
			   model_name=$2, test_id=$3, test_kind=$4, iteration_count=$5, run_timestamp=$6, record=$7`,
			runID, record.ModelName, record.TestID, record.TestKind, record.IterationCount, record.Timestamp, data)
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO runs (run_id, model_name, test_id, test_kind, iteration_count, run_timestamp, record)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (run_id) DO NOTHING`,
		runID, record.ModelName, record.TestID, record.TestKind, record.IterationCount, record.Timestamp, data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reserve %s: %w", runID, ErrRunExists)
	}
	return nil
}

func (s *PgRunStore) GetRun(ctx context.Context, runID string) (*bench.RunRecord, error) {
	if !ValidRunID(runID) {
		return nil, fmt.Errorf("invalid run id: %s", runID)
	}
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM runs WHERE run_id=$1`, runID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("query run: %w", err)
	}
	var record bench.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return &record, nil
}

func (s *PgRunStore) ListRuns(ctx context.Context) ([]RunListEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, model_name, test_id, test_kind, iteration_count, run_timestamp
		 FROM runs ORDER BY run_timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	out := []RunListEntry{}
	for rows.Next() {
		var item RunListEntry
		var kind *string
		var ts time.Time
		if err := rows.Scan(&item.RunID, &item.ModelName, &item.TestID, &kind, &item.IterationCount, &ts); err != nil {
			continue
		}
		if kind != nil {
			item.TestKind = strings.TrimSpace(*kind)
		}
		item.Timestamp = ts.UTC().Format(time.RFC3339)
		out = append(out, item)
	}
	return out, rows.Err()
}

var _ RunStore = (*PgRunStore)(nil)
