package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Nonces and job ids are full 64-bit unsigned values, so they are stored as
// NUMERIC(20) and moved through database/sql as decimal strings.
const schema = `
CREATE TABLE IF NOT EXISTS solutions (
	id           BIGSERIAL PRIMARY KEY,
	miner        TEXT        NOT NULL,
	job_id       NUMERIC(20) NOT NULL,
	kind         TEXT        NOT NULL,
	pool_job_id  TEXT        NOT NULL DEFAULT '',
	block_hash   TEXT        NOT NULL DEFAULT '',
	nonce        NUMERIC(20) NOT NULL,
	pow_hash     TEXT        NOT NULL,
	worker       TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	found_at     TIMESTAMPTZ NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS solutions_miner_found_at ON solutions (miner, found_at DESC);`

// SolutionRepository handles solution rows
type SolutionRepository struct {
	db *sql.DB
}

// NewSolutionRepository creates a new solution repository
func NewSolutionRepository(db *sql.DB) *SolutionRepository {
	return &SolutionRepository{db: db}
}

// EnsureSchema creates the solutions table if it does not exist
func (r *SolutionRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateSolution inserts s and fills in its ID and RecordedAt
func (r *SolutionRepository) CreateSolution(ctx context.Context, s *Solution) error {
	query := `
		INSERT INTO solutions (miner, job_id, kind, pool_job_id, block_hash, nonce,
		                       pow_hash, worker, status, found_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	now := time.Now()
	err := r.db.QueryRowContext(ctx, query,
		s.Miner, strconv.FormatUint(s.JobID, 10), s.Kind, s.PoolJobID, s.BlockHash,
		strconv.FormatUint(s.Nonce, 10), s.PowHash, s.Worker, s.Status, s.FoundAt, now,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create solution: %w", err)
	}

	s.RecordedAt = now
	return nil
}

// GetRecentSolutions returns the newest solutions of a miner, newest first
func (r *SolutionRepository) GetRecentSolutions(ctx context.Context, miner string, limit int) ([]*Solution, error) {
	query := `
		SELECT id, miner, job_id::text, kind, pool_job_id, block_hash, nonce::text,
		       pow_hash, worker, status, found_at, recorded_at
		FROM solutions
		WHERE miner = $1
		ORDER BY found_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, miner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query solutions: %w", err)
	}
	defer rows.Close()

	var solutions []*Solution
	for rows.Next() {
		s := &Solution{}
		var jobID, nonce string
		if err := rows.Scan(
			&s.ID, &s.Miner, &jobID, &s.Kind, &s.PoolJobID, &s.BlockHash, &nonce,
			&s.PowHash, &s.Worker, &s.Status, &s.FoundAt, &s.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan solution: %w", err)
		}
		if s.JobID, err = strconv.ParseUint(jobID, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
		}
		if s.Nonce, err = strconv.ParseUint(nonce, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid nonce %q: %w", nonce, err)
		}
		solutions = append(solutions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate solutions: %w", err)
	}
	return solutions, nil
}
