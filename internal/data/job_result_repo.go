package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/data/pgxutil"
	"github.com/docketwatch/docketwatch/internal/domain/model"
)

// ErrJobResultsNotConfigured is returned when the repo has no database handle.
var ErrJobResultsNotConfigured = errors.New("job results repository not configured")

// ErrJobIDRequired is returned when a job id is missing.
var ErrJobIDRequired = errors.New("job id is required")

// JobResultRepo persists per-stage pipeline snapshots keyed by job id.
type JobResultRepo struct {
	DB *sql.DB
}

// NewJobResultRepo constructs a JobResultRepo.
func NewJobResultRepo(db *sql.DB) *JobResultRepo {
	return &JobResultRepo{DB: db}
}

// Upsert stores or replaces the result snapshot for a job. The executor calls
// this after every stage, so the row always holds the latest pipeline context.
func (r *JobResultRepo) Upsert(ctx context.Context, params core.UpsertJobResultParams) error {
	if r == nil || r.DB == nil {
		return ErrJobResultsNotConfigured
	}
	if params.JobID == "" {
		return ErrJobIDRequired
	}
	const query = `
		INSERT INTO job_results (job_id, queue_name, result, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (job_id)
		DO UPDATE SET
			queue_name = EXCLUDED.queue_name,
			result = EXCLUDED.result,
			updated_at = now();`
	if _, err := r.DB.ExecContext(ctx, query, params.JobID, params.QueueName, params.Result); err != nil {
		return fmt.Errorf("upsert job_results: %w", err)
	}
	return nil
}

// GetByJobID retrieves the result snapshot for a job.
func (r *JobResultRepo) GetByJobID(ctx context.Context, jobID string) (*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if jobID == "" {
		return nil, ErrJobIDRequired
	}

	const query = `
		SELECT job_id, queue_name, result, created_at, updated_at
		FROM job_results
		WHERE job_id = $1`

	var res *model.JobResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()
		result, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[model.JobResult])
		if err != nil {
			return err
		}
		res = &result
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobResultsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job_results: %w", err)
	}
	return res, nil
}

// ListByCaseID retrieves result snapshots for jobs processing a given case
// (matched via the stored pipeline context JSON).
func (r *JobResultRepo) ListByCaseID(ctx context.Context, caseID string) ([]*model.JobResult, error) {
	if r == nil || r.DB == nil {
		return nil, ErrJobResultsNotConfigured
	}
	if caseID == "" {
		return nil, errors.New("case id is required")
	}

	const query = `
		SELECT job_id, queue_name, result, created_at, updated_at
		FROM job_results
		WHERE queue_name = $1
			AND result ->> 'case_id' = $2
		ORDER BY updated_at DESC`

	var rowsOut []*model.JobResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, model.QueueCaseProcessing, caseID)
		if err != nil {
			return err
		}
		defer rows.Close()

		collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.JobResult])
		if err != nil {
			return err
		}
		for i := range collected {
			row := collected[i]
			rowsOut = append(rowsOut, &row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list job_results: %w", err)
	}
	return rowsOut, nil
}
