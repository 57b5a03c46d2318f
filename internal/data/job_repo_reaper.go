package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/docketwatch/docketwatch/internal/core"
	"github.com/docketwatch/docketwatch/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations. Two-arg
// pg_try_advisory_xact_lock(major, minor) keeps concurrent reaper instances
// from stepping on each other.
const (
	advisoryLockReaperMajor         = 1000
	advisoryLockReaperFailPending   = 1
	advisoryLockReaperDelete        = 2
	advisoryLockReaperDeleteResults = 3
)

func (r *JobRepo) withReaperLock(
	ctx context.Context,
	minorKey int,
	fn func(tx *sql.Tx) (int64, error),
) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}
			ra, err := fn(tx)
			if err != nil {
				return err
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// FailStalePendingJobs marks pending jobs older than maxAge as failed, up to
// batchSize per call to keep locks and I/O bounded.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	return r.withReaperLock(ctx, advisoryLockReaperFailPending, func(tx *sql.Tx) (int64, error) {
		now := r.timeProvider.Now().UTC()
		cutoff := now.Add(-maxAge)

		res, err := tx.ExecContext(ctx, `
          UPDATE jobs
          SET status = 'failed',
              last_error = 'job timed out in pending status',
              failed_at = $1,
              updated_at = $1
          WHERE id IN (
            SELECT id FROM jobs
            WHERE status = 'pending'
              AND created_at < $2
            ORDER BY created_at
            LIMIT $3
          )
        `, now, cutoff, batchSize)
		if err != nil {
			return 0, fmt.Errorf("fail stale pending jobs: %w", err)
		}
		return res.RowsAffected()
	})
}

// DeleteOldJobs deletes terminal jobs with the given status older than
// MaxAge, up to BatchSize per call.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("status %s is not deletable by the reaper", params.Status)
	}

	return r.withReaperLock(ctx, advisoryLockReaperDelete, func(tx *sql.Tx) (int64, error) {
		now := r.timeProvider.Now().UTC()
		cutoff := now.Add(-params.MaxAge)

		res, err := tx.ExecContext(ctx, `
          DELETE FROM jobs
          WHERE id IN (
            SELECT id FROM jobs
            WHERE status = $1
              AND COALESCE(completed_at, failed_at, updated_at) < $2
            ORDER BY COALESCE(completed_at, failed_at, updated_at)
            LIMIT $3
          )
        `, params.Status, cutoff, params.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("delete old jobs: %w", err)
		}
		return res.RowsAffected()
	})
}

// DeleteOldJobResults deletes persisted job_results rows older than MaxAge
// for the given queue, up to BatchSize per call.
func (r *JobRepo) DeleteOldJobResults(ctx context.Context, params core.DeleteOldJobResultsParams) (int64, error) {
	return r.withReaperLock(ctx, advisoryLockReaperDeleteResults, func(tx *sql.Tx) (int64, error) {
		now := r.timeProvider.Now().UTC()
		cutoff := now.Add(-params.MaxAge)

		res, err := tx.ExecContext(ctx, `
          DELETE FROM job_results
          WHERE job_id IN (
            SELECT job_id FROM job_results
            WHERE queue_name = $1
              AND updated_at < $2
            ORDER BY updated_at
            LIMIT $3
          )
        `, params.QueueName, cutoff, params.BatchSize)
		if err != nil {
			return 0, fmt.Errorf("delete old job results: %w", err)
		}
		return res.RowsAffected()
	})
}
