package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/docketwatch/docketwatch/internal/core"
	apperrors "github.com/docketwatch/docketwatch/internal/errors"
	"github.com/docketwatch/docketwatch/internal/data/pgxutil"
	"github.com/docketwatch/docketwatch/internal/domain/model"
)

// SQL used by ReserveNext to atomically claim the next eligible job.
// Attempts are counted at reservation time: a job picked up and later failed
// has consumed one attempt regardless of how it failed.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE queue_name = $1 AND status = 'pending' AND scheduled_for <= $2
    ORDER BY priority DESC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'processing',
    attempts = j.attempts + 1,
    started_at = COALESCE(j.started_at, $3),
    lease_expires_at = $4,
    updated_at = $3
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + prefixedJobColumns

const prefixedJobColumns = `
  j.id, j.queue_name, j.status, j.priority, j.payload, j.attempts,
  j.max_attempts, j.scheduled_for, j.started_at, j.completed_at, j.failed_at,
  j.last_error, j.result, j.lease_expires_at, j.created_at, j.updated_at`

// Create persists a pending job and notifies queue listeners.
func (r *JobRepo) Create(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid enqueue request")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	now := r.timeProvider.Now().UTC()
	scheduledFor := now.Add(req.Delay)

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, err := tx.Query(ctx, `
              INSERT INTO jobs(queue_name, status, priority, payload, max_attempts, scheduled_for)
              VALUES ($1, 'pending', $2, $3, $4, $5)
              RETURNING `+jobColumns,
				req.QueueName, req.Priority, []byte(req.Payload), maxAttempts, scheduledFor,
			)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			j, collectErr := collectJobFromRows(rows)
			rows.Close()
			if collectErr != nil {
				return fmt.Errorf("collect job: %w", collectErr)
			}

			channel := "job_added_" + string(req.QueueName)
			if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, j.ID); execErr != nil {
				return fmt.Errorf("send job notification: %w", execErr)
			}

			job = j
			return nil
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return job, nil
}

// Advisory lock namespace for requeueExpired to avoid cross-queue contention.
const advisoryLockRequeueMajor int64 = 1001

func advisoryLockRequeueMinor(queue model.QueueName) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(queue))
	v := h.Sum32()
	if v > uint32(math.MaxInt32) {
		v &= uint32(math.MaxInt32)
	}
	return int64(v)
}

// requeueExpired returns processing jobs whose lease has lapsed back to
// pending so an abandoned attempt is eventually retried. A lapsed job with no
// attempts left is terminally failed instead; requeueing it would let the next
// reservation push attempts past max_attempts.
func (r *JobRepo) requeueExpired(ctx context.Context, queue model.QueueName) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minor := advisoryLockRequeueMinor(queue)
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRequeueMajor, minor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			now := r.timeProvider.Now().UTC()
			if _, err := tx.ExecContext(ctx, `
              UPDATE jobs
              SET status = 'failed',
                  failed_at = $2,
                  last_error = 'lease expired on final attempt',
                  lease_expires_at = NULL,
                  updated_at = $2
              WHERE queue_name = $1 AND status = 'processing'
                AND lease_expires_at IS NOT NULL
                AND lease_expires_at < $2
                AND attempts >= max_attempts
            `, queue, now); err != nil {
				return fmt.Errorf("fail exhausted expired: %w", err)
			}

			res, err := tx.ExecContext(ctx, `
              UPDATE jobs
              SET status = 'pending', lease_expires_at = NULL, updated_at = $2
              WHERE queue_name = $1 AND status = 'processing'
                AND lease_expires_at IS NOT NULL
                AND lease_expires_at < $2
            `, queue, now)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
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

// ReserveNext reserves the next eligible job in the queue for processing.
func (r *JobRepo) ReserveNext(
	ctx context.Context,
	queue model.QueueName,
	leaseSeconds int,
) (*model.Job, error) {
	if !queue.Valid() {
		return nil, fmt.Errorf("invalid queue name: %s", queue)
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	if _, err := r.requeueExpired(ctx, queue); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now().UTC()
			leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, reserveNextUpdateSQL, queue, now, now, leaseExpiresAt)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Complete marks a processing job completed and stores its result.
func (r *JobRepo) Complete(ctx context.Context, id string, result json.RawMessage) (bool, error) {
	now := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
      UPDATE jobs
      SET status = 'completed',
          result = $2,
          completed_at = $3,
          updated_at = $3,
          lease_expires_at = NULL,
          last_error = NULL
      WHERE id = $1 AND status = 'processing'
    `, id, normalizeResult(result), now)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return ra > 0, nil
}

func normalizeResult(result json.RawMessage) []byte {
	if len(result) == 0 {
		return []byte(`null`)
	}
	return result
}

// Fail records a handler failure. While attempts remain the job reverts to
// pending with scheduled_for pushed out by the supplied backoff delay;
// otherwise it becomes terminally failed. Returns the updated job, or nil if
// the job was not in processing.
func (r *JobRepo) Fail(ctx context.Context, params core.FailParams) (*model.Job, error) {
	if params.ErrMsg == "" {
		return nil, errors.New("error message required")
	}

	now := r.timeProvider.Now().UTC()
	retryAt := now.Add(params.RetryDelay)

	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
          UPDATE jobs
          SET
            last_error = $2,
            status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
            failed_at = CASE WHEN attempts >= max_attempts THEN $3::timestamptz ELSE NULL END,
            scheduled_for = CASE WHEN attempts >= max_attempts THEN scheduled_for ELSE $4::timestamptz END,
            lease_expires_at = NULL,
            updated_at = $3
          WHERE id = $1 AND status = 'processing'
          RETURNING `+jobColumns, params.JobID, params.ErrMsg, now, retryAt)
		if qerr != nil {
			return fmt.Errorf("fail job: %w", qerr)
		}
		defer rows.Close()

		j, cerr := collectJobFromRows(rows)
		if errors.Is(cerr, pgx.ErrNoRows) {
			return nil
		}
		if cerr != nil {
			return fmt.Errorf("fail job: %w", cerr)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a processing job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	now := r.timeProvider.Now().UTC()
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
      UPDATE jobs
      SET lease_expires_at = $2, updated_at = $3
      WHERE id = $1 AND status = 'processing'
    `, jobID, leaseExpiresAt, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return ra > 0, nil
}

// GetByID retrieves a job by its id.
func (r *JobRepo) GetByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		j, cerr := collectJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// HasEligiblePending reports whether any pending job in the queue is drainable now.
func (r *JobRepo) HasEligiblePending(ctx context.Context, queue model.QueueName) (bool, error) {
	now := r.timeProvider.Now().UTC()

	var exists bool
	err := r.DB.QueryRowContext(ctx, `
      SELECT EXISTS(
        SELECT 1 FROM jobs
        WHERE queue_name = $1 AND status = 'pending' AND scheduled_for <= $2
      )
    `, queue, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check eligible pending: %w", err)
	}
	return exists, nil
}

// FindProcessingByPayloadField returns a processing job whose payload field
// equals value, or nil when none exists.
func (r *JobRepo) FindProcessingByPayloadField(
	ctx context.Context,
	queue model.QueueName,
	field, value string,
) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
          SELECT `+jobColumns+`
          FROM jobs
          WHERE queue_name = $1 AND status = 'processing' AND payload->>$2 = $3
          ORDER BY started_at ASC
          LIMIT 1
        `, queue, field, value)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		j, cerr := collectJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find processing by payload field: %w", err)
	}
	return job, nil
}

// Stats returns per-status job counts for the queue.
func (r *JobRepo) Stats(ctx context.Context, queue model.QueueName) (*model.QueueStats, error) {
	var s model.QueueStats
	err := r.DB.QueryRowContext(ctx, `
      SELECT
        count(*) FILTER (WHERE status = 'pending')    AS pending,
        count(*) FILTER (WHERE status = 'processing') AS processing,
        count(*) FILTER (WHERE status = 'completed')  AS completed,
        count(*) FILTER (WHERE status = 'failed')     AS failed
      FROM jobs
      WHERE queue_name = $1
    `, queue).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return &s, nil
}

// Requeue returns a terminally failed job to pending with a fresh attempt
// budget. This is the only path that revives a failed job and is reserved for
// operator use.
func (r *JobRepo) Requeue(ctx context.Context, jobID string, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
      UPDATE jobs
      SET status = 'pending',
          attempts = 0,
          max_attempts = $2,
          failed_at = NULL,
          last_error = NULL,
          scheduled_for = $3,
          updated_at = $3
      WHERE id = $1 AND status = 'failed'
    `, jobID, maxAttempts, now)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}

	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue rows affected: %w", err)
	}
	if ra == 0 {
		job, getErr := r.GetByID(ctx, jobID)
		if getErr != nil {
			return false, getErr
		}
		if job.Status != model.JobStatusFailed {
			return false, ErrJobNotRequeueable
		}
		return false, nil
	}
	return true, nil
}

// WaitForNotification blocks until a job is added to the queue.
func (r *JobRepo) WaitForNotification(ctx context.Context, queue model.QueueName) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	channel := "job_added_" + string(queue)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var (
		payload, result                          []byte
		lastError                                sql.NullString
		startedAt, completedAt, failedAt, leased sql.NullTime
	)

	if err := scanner.Scan(
		&job.ID,
		&job.QueueName,
		&job.Status,
		&job.Priority,
		&payload,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ScheduledFor,
		&startedAt,
		&completedAt,
		&failedAt,
		&lastError,
		&result,
		&leased,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	job.Payload = cloneJSON(payload)
	job.Result = cloneRawJSON(result)
	job.LastError = cloneNullableString(lastError)
	job.StartedAt = cloneNullableTime(startedAt)
	job.CompletedAt = cloneNullableTime(completedAt)
	job.FailedAt = cloneNullableTime(failedAt)
	job.LeaseExpiresAt = cloneNullableTime(leased)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneRawJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
