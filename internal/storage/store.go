package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/crawlq/internal/domain"
)

// Store is the Postgres-backed job store (source of truth). Every state
// transition is a single conditional UPDATE so concurrent workers need no
// locking beyond what the database already provides.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const jobCols = `id, target_id, job_type, priority, status, attempt_count, max_attempts,
lease_owner, lease_expires_at, created_at, started_at, completed_at, error_message, result_summary`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.TargetID, &j.Type, &j.Priority, &j.Status, &j.AttemptCount,
		&j.MaxAttempts, &j.LeaseOwner, &j.LeaseExpires, &j.CreatedAt, &j.StartedAt,
		&j.CompletedAt, &j.Error, &j.ResultSummary)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) Insert(ctx context.Context, spec domain.JobSpec) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `insert into jobs(target_id, job_type, priority, status, attempt_count, max_attempts)
values ($1, $2, $3, 'pending', 0, $4) returning id`,
		spec.TargetID, spec.Type, spec.Priority, spec.MaxAttempts).Scan(&id)
	if err != nil {
		return 0, domain.StoreError{Op: "insert", Err: err}
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobCols+` from jobs where id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.StoreError{Op: "get", Err: err}
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, f domain.ListFilter) ([]*domain.Job, error) {
	q := `select ` + jobCols + ` from jobs`
	var args []any
	where := ""
	and := func(cond string, v any) {
		args = append(args, v)
		if where == "" {
			where = " where "
		} else {
			where += " and "
		}
		where += fmt.Sprintf(cond, len(args))
	}
	if f.Status != "" {
		and("status = $%d", f.Status)
	}
	if f.TargetID != "" {
		and("target_id = $%d", f.TargetID)
	}
	q += where + " order by id desc"
	if f.Limit > 0 {
		q += fmt.Sprintf(" limit %d", f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" offset %d", f.Offset)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, domain.StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.StoreError{Op: "list", Err: errors.Wrap(err, "scan")}
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError{Op: "list", Err: err}
	}
	return out, nil
}

// PeekClaimable returns candidate job ids in dequeue order without mutating
// anything. The actual claim is ClaimNext; peeked ids may be gone by then.
func (s *Store) PeekClaimable(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.Query(ctx, `select id from jobs where status = 'pending'
order by priority desc, created_at asc, id asc limit $1`, limit)
	if err != nil {
		return nil, domain.StoreError{Op: "peek", Err: err}
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, domain.StoreError{Op: "peek", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StoreError{Op: "peek", Err: err}
	}
	return ids, nil
}

// ClaimNext leases the highest-ranked pending job to workerID in one atomic
// statement. SKIP LOCKED makes concurrent claimers pick distinct rows; a
// claimer that finds nothing gets (nil, nil).
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseUntil time.Time) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `update jobs set
    status = 'leased',
    lease_owner = $1,
    lease_expires_at = $2,
    attempt_count = attempt_count + 1,
    started_at = coalesce(started_at, now())
where id = (
    select id from jobs
     where status = 'pending'
     order by priority desc, created_at asc, id asc
     for update skip locked
     limit 1)
returning `+jobCols, workerID, leaseUntil))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StoreError{Op: "claim", Err: err}
	}
	return j, nil
}

// RenewLease extends the lease iff workerID still owns it. A false return
// means the lease expired and was swept or stolen.
func (s *Store) RenewLease(ctx context.Context, id int64, workerID string, until time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `update jobs set lease_expires_at = $3
where id = $1 and status = 'leased' and lease_owner = $2`, id, workerID, until)
	if err != nil {
		return false, domain.StoreError{Op: "renew", Err: err}
	}
	return tag.RowsAffected() == 1, nil
}

// Complete moves a leased job to completed, guarded by the lease owner so a
// stale worker cannot overwrite a re-claimed job's outcome.
func (s *Store) Complete(ctx context.Context, id int64, workerID string, result json.RawMessage) error {
	tag, err := s.db.Exec(ctx, `update jobs set
    status = 'completed',
    result_summary = $3,
    completed_at = now(),
    lease_owner = null,
    lease_expires_at = null
where id = $1 and status = 'leased' and lease_owner = $2`, id, workerID, result)
	if err != nil {
		return domain.StoreError{Op: "complete", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, id)
	}
	return nil
}

// FailOrRequeue records a failed attempt: back to pending while attempts
// remain, terminal failed otherwise. The retry decision rides in the same
// UPDATE as the guard, so it cannot race a concurrent sweep.
func (s *Store) FailOrRequeue(ctx context.Context, id int64, workerID string, msg string) (domain.Status, error) {
	var st domain.Status
	err := s.db.QueryRow(ctx, `update jobs set
    status = case when attempt_count >= max_attempts then 'failed' else 'pending' end,
    error_message = $3,
    completed_at = case when attempt_count >= max_attempts then now() else null end,
    lease_owner = null,
    lease_expires_at = null
where id = $1 and status = 'leased' and lease_owner = $2
returning status`, id, workerID, msg).Scan(&st)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s.conflictOrMissing(ctx, id)
	}
	if err != nil {
		return "", domain.StoreError{Op: "fail", Err: err}
	}
	return st, nil
}

// SweepResult reports what a sweep reclaimed.
type SweepResult struct {
	Requeued []int64
	Failed   []int64
}

// SweepExpired applies the FailOrRequeue logic to every leased job whose
// lease ran out before now, regardless of which worker held it.
func (s *Store) SweepExpired(ctx context.Context, now time.Time, msg string) (SweepResult, error) {
	var res SweepResult
	rows, err := s.db.Query(ctx, `update jobs set
    status = case when attempt_count >= max_attempts then 'failed' else 'pending' end,
    error_message = $2,
    completed_at = case when attempt_count >= max_attempts then now() else null end,
    lease_owner = null,
    lease_expires_at = null
where status = 'leased' and lease_expires_at < $1
returning id, status`, now, msg)
	if err != nil {
		return res, domain.StoreError{Op: "sweep", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var st domain.Status
		if err := rows.Scan(&id, &st); err != nil {
			return res, domain.StoreError{Op: "sweep", Err: err}
		}
		if st == domain.Pending {
			res.Requeued = append(res.Requeued, id)
		} else {
			res.Failed = append(res.Failed, id)
		}
	}
	if err := rows.Err(); err != nil {
		return res, domain.StoreError{Op: "sweep", Err: err}
	}
	return res, nil
}

// Cancel marks a pending or leased job cancelled. The row is immediately
// ineligible for claims; an in-flight executor finds out at its next
// renewal. Idempotent for already-cancelled jobs.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `update jobs set
    status = 'cancelled',
    completed_at = now(),
    lease_owner = null,
    lease_expires_at = null
where id = $1 and status in ('pending', 'leased')`, id)
	if err != nil {
		return domain.StoreError{Op: "cancel", Err: err}
	}
	if tag.RowsAffected() == 0 {
		j, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if j.Status == domain.Cancelled {
			return nil
		}
		return domain.ErrLeaseConflict
	}
	return nil
}

// UpdateTerminal forces a leased job to the given terminal status without a
// lease-owner guard. Calling it again with the same status is a no-op.
func (s *Store) UpdateTerminal(ctx context.Context, id int64, status domain.Status, errMsg *string, result json.RawMessage) error {
	if !status.Terminal() {
		return domain.ValidationError{Field: "status", Reason: "not a terminal state"}
	}
	tag, err := s.db.Exec(ctx, `update jobs set
    status = $2,
    error_message = coalesce($3, error_message),
    result_summary = coalesce($4, result_summary),
    completed_at = now(),
    lease_owner = null,
    lease_expires_at = null
where id = $1 and status = 'leased'`, id, status, errMsg, result)
	if err != nil {
		return domain.StoreError{Op: "terminal", Err: err}
	}
	if tag.RowsAffected() == 0 {
		j, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if j.Status == status {
			return nil // duplicate report, already there
		}
		return domain.ErrLeaseConflict
	}
	return nil
}

// conflictOrMissing distinguishes "no such job" from "job moved on without
// you" after a guarded update matched zero rows. An already-terminal job in
// the state the caller wanted is treated as success elsewhere; here the
// caller's guard included a lease owner, so any miss is a lost race.
func (s *Store) conflictOrMissing(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrLeaseConflict
}
