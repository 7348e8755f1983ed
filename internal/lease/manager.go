// Package lease owns the job state machine: claim, renew, terminal reports
// and the expired-lease sweep. All transitions go through the store's
// conditional updates; the manager never holds state of its own.
package lease

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/you/crawlq/internal/domain"
	"github.com/you/crawlq/internal/storage"
)

// Store is the persistence contract the manager runs on. storage.Store
// (Postgres) and storage.MemStore both satisfy it; any backend with an
// atomic compare-and-set update can.
type Store interface {
	Insert(ctx context.Context, spec domain.JobSpec) (int64, error)
	Get(ctx context.Context, id int64) (*domain.Job, error)
	List(ctx context.Context, f domain.ListFilter) ([]*domain.Job, error)
	PeekClaimable(ctx context.Context, limit int) ([]int64, error)
	ClaimNext(ctx context.Context, workerID string, leaseUntil time.Time) (*domain.Job, error)
	RenewLease(ctx context.Context, id int64, workerID string, until time.Time) (bool, error)
	Complete(ctx context.Context, id int64, workerID string, result json.RawMessage) error
	FailOrRequeue(ctx context.Context, id int64, workerID string, msg string) (domain.Status, error)
	SweepExpired(ctx context.Context, now time.Time, msg string) (storage.SweepResult, error)
	Cancel(ctx context.Context, id int64) error
	UpdateTerminal(ctx context.Context, id int64, status domain.Status, errMsg *string, result json.RawMessage) error
}

// Waker lets the manager nudge idle workers when jobs become claimable.
// queue.RedisQ implements it; nil means no wake channel.
type Waker interface {
	Wake(ctx context.Context, n int)
}

const expiredMsg = "lease expired"

type Manager struct {
	store              Store
	waker              Waker
	log                *zap.Logger
	leaseDuration      time.Duration
	defaultMaxAttempts int
}

func NewManager(store Store, waker Waker, log *zap.Logger, leaseDuration time.Duration, defaultMaxAttempts int) *Manager {
	return &Manager{
		store:              store,
		waker:              waker,
		log:                log,
		leaseDuration:      leaseDuration,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// Enqueue validates and persists a new pending job, then wakes a worker.
func (m *Manager) Enqueue(ctx context.Context, spec domain.JobSpec) (int64, error) {
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = m.defaultMaxAttempts
	}
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	id, err := m.store.Insert(ctx, spec)
	if err != nil {
		return 0, err
	}
	if m.waker != nil {
		m.waker.Wake(ctx, 1)
	}
	m.log.Info("job enqueued",
		zap.Int64("job_id", id),
		zap.String("target_id", spec.TargetID),
		zap.String("job_type", string(spec.Type)),
		zap.Int("priority", spec.Priority))
	return id, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (*domain.Job, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, f domain.ListFilter) ([]*domain.Job, error) {
	return m.store.List(ctx, f)
}

// PeekClaimable returns the ids of up to limit jobs in dequeue order
// without claiming anything. Purely informational: by the time the caller
// looks, a worker may already hold some of them.
func (m *Manager) PeekClaimable(ctx context.Context, limit int) ([]int64, error) {
	return m.store.PeekClaimable(ctx, limit)
}

// Claim hands the next claimable job to workerID, or nil when the queue is
// empty. Losing a race with another claimer also yields nil; the worker
// just polls again.
func (m *Manager) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	j, err := m.store.ClaimNext(ctx, workerID, time.Now().UTC().Add(m.leaseDuration))
	if err != nil || j == nil {
		return nil, err
	}
	m.log.Debug("job claimed",
		zap.Int64("job_id", j.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", j.AttemptCount))
	return j, nil
}

// Renew extends the caller's lease by one lease duration. False means the
// lease is gone (expired and swept, or the job was cancelled); the worker
// should stop executing.
func (m *Manager) Renew(ctx context.Context, id int64, workerID string) (bool, error) {
	return m.store.RenewLease(ctx, id, workerID, time.Now().UTC().Add(m.leaseDuration))
}

// ReportSuccess records the executor's result. A stale workerID gets
// ErrLeaseConflict and the job keeps whatever outcome its current owner
// reports.
func (m *Manager) ReportSuccess(ctx context.Context, id int64, workerID string, result json.RawMessage) error {
	if err := m.store.Complete(ctx, id, workerID, result); err != nil {
		return err
	}
	m.log.Info("job completed", zap.Int64("job_id", id), zap.String("worker_id", workerID))
	return nil
}

// ReportFailure requeues the job while attempts remain, otherwise marks it
// failed for good. Returns the resulting status.
func (m *Manager) ReportFailure(ctx context.Context, id int64, workerID string, msg string) (domain.Status, error) {
	st, err := m.store.FailOrRequeue(ctx, id, workerID, msg)
	if err != nil {
		return "", err
	}
	if st == domain.Pending {
		if m.waker != nil {
			m.waker.Wake(ctx, 1)
		}
		m.log.Warn("job requeued after failure", zap.Int64("job_id", id), zap.String("error", msg))
	} else {
		m.log.Error("job failed permanently", zap.Int64("job_id", id), zap.String("error", msg))
	}
	return st, nil
}

// SweepExpired reclaims every job whose lease ran out without a terminal
// report and returns how many were touched. This is what turns a crashed
// worker's jobs back into claimable ones.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	res, err := m.store.SweepExpired(ctx, time.Now().UTC(), expiredMsg)
	if err != nil {
		return 0, err
	}
	n := len(res.Requeued) + len(res.Failed)
	if n > 0 {
		if m.waker != nil {
			m.waker.Wake(ctx, len(res.Requeued))
		}
		m.log.Warn("swept expired leases",
			zap.Int("requeued", len(res.Requeued)),
			zap.Int("failed", len(res.Failed)))
	}
	return n, nil
}

// Cancel marks a pending or leased job cancelled. In-flight execution is
// not interrupted here; the worker notices at its next renewal and aborts.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	if err := m.store.Cancel(ctx, id); err != nil {
		return err
	}
	m.log.Info("job cancelled", zap.Int64("job_id", id))
	return nil
}
