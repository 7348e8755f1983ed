package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/crawlq/internal/domain"
	"github.com/you/crawlq/internal/lease"
	"github.com/you/crawlq/internal/storage"
)

const testLease = 30 * time.Millisecond

var testCfg = Config{
	PollInterval:  5 * time.Millisecond,
	RenewInterval: 10 * time.Millisecond,
	GracePeriod:   50 * time.Millisecond,
}

func newHarness(t *testing.T) (*lease.Manager, *storage.MemStore) {
	t.Helper()
	st := storage.NewMem()
	return lease.NewManager(st, nil, zap.NewNop(), testLease, 2), st
}

func enqueue(t *testing.T, m *lease.Manager, target string) int64 {
	t.Helper()
	id, err := m.Enqueue(context.Background(), domain.JobSpec{
		TargetID: target, Type: domain.TypeFull, MaxAttempts: 2,
	})
	require.NoError(t, err)
	return id
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestWorkerCompletesJob(t *testing.T) {
	m, _ := newHarness(t)
	id := enqueue(t, m, "site-1")

	var got atomic.Value
	exec := ExecutorFunc(func(_ context.Context, targetID string, jobType domain.JobType) (json.RawMessage, error) {
		got.Store(targetID + "/" + string(jobType))
		return json.RawMessage(`{"opportunities_found":4}`), nil
	})
	runWorker(t, New("w1", m, exec, nil, zap.NewNop(), testCfg))

	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), id)
		return err == nil && j.Status == domain.Completed
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "site-1/full", got.Load())
	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"opportunities_found":4}`, string(j.ResultSummary))
}

func TestWorkerReportsExecutorFailure(t *testing.T) {
	m, _ := newHarness(t)
	id := enqueue(t, m, "site-1")

	exec := ExecutorFunc(func(context.Context, string, domain.JobType) (json.RawMessage, error) {
		return nil, errors.New("selector .tenders not found")
	})
	runWorker(t, New("w1", m, exec, nil, zap.NewNop(), testCfg))

	// max_attempts is 2; both attempts fail and the job goes terminal
	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), id)
		return err == nil && j.Status == domain.Failed
	}, time.Second, 5*time.Millisecond)

	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, j.AttemptCount)
	require.NotNil(t, j.Error)
	assert.Equal(t, "selector .tenders not found", *j.Error)
}

func TestWorkerSurvivesExecutorPanic(t *testing.T) {
	m, _ := newHarness(t)
	bad := enqueue(t, m, "panics")
	good := enqueue(t, m, "fine")

	exec := ExecutorFunc(func(_ context.Context, targetID string, _ domain.JobType) (json.RawMessage, error) {
		if targetID == "panics" {
			panic("nil dereference in parser")
		}
		return json.RawMessage(`{}`), nil
	})
	runWorker(t, New("w1", m, exec, nil, zap.NewNop(), testCfg))

	require.Eventually(t, func() bool {
		b, err1 := m.Get(context.Background(), bad)
		g, err2 := m.Get(context.Background(), good)
		return err1 == nil && err2 == nil &&
			b.Status == domain.Failed && g.Status == domain.Completed
	}, time.Second, 5*time.Millisecond)

	b, err := m.Get(context.Background(), bad)
	require.NoError(t, err)
	require.NotNil(t, b.Error)
	assert.Contains(t, *b.Error, "executor panic")
}

func TestWorkerRenewsThroughLongJob(t *testing.T) {
	m, _ := newHarness(t)
	id := enqueue(t, m, "slow")

	// job runs for several lease durations; only renewal keeps it alive
	exec := ExecutorFunc(func(ctx context.Context, _ string, _ domain.JobType) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(4 * testLease):
			return json.RawMessage(`{}`), nil
		}
	})
	runWorker(t, New("w1", m, exec, nil, zap.NewNop(), testCfg))

	// an aggressive sweeper runs the whole time
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-tick.C:
				_, _ = m.SweepExpired(sweepCtx)
			}
		}
	}()

	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), id)
		return err == nil && j.Status == domain.Completed
	}, 2*time.Second, 5*time.Millisecond)

	j, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, j.AttemptCount, "renewals must prevent the sweep from charging extra attempts")
}

func TestWorkerAbortsCancelledJob(t *testing.T) {
	m, _ := newHarness(t)
	id := enqueue(t, m, "doomed")

	started := make(chan struct{})
	var once sync.Once
	exec := ExecutorFunc(func(ctx context.Context, _ string, _ domain.JobType) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		// cooperative: block until the queue pulls the lease out from under us
		<-ctx.Done()
		return nil, ctx.Err()
	})
	runWorker(t, New("w1", m, exec, nil, zap.NewNop(), testCfg))

	<-started
	require.NoError(t, m.Cancel(context.Background(), id))

	// renewal notices the cancellation, aborts the executor, and the job
	// stays cancelled whatever the worker tried to report
	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), id)
		return err == nil && j.Status == domain.Cancelled && j.LeaseOwner == nil
	}, time.Second, 5*time.Millisecond)

	// the loop is still alive and picks up new work
	next := enqueue(t, m, "after")
	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), next)
		return err == nil && j.Status != domain.Pending
	}, time.Second, 5*time.Millisecond)
}

// flakyLeases fails the first N claims to prove the loop backs off and
// keeps going instead of dying.
type flakyLeases struct {
	Leases
	failures atomic.Int32
}

func (f *flakyLeases) Claim(ctx context.Context, workerID string) (*domain.Job, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, domain.StoreError{Op: "claim", Err: errors.New("connection refused")}
	}
	return f.Leases.Claim(ctx, workerID)
}

func TestWorkerBacksOffOnStoreError(t *testing.T) {
	m, _ := newHarness(t)
	id := enqueue(t, m, "site-1")

	fl := &flakyLeases{Leases: m}
	fl.failures.Store(3)
	exec := ExecutorFunc(func(context.Context, string, domain.JobType) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	runWorker(t, New("w1", fl, exec, nil, zap.NewNop(), testCfg))

	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), id)
		return err == nil && j.Status == domain.Completed
	}, 2*time.Second, 5*time.Millisecond)
}
