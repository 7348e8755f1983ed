package worker

import (
	"context"
	"encoding/json"
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

func TestPoolDrainsQueueAndShutsDown(t *testing.T) {
	st := storage.NewMem()
	mgr := lease.NewManager(st, nil, zap.NewNop(), time.Second, 2)
	ctx := context.Background()

	const jobs = 30
	for i := 0; i < jobs; i++ {
		_, err := mgr.Enqueue(ctx, domain.JobSpec{TargetID: "site", Type: domain.TypeFull})
		require.NoError(t, err)
	}

	var executed atomic.Int32
	exec := ExecutorFunc(func(context.Context, string, domain.JobType) (json.RawMessage, error) {
		executed.Add(1)
		return json.RawMessage(`{}`), nil
	})

	pool := NewPool(mgr, exec, nil, zap.NewNop(), PoolConfig{
		Concurrency:   4,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
		GracePeriod:   100 * time.Millisecond,
		LeaseDuration: time.Second,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		left, err := mgr.List(ctx, domain.ListFilter{Status: domain.Completed})
		return err == nil && len(left) == jobs
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(jobs), executed.Load())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not drain after cancel")
	}
}

func TestPoolSweeperReclaimsAbandonedLease(t *testing.T) {
	st := storage.NewMem()
	mgr := lease.NewManager(st, nil, zap.NewNop(), 20*time.Millisecond, 3)
	ctx := context.Background()

	id, err := mgr.Enqueue(ctx, domain.JobSpec{TargetID: "site", Type: domain.TypeFull})
	require.NoError(t, err)

	// simulate a worker from another, crashed process
	j, err := mgr.Claim(ctx, "dead-host:1:0")
	require.NoError(t, err)
	require.Equal(t, id, j.ID)

	exec := ExecutorFunc(func(context.Context, string, domain.JobType) (json.RawMessage, error) {
		return json.RawMessage(`{"opportunities_found":1}`), nil
	})
	pool := NewPool(mgr, exec, nil, zap.NewNop(), PoolConfig{
		Concurrency:   1,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		GracePeriod:   100 * time.Millisecond,
		LeaseDuration: 20 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	// this pool's sweeper must requeue the dead worker's job, and this
	// pool's worker must then finish it
	require.Eventually(t, func() bool {
		got, err := mgr.Get(ctx, id)
		return err == nil && got.Status == domain.Completed
	}, 3*time.Second, 10*time.Millisecond)

	got, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)

	cancel()
	require.NoError(t, <-done)
}
