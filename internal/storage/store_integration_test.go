package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/crawlq/internal/domain"
)

// These tests need a real database because ClaimNext's correctness rests on
// FOR UPDATE SKIP LOCKED, which MemStore cannot prove. Set TEST_POSTGRES_DSN
// to run them against a database that already has the migrations applied.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skipping integration test; TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	_, err = db.Exec(ctx, "truncate jobs restart identity")
	require.NoError(t, err)
	return New(db)
}

func TestPGClaimOrder(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	var ids []int64
	for _, p := range []int{5, 1, 5, 3} {
		id, err := s.Insert(ctx, domain.JobSpec{TargetID: "site", Type: domain.TypeFull, Priority: p, MaxAttempts: 1})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var got []int64
	for {
		j, err := s.ClaimNext(ctx, "w1", time.Now().Add(time.Minute))
		require.NoError(t, err)
		if j == nil {
			break
		}
		got = append(got, j.ID)
	}
	assert.Equal(t, []int64{ids[0], ids[2], ids[3], ids[1]}, got)
}

func TestPGConcurrentClaims(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	const jobs = 200
	for i := 0; i < jobs; i++ {
		_, err := s.Insert(ctx, domain.JobSpec{TargetID: "site", Type: domain.TypeFull, MaxAttempts: 1})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(ctx, "w", time.Now().Add(time.Minute))
				if !assert.NoError(t, err) || j == nil {
					return
				}
				mu.Lock()
				dup := seen[j.ID]
				seen[j.ID] = true
				mu.Unlock()
				if !assert.False(t, dup, "job %d claimed twice", j.ID) {
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, jobs)
}

func TestPGLeaseLifecycle(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, domain.JobSpec{TargetID: "site", Type: domain.TypeFull, MaxAttempts: 2})
	require.NoError(t, err)

	j, err := s.ClaimNext(ctx, "w1", time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, id, j.ID)

	ok, err := s.RenewLease(ctx, id, "w2", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "wrong owner must not renew")

	time.Sleep(60 * time.Millisecond)
	res, err := s.SweepExpired(ctx, time.Now(), "lease expired")
	require.NoError(t, err)
	require.Equal(t, []int64{id}, res.Requeued)

	// stale w1 report after the sweep is a conflict
	assert.ErrorIs(t, s.Complete(ctx, id, "w1", nil), domain.ErrLeaseConflict)

	j, err = s.ClaimNext(ctx, "w2", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.AttemptCount)
	require.NoError(t, s.Complete(ctx, id, "w2", []byte(`{"opportunities_found":1}`)))

	// idempotent duplicate terminal report
	require.NoError(t, s.UpdateTerminal(ctx, id, domain.Completed, nil, nil))
}
