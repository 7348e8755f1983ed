package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/you/crawlq/internal/domain"
)

// MemStore implements the same contract as Store entirely in memory, with
// one mutex standing in for the database's row locking. It backs the unit
// tests and the dev-mode worker; semantics must stay in lockstep with the
// SQL in store.go.
type MemStore struct {
	mu     sync.Mutex
	jobs   map[int64]*domain.Job
	nextID int64
}

func NewMem() *MemStore {
	return &MemStore{jobs: make(map[int64]*domain.Job)}
}

func (s *MemStore) Insert(_ context.Context, spec domain.JobSpec) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	j := &domain.Job{
		ID:          s.nextID,
		TargetID:    spec.TargetID,
		Type:        spec.Type,
		Priority:    spec.Priority,
		Status:      domain.Pending,
		MaxAttempts: spec.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *MemStore) Get(_ context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) List(_ context.Context, f domain.ListFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*domain.Job
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.TargetID != "" && j.TargetID != f.TargetID {
			continue
		}
		cp := *j
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].ID > all[k].ID })
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

// claimable returns pending job ids in dequeue order. Caller holds the lock.
func (s *MemStore) claimable() []int64 {
	var pend []*domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.Pending {
			pend = append(pend, j)
		}
	}
	sort.Slice(pend, func(i, k int) bool {
		a, b := pend[i], pend[k]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	ids := make([]int64, len(pend))
	for i, j := range pend {
		ids[i] = j.ID
	}
	return ids
}

func (s *MemStore) PeekClaimable(_ context.Context, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.claimable()
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemStore) ClaimNext(_ context.Context, workerID string, leaseUntil time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.claimable()
	if len(ids) == 0 {
		return nil, nil
	}
	j := s.jobs[ids[0]]
	now := time.Now().UTC()
	j.Status = domain.Leased
	j.LeaseOwner = &workerID
	j.LeaseExpires = &leaseUntil
	j.AttemptCount++
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	cp := *j
	return &cp, nil
}

func (s *MemStore) RenewLease(_ context.Context, id int64, workerID string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.Leased || j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return false, nil
	}
	j.LeaseExpires = &until
	return true, nil
}

func (s *MemStore) Complete(_ context.Context, id int64, workerID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.Leased || j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return domain.ErrLeaseConflict
	}
	now := time.Now().UTC()
	j.Status = domain.Completed
	j.ResultSummary = result
	j.CompletedAt = &now
	j.LeaseOwner = nil
	j.LeaseExpires = nil
	return nil
}

func (s *MemStore) FailOrRequeue(_ context.Context, id int64, workerID string, msg string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	if j.Status != domain.Leased || j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return "", domain.ErrLeaseConflict
	}
	return s.failLocked(j, msg), nil
}

// failLocked applies retry-vs-fail to a leased job. Caller holds the lock.
func (s *MemStore) failLocked(j *domain.Job, msg string) domain.Status {
	j.Error = &msg
	j.LeaseOwner = nil
	j.LeaseExpires = nil
	if j.AttemptCount >= j.MaxAttempts {
		now := time.Now().UTC()
		j.Status = domain.Failed
		j.CompletedAt = &now
	} else {
		j.Status = domain.Pending
		j.CompletedAt = nil
	}
	return j.Status
}

func (s *MemStore) SweepExpired(_ context.Context, now time.Time, msg string) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res SweepResult
	for _, j := range s.jobs {
		if j.Status != domain.Leased || j.LeaseExpires == nil || !j.LeaseExpires.Before(now) {
			continue
		}
		if s.failLocked(j, msg) == domain.Pending {
			res.Requeued = append(res.Requeued, j.ID)
		} else {
			res.Failed = append(res.Failed, j.ID)
		}
	}
	return res, nil
}

func (s *MemStore) Cancel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	switch j.Status {
	case domain.Cancelled:
		return nil
	case domain.Pending, domain.Leased:
		now := time.Now().UTC()
		j.Status = domain.Cancelled
		j.CompletedAt = &now
		j.LeaseOwner = nil
		j.LeaseExpires = nil
		return nil
	default:
		return domain.ErrLeaseConflict
	}
}

func (s *MemStore) UpdateTerminal(_ context.Context, id int64, status domain.Status, errMsg *string, result json.RawMessage) error {
	if !status.Terminal() {
		return domain.ValidationError{Field: "status", Reason: "not a terminal state"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status != domain.Leased {
		if j.Status == status {
			return nil
		}
		return domain.ErrLeaseConflict
	}
	now := time.Now().UTC()
	j.Status = status
	if errMsg != nil {
		j.Error = errMsg
	}
	if result != nil {
		j.ResultSummary = result
	}
	j.CompletedAt = &now
	j.LeaseOwner = nil
	j.LeaseExpires = nil
	return nil
}
