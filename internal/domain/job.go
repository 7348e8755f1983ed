package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending   Status = "pending"
	Leased    Status = "leased"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

type JobType string

const (
	TypeFull        JobType = "full"
	TypeIncremental JobType = "incremental"
	TypeTest        JobType = "test"
)

func (t JobType) Valid() bool {
	switch t {
	case TypeFull, TypeIncremental, TypeTest:
		return true
	}
	return false
}

type Job struct {
	ID            int64
	TargetID      string
	Type          JobType
	Priority      int
	Status        Status
	AttemptCount  int
	MaxAttempts   int
	LeaseOwner    *string
	LeaseExpires  *time.Time
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Error         *string
	ResultSummary json.RawMessage
}

// JobSpec is the producer-supplied part of a job. Everything else is
// assigned by the store at insert time.
type JobSpec struct {
	TargetID    string
	Type        JobType
	Priority    int
	MaxAttempts int
}

func (s JobSpec) Validate() error {
	if s.TargetID == "" {
		return ValidationError{Field: "target_id", Reason: "required"}
	}
	if s.Type == "" {
		return ValidationError{Field: "job_type", Reason: "required"}
	}
	if !s.Type.Valid() {
		return ValidationError{Field: "job_type", Reason: "must be full, incremental or test"}
	}
	if s.MaxAttempts < 1 {
		return ValidationError{Field: "max_attempts", Reason: "must be at least 1"}
	}
	return nil
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Status   Status
	TargetID string
	Limit    int
	Offset   int
}
