package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound means the job id does not exist.
var ErrNotFound = errors.New("job not found")

// ErrLeaseConflict means a claim, renew or terminal report lost a race:
// the job was not in the expected state, or the lease is held by someone
// else. Callers recover by re-polling; this is never logged as an error.
var ErrLeaseConflict = errors.New("lease conflict")

// ValidationError rejects bad enqueue input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExecutorError wraps a failure reported by the external executor. The
// message is what gets persisted on the job.
type ExecutorError struct {
	Err error
}

func (e ExecutorError) Error() string { return "executor: " + e.Err.Error() }
func (e ExecutorError) Unwrap() error { return e.Err }

// StoreError wraps an underlying persistence failure. Fatal to the current
// operation; the worker loop logs it and backs off, it never crashes the
// supervisor.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }
func (e StoreError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}
