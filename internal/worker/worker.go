package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/you/crawlq/internal/domain"
)

// Executor runs one job body. Implementations live outside the queue (the
// scraping subsystem); they must tolerate re-execution for the same target,
// since a lease expiry means at-least-once delivery.
type Executor interface {
	Execute(ctx context.Context, targetID string, jobType domain.JobType) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, targetID string, jobType domain.JobType) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, targetID string, jobType domain.JobType) (json.RawMessage, error) {
	return f(ctx, targetID, jobType)
}

// Leases is the slice of the lease manager a single worker needs.
type Leases interface {
	Claim(ctx context.Context, workerID string) (*domain.Job, error)
	Renew(ctx context.Context, id int64, workerID string) (bool, error)
	ReportSuccess(ctx context.Context, id int64, workerID string, result json.RawMessage) error
	ReportFailure(ctx context.Context, id int64, workerID string, msg string) (domain.Status, error)
}

// Idler blocks an idle worker until work may be available or the duration
// elapses. queue.RedisQ implements it; a nil implementation just sleeps.
type Idler interface {
	Wait(ctx context.Context, block time.Duration) bool
}

type Config struct {
	PollInterval  time.Duration
	RenewInterval time.Duration
	GracePeriod   time.Duration
}

// Worker drives one job at a time to completion: claim, execute, report.
// Nothing that happens to a single job may kill the loop.
type Worker struct {
	id     string
	leases Leases
	exec   Executor
	idler  Idler
	log    *zap.Logger
	cfg    Config
}

func New(id string, leases Leases, exec Executor, idler Idler, log *zap.Logger, cfg Config) *Worker {
	return &Worker{
		id:     id,
		leases: leases,
		exec:   exec,
		idler:  idler,
		log:    log.With(zap.String("worker_id", id)),
		cfg:    cfg,
	}
}

// Run polls for work until ctx is cancelled. A job already claimed when
// shutdown begins is given cfg.GracePeriod to finish before its context is
// cut; if it cannot finish, the job stays leased and the sweeper requeues
// it later.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}
		j, err := w.leases.Claim(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Warn("claim failed, backing off", zap.Error(err))
			w.sleep(ctx, w.jittered(w.cfg.PollInterval))
			continue
		}
		if j == nil {
			w.idle(ctx)
			continue
		}
		w.process(ctx, j)
	}
}

// idle waits out one poll interval, jittered so workers resuming together
// do not thundering-herd the store. The idler can cut the wait short when
// a producer enqueues.
func (w *Worker) idle(ctx context.Context) {
	d := w.jittered(w.cfg.PollInterval)
	if w.idler != nil {
		w.idler.Wait(ctx, d)
		return
	}
	w.sleep(ctx, d)
}

// jittered spreads d over [0.5d, 1.5d).
func (w *Worker) jittered(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process executes one claimed job and reports its outcome. The executor
// runs on a context detached from shutdown so an in-flight job survives
// ctx cancellation for up to the grace period.
func (w *Worker) process(ctx context.Context, j *domain.Job) {
	log := w.log.With(zap.Int64("job_id", j.ID), zap.String("target_id", j.TargetID))

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	done := make(chan struct{})
	go w.keepalive(execCtx, ctx, j.ID, cancel, done)

	result, execErr := w.runExecutor(execCtx, j)
	close(done)

	if execErr == nil {
		if err := w.leases.ReportSuccess(execCtx, j.ID, w.id, result); err != nil {
			// lost the lease mid-run; the other owner's outcome stands
			log.Debug("success report rejected", zap.Error(err))
		}
		return
	}

	if execCtx.Err() != nil && ctx.Err() != nil {
		// aborted by shutdown, not by the job itself: no terminal report,
		// the sweeper requeues the job once the lease runs out
		log.Info("job interrupted by shutdown, leaving lease to sweeper")
		return
	}

	eerr := domain.ExecutorError{Err: execErr}
	st, err := w.leases.ReportFailure(execCtx, j.ID, w.id, execErr.Error())
	if err != nil {
		log.Debug("failure report rejected", zap.Error(err))
		return
	}
	log.Warn("executor failed", zap.Error(eerr), zap.String("resulting_status", string(st)))
}

// runExecutor isolates executor panics: a panicking scrape is a failed
// attempt, never a dead worker.
func (w *Worker) runExecutor(ctx context.Context, j *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return w.exec.Execute(ctx, j.TargetID, j.Type)
}

// keepalive renews the lease on a fixed cadence while the executor runs.
// A failed renewal means the lease expired and was reclaimed, or the job
// was cancelled; either way the executor must stop, so its context is cut.
func (w *Worker) keepalive(execCtx, runCtx context.Context, jobID int64, abort context.CancelFunc, done <-chan struct{}) {
	t := time.NewTicker(w.cfg.RenewInterval)
	defer t.Stop()

	var graceTimer <-chan time.Time
	for {
		select {
		case <-done:
			return
		case <-runCtx.Done():
			if graceTimer == nil {
				graceTimer = time.After(w.cfg.GracePeriod)
			}
			runCtx = context.Background() // stop re-arming
		case <-graceTimer:
			w.log.Info("grace period over, aborting job", zap.Int64("job_id", jobID))
			abort()
			return
		case <-t.C:
			ok, err := w.leases.Renew(execCtx, jobID, w.id)
			if err != nil {
				w.log.Warn("lease renewal errored", zap.Int64("job_id", jobID), zap.Error(err))
				continue
			}
			if !ok {
				w.log.Info("lease lost, aborting job", zap.Int64("job_id", jobID))
				abort()
				return
			}
		}
	}
}
