package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/crawlq/internal/lease"
)

type PoolConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	SweepInterval time.Duration
	GracePeriod   time.Duration
	LeaseDuration time.Duration
}

// Pool supervises a fixed number of worker loops plus the periodic
// expired-lease sweeper. Workers never talk to each other; the store
// mediates everything.
type Pool struct {
	mgr   *lease.Manager
	exec  Executor
	idler Idler
	log   *zap.Logger
	cfg   PoolConfig
}

func NewPool(mgr *lease.Manager, exec Executor, idler Idler, log *zap.Logger, cfg PoolConfig) *Pool {
	return &Pool{mgr: mgr, exec: exec, idler: idler, log: log, cfg: cfg}
}

// workerID builds a claimant identity unique across hosts, processes and
// restarts. Pid alone recycles inside containers, hence the random suffix.
func workerID(index int) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%d:%s", host, os.Getpid(), index, uuid.NewString()[:8])
}

// Run blocks until ctx is cancelled and every worker has drained. Worker
// starts are staggered across one poll interval to spread claim load.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("starting worker pool",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("lease_duration", p.cfg.LeaseDuration),
		zap.Duration("sweep_interval", p.cfg.SweepInterval))

	wcfg := Config{
		PollInterval:  p.cfg.PollInterval,
		RenewInterval: p.cfg.LeaseDuration / 3,
		GracePeriod:   p.cfg.GracePeriod,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		w := New(workerID(i), p.mgr, p.exec, p.idler, p.log, wcfg)
		stagger := p.cfg.PollInterval / time.Duration(p.cfg.Concurrency) * time.Duration(i)
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(stagger):
			}
			return w.Run(gctx)
		})
	}
	g.Go(func() error { return p.sweep(gctx) })

	err := g.Wait()
	p.log.Info("worker pool drained")
	return err
}

// sweep periodically reclaims expired leases. It runs in every pool, so a
// fleet of worker processes sweeps even when this one is idle or dying;
// sweeping is idempotent across processes.
func (p *Pool) sweep(ctx context.Context) error {
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := p.mgr.SweepExpired(ctx); err != nil {
				p.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
