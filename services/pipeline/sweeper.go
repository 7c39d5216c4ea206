package pipeline

import (
	"context"
	"errors"
	"time"

	"nexus-pipeline/pkg/config"
	"nexus-pipeline/services/job"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sweepBatch       = 100
	sweepParallelism = 4
)

var ErrStale = errors.New("worker stopped responding")

// DeliveryRequeuer re-schedules webhook deliveries whose queue item was lost.
type DeliveryRequeuer interface {
	RequeueDue(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// Sweeper periodically recovers work abandoned by crashed workers.
type Sweeper struct {
	jobs       *job.Service
	worker     *Worker
	deliveries DeliveryRequeuer
	interval   time.Duration
	staleAfter time.Duration
}

type SweeperParams struct {
	fx.In
	Jobs       *job.Service
	Worker     *Worker
	Deliveries DeliveryRequeuer `optional:"true"`
	Config     *config.Config
}

func NewSweeper(p SweeperParams) *Sweeper {
	interval := p.Config.Worker.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	staleAfter := p.Config.Worker.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	// A job is only stale once asynq would have cancelled its handler.
	floor := p.Worker.timeout + handlerGrace
	if staleAfter <= floor {
		zap.L().Warn("[Sweeper] stale_after does not exceed job timeout plus handler grace, raising it",
			zap.Duration("stale_after", staleAfter),
			zap.Duration("job_timeout", p.Worker.timeout),
			zap.Duration("raised_to", floor+time.Minute),
		)
		staleAfter = floor + time.Minute
	}
	return &Sweeper{
		jobs:       p.Jobs,
		worker:     p.Worker,
		deliveries: p.Deliveries,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

func StartSweeper(lc fx.Lifecycle, s *Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Sweeper) run(ctx context.Context) {
	zap.L().Info("[Sweeper] started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-time.After(s.interval):
			s.Sweep(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Sweeper] stopped")
			return
		}
	}
}

// Sweep fails RUNNING jobs that outlived staleAfter, which retries or
// terminates them, and re-queues overdue webhook deliveries.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	stale, err := s.jobs.FindStale(ctx, s.staleAfter, sweepBatch)
	if err != nil {
		zap.L().Error("[Sweeper] find stale jobs", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepParallelism)
	for _, j := range stale {
		id := j.ID
		g.Go(func() error {
			log := zap.L().With(zap.String("job_id", id))
			out, err := s.jobs.Fail(gctx, id, ErrStale)
			if err != nil {
				log.Error("[Sweeper] fail stale job", zap.Error(err))
				return nil
			}
			if err := s.worker.afterFail(gctx, log, out); err != nil {
				log.Error("[Sweeper] reschedule stale job", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	requeued := 0
	if s.deliveries != nil {
		requeued, err = s.deliveries.RequeueDue(ctx, s.interval, sweepBatch)
		if err != nil {
			zap.L().Error("[Sweeper] requeue webhook deliveries", zap.Error(err))
		}
	}

	if len(stale) > 0 || requeued > 0 {
		zap.L().Info("[Sweeper] sweep finished",
			zap.Int("stale_jobs", len(stale)),
			zap.Int("requeued_deliveries", requeued),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
