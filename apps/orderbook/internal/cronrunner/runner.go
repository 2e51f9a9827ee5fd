package cronrunner

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner schedules background jobs on six-field (seconds-first) cron specs. A job that
// is still running when its next tick fires is skipped.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(baseCtx context.Context, logger *zap.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cl := cronLogger{logger.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(name, spec string, job func(context.Context) error) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, func() {
		if err := job(r.baseCtx); err != nil {
			r.logger.Error("Cron job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	r.logger.Info("Scheduled cron job", zap.String("job", name), zap.String("spec", spec))
	return id, nil
}

// ExpiredSweeper is satisfied by the resync service.
type ExpiredSweeper interface {
	SyncExpiredOrders(ctx context.Context) (int, error)
}

// AddExpiredSweep schedules the expired-order sweep.
func (r *Runner) AddExpiredSweep(spec string, sweeper ExpiredSweeper) (cron.EntryID, error) {
	return r.Add("expired_orders", spec, func(ctx context.Context) error {
		_, err := sweeper.SyncExpiredOrders(ctx)
		return err
	})
}

func (r *Runner) Start() {
	r.logger.Info("Cron started")
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("Cron stopped")
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
