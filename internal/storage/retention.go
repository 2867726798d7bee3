package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vmsentry/internal/logging"
)

// Pruner is the part of Store the retention job needs.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Retention deletes stored rows older than a fixed age once a day.
type Retention struct {
	store  Pruner
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	sched *cron.Cron
}

func NewRetention(store Pruner, maxAge time.Duration, logger *slog.Logger) *Retention {
	return &Retention{store: store, maxAge: maxAge, logger: logger, now: time.Now}
}

// RunOnce prunes everything older than maxAge. A non-positive maxAge keeps
// all rows.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	if r.store == nil || r.maxAge <= 0 {
		return 0, nil
	}
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("retention prune failed", "err", err)
		}
		return n, err
	}
	if r.logger != nil && n > 0 {
		r.logger.Info("retention pruned rows", "rows", n, "cutoff", cutoff)
	}
	return n, nil
}

func (r *Retention) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sched != nil || r.store == nil || r.maxAge <= 0 {
		return
	}
	logger := logging.CronLogger(r.logger, "retention")
	r.sched = cron.New(cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)), cron.WithLogger(logger))
	_, _ = r.sched.AddFunc("@daily", func() {
		_, _ = r.RunOnce(context.Background())
	})
	r.sched.Start()
}

func (r *Retention) Stop(ctx context.Context) error {
	r.mu.Lock()
	sched := r.sched
	r.sched = nil
	r.mu.Unlock()
	if sched == nil {
		return nil
	}
	select {
	case <-sched.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
