package audit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Brownie44l1/cxr-api/internal/repository"
)

// Retention prunes audit records older than MaxAge on a cron schedule.
type Retention struct {
	repo   repository.PredictionRepository
	maxAge time.Duration
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewRetention schedules pruning. A zero maxAge keeps records forever and
// Start becomes a no-op.
func NewRetention(repo repository.PredictionRepository, maxAge time.Duration, schedule string, logger *slog.Logger) (*Retention, error) {
	r := &Retention{
		repo:   repo,
		maxAge: maxAge,
		cron:   cron.New(),
		logger: logger.With("component", "retention"),
		now:    time.Now,
	}
	if maxAge <= 0 {
		return r, nil
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Prune(ctx); err != nil {
			r.logger.Error("retention run failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Retention) Start() {
	if r.maxAge <= 0 {
		r.logger.Info("audit retention disabled")
		return
	}
	r.cron.Start()
	r.logger.Info("audit retention scheduled", "max_age", r.maxAge.String())
}

func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// Prune deletes expired rows and their stored images.
func (r *Retention) Prune(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.maxAge)
	deleted, paths, err := r.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("failed to remove image", "path", p, "error", err)
			continue
		}
		removed++
	}
	r.logger.Info("audit retention complete", "cutoff", cutoff.Format(time.RFC3339), "records_deleted", deleted, "images_removed", removed)
	return deleted, nil
}
