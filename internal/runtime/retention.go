package runtime

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
)

// RecordPurger is the part of the storage gateway the retention scheduler
// needs.
type RecordPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff gps.LocalTime) (int64, error)
}

// RetentionConfig configures the purge schedule.
type RetentionConfig struct {
	Days     int
	Interval time.Duration
	// Timeout bounds a single purge. Zero leaves it unbounded.
	Timeout time.Duration
}

// RetentionScheduler deletes records older than the retention window on a
// fixed period.
type RetentionScheduler struct {
	store   RecordPurger
	cfg     RetentionConfig
	logger  loggingpkg.ServiceLogger
	metrics *PipelineMetrics

	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())
}

// NewRetentionScheduler builds a scheduler purging p.
func NewRetentionScheduler(p RecordPurger, cfg RetentionConfig, logger loggingpkg.ServiceLogger, metrics *PipelineMetrics) (*RetentionScheduler, error) {
	if p == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if cfg.Days <= 0 {
		return nil, errors.New("retention window must be at least one day")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("purge interval must be positive")
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &RetentionScheduler{
		store:   p,
		cfg:     cfg,
		logger:  logger.With(loggingpkg.LogFields{"component": "retention"}),
		metrics: metrics,
		now:     time.Now,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}, nil
}

// Cutoff returns the instant before which records are purged when the
// scheduler runs at now.
func (r *RetentionScheduler) Cutoff(now time.Time) gps.LocalTime {
	return gps.LocalTimeOf(now).AddDays(-r.cfg.Days)
}

// RunOnce performs a single purge and returns the number of deleted records.
// The purge is not interrupted by cancellation of ctx.
func (r *RetentionScheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.Cutoff(r.now())

	ctx = context.WithoutCancel(ctx)
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	deleted, err := r.store.DeleteOlderThan(ctx, cutoff)
	r.metrics.observeStore("delete_older_than", started)
	r.metrics.purgeRun(deleted, err)
	if err != nil {
		return 0, errspkg.TransientStorage("retention.purge", err)
	}

	r.logger.Info("Retention purge finished", loggingpkg.LogFields{
		"cutoff":  cutoff.String(),
		"deleted": deleted,
	})
	return deleted, nil
}

// Serve purges immediately and then on every tick until ctx is done. Failed
// runs are logged and the schedule continues.
func (r *RetentionScheduler) Serve(ctx context.Context) error {
	ticks, stop := r.newTicker(r.cfg.Interval)
	defer stop()

	r.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			r.runLogged(ctx)
		}
	}
}

func (r *RetentionScheduler) runLogged(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("Retention purge failed", err, loggingpkg.LogFields{
			"retention_days": r.cfg.Days,
		})
	}
}

// String names the scheduler in supervisor logs.
func (r *RetentionScheduler) String() string {
	return "retention-scheduler"
}
