// Package sweeper deletes old check results for one region on a cron schedule
package sweeper

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/application"
	"github.com/larntz/status-dispatch/internal/data"
	"github.com/larntz/status-dispatch/internal/metrics"
)

// Sweeper removes results of its own region older than the retention window
type Sweeper struct {
	DB      data.Database
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics

	Region   string
	Window   time.Duration
	Schedule string
}

// New builds a Sweeper from the application state
func New(app *application.State) *Sweeper {
	cfg := app.Config
	return &Sweeper{
		DB:       app.DB,
		Clock:    app.Clock,
		Log:      app.Log.Named("sweeper").With(zap.String("region", cfg.Region)),
		Metrics:  app.Metrics,
		Region:   cfg.Region,
		Window:   cfg.RetentionWindow,
		Schedule: cfg.RetentionSchedule,
	}
}

// Cutoff is the UTC start of the day containing now minus the window
func Cutoff(now time.Time, window time.Duration) time.Time {
	t := now.UTC().Add(-window)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Sweep deletes one round of expired results. An unknown region deletes nothing.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := Cutoff(s.Clock.Now(), s.Window)
	region, err := s.DB.GetRegion(ctx, s.Region)
	if errors.Is(err, data.ErrNotFound) {
		s.Log.Info("region has no results yet, nothing to sweep")
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "resolve region")
	}

	deleted, err := s.DB.DeleteChecksOlderThan(ctx, cutoff, region.ID)
	if err != nil {
		return 0, errors.Wrapf(err, "delete results before %s", cutoff.Format(time.RFC3339))
	}
	s.Metrics.AddRetentionDeleted(deleted)
	s.Log.Info("retention sweep complete", zap.Time("cutoff", cutoff), zap.Int64("deleted", deleted))
	return deleted, nil
}

// Run sweeps once, then on every cron tick until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.Schedule, func() { s.sweepLogged(ctx) }); err != nil {
		return errors.Wrapf(err, "retention schedule %q", s.Schedule)
	}

	s.sweepLogged(ctx)
	c.Start()
	s.Log.Info("sweeper started", zap.String("schedule", s.Schedule), zap.Duration("window", s.Window))

	<-ctx.Done()
	<-c.Stop().Done()
	s.Log.Info("sweeper stopped")
	return nil
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.Log.Error("retention sweep failed", zap.Error(err))
	}
}
