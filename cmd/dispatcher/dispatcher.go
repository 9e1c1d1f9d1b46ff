// Package dispatcher polls for due monitors and enqueues their check jobs
package dispatcher

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/application"
	"github.com/larntz/status-dispatch/internal/checks"
	"github.com/larntz/status-dispatch/internal/data"
	"github.com/larntz/status-dispatch/internal/metrics"
	"github.com/larntz/status-dispatch/internal/schedule"
	"github.com/larntz/status-dispatch/internal/stream"
)

// Dispatcher moves due monitors onto the stream. Only one dispatcher may be
// active; with Lease set, extra instances stay on standby.
type Dispatcher struct {
	DB      data.Database
	Stream  stream.Client
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics

	StreamName      string
	GroupName       string
	DefaultRegion   string
	DefaultInterval time.Duration
	PollInterval    time.Duration
	MaxLen          int64

	Lease    bool
	LeaseTTL time.Duration
	Holder   string
}

// New builds a Dispatcher from the application state
func New(app *application.State) *Dispatcher {
	cfg := app.Config
	return &Dispatcher{
		DB:              app.DB,
		Stream:          app.Stream,
		Clock:           app.Clock,
		Log:             app.Log.Named("dispatcher"),
		Metrics:         app.Metrics,
		StreamName:      cfg.Stream.Name,
		GroupName:       cfg.GroupName,
		DefaultRegion:   cfg.DefaultRegion,
		DefaultInterval: cfg.DefaultInterval,
		PollInterval:    cfg.PollInterval,
		MaxLen:          cfg.Stream.MaxLen,
		Lease:           cfg.DispatchLease,
		LeaseTTL:        cfg.LeaseTTL,
		Holder:          cfg.ConsumerID,
	}
}

// Run creates the consumer group and dispatches every poll interval until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Stream.EnsureGroup(ctx, d.StreamName, d.GroupName, stream.StartFromBeginning); err != nil {
		return err
	}
	if d.Lease && d.LeaseTTL <= d.PollInterval {
		d.Log.Warn("lease ttl is not longer than the poll interval, leadership will flap",
			zap.Duration("lease_ttl", d.LeaseTTL), zap.Duration("poll_interval", d.PollInterval))
	}

	loop := &schedule.Loop{
		Name:     "dispatch",
		Interval: d.PollInterval,
		Clock:    d.Clock,
		Log:      d.Log,
		Task: func(ctx context.Context) error {
			_, err := d.Cycle(ctx)
			return err
		},
	}
	loop.Run(ctx)

	if d.Lease {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := d.DB.ReleaseLease(ctx, data.DispatcherLease, d.Holder); err != nil {
			d.Log.Warn("releasing dispatcher lease", zap.Error(err))
		}
	}
	return nil
}

// Cycle enqueues one job per due monitor and pushes each enqueued monitor's
// next check time forward before the job runs. It returns the number of jobs enqueued.
func (d *Dispatcher) Cycle(ctx context.Context) (int, error) {
	now := d.Clock.Now()

	if d.Lease {
		ok, err := d.DB.AcquireLease(ctx, data.DispatcherLease, d.Holder, d.LeaseTTL, now)
		if err != nil {
			return 0, errors.Wrap(err, "dispatcher lease")
		}
		if !ok {
			d.Log.Debug("standby, another dispatcher holds the lease")
			d.Metrics.IncStandby()
			return 0, nil
		}
	}

	due, err := d.DB.FindDueMonitors(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	records := make([]map[string]string, 0, len(due))
	for _, m := range due {
		records = append(records, checks.NewJob(m, d.DefaultRegion, now).Values())
	}

	ids, appendErr := d.Stream.AppendBulk(ctx, d.StreamName, records)
	if appendErr != nil {
		d.Metrics.IncEnqueueFailure()
		d.Log.Error("bulk append failed, remaining monitors stay due",
			zap.Int("appended", len(ids)), zap.Int("due", len(due)), zap.Error(appendErr))
	}
	d.Metrics.AddEnqueued(len(ids))

	for i := range ids {
		m := due[i]
		interval := m.Interval
		if interval <= 0 {
			interval = d.DefaultInterval
		}
		next := now.Add(interval)
		if err := d.DB.UpdateNextCheckTime(ctx, m.ID, next); err != nil {
			// the job is already queued, the monitor may be dispatched twice
			d.Log.Error("advancing next check time", zap.String("monitor", m.ID), zap.Error(err))
			continue
		}
		d.Log.Debug("dispatched", zap.String("monitor", m.ID), zap.String("entry", ids[i]), zap.Time("next", next))
	}
	d.Log.Info("dispatch cycle", zap.Int("due", len(due)), zap.Int("enqueued", len(ids)))

	if d.MaxLen > 0 {
		removed, err := d.Stream.Trim(ctx, d.StreamName, d.MaxLen)
		if err != nil {
			d.Log.Warn("trimming stream", zap.Error(err))
		} else if removed > 0 {
			d.Log.Warn("stream over max length, oldest entries trimmed", zap.Int64("removed", removed))
		}
	}
	return len(ids), errors.Wrap(appendErr, "enqueue check jobs")
}
