// Package schedule runs a task on a fixed interval against an injectable clock
package schedule

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Loop calls Task immediately and then on every tick until the context is done.
// Task errors are logged and never stop the loop.
type Loop struct {
	Name     string
	Interval time.Duration
	Clock    clock.Clock
	Log      *zap.Logger
	Task     func(ctx context.Context) error
}

// Run blocks until ctx is done
func (l *Loop) Run(ctx context.Context) {
	c := l.Clock
	if c == nil {
		c = clock.New()
	}
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}

	// ticker first so a mock clock advanced right after start is observed
	ticker := c.Ticker(l.Interval)
	defer ticker.Stop()

	log.Info("loop started", zap.String("loop", l.Name), zap.Duration("interval", l.Interval))
	l.runOnce(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("loop stopped", zap.String("loop", l.Name))
			return
		case <-ticker.C:
			l.runOnce(ctx, log)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	if err := l.Task(ctx); err != nil {
		log.Error("loop task failed", zap.String("loop", l.Name), zap.Error(err))
	}
}
