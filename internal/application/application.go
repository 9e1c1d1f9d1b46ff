// Package application package stores our app state
package application

import (
	"context"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/config"
	"github.com/larntz/status-dispatch/internal/data"
	"github.com/larntz/status-dispatch/internal/metrics"
	"github.com/larntz/status-dispatch/internal/stream"
)

// State holds what every status process shares
type State struct {
	Config  config.Config
	Log     *zap.Logger
	DB      data.Database
	Stream  stream.Client
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// NewLogger returns a development logger unless ENVIRONMENT names another environment
func NewLogger() (*zap.Logger, error) {
	env, set := os.LookupEnv("ENVIRONMENT")
	if !set || env == "" || env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// New connects the store and the stream described by cfg
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*State, error) {
	db, err := data.Open(ctx, cfg.DB.Driver, cfg.DB.ConnectionString)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", cfg.DB.Driver)
	}
	log.Info("connected to store", zap.String("driver", cfg.DB.Driver))

	clk := clock.New()
	st, err := stream.Open(stream.Options{
		Backend: cfg.Stream.Backend,
		URL:     cfg.Stream.URL,
		DataDir: cfg.Stream.DataDir,
		Clock:   clk,
	})
	if err != nil {
		_ = db.Disconnect(ctx)
		return nil, errors.Wrapf(err, "open %s stream", cfg.Stream.Backend)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		_ = db.Disconnect(ctx)
		return nil, errors.Wrap(err, "stream ping")
	}
	log.Info("connected to stream", zap.String("backend", cfg.Stream.Backend), zap.String("stream", cfg.Stream.Name))

	return &State{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Stream:  st,
		Metrics: metrics.New(),
		Clock:   clk,
	}, nil
}

// Close releases the stream and the store
func (s *State) Close(ctx context.Context) {
	if err := s.Stream.Close(); err != nil {
		s.Log.Warn("closing stream", zap.Error(err))
	}
	if err := s.DB.Disconnect(ctx); err != nil {
		s.Log.Warn("disconnecting store", zap.Error(err))
	}
}
