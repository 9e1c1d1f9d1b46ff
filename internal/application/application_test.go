package application

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/larntz/status-dispatch/internal/config"
)

func TestNewEmbedded(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Region = "us-east-1"
	cfg.Stream.DataDir = filepath.Join(dir, "stream")
	cfg.DB.ConnectionString = filepath.Join(dir, "status.db")
	cfg.DB.Driver = "sqlite"
	cfg.Stream.Backend = "pebble"

	app, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close(ctx)

	assert.NoError(t, app.DB.Ping(ctx))
	assert.NoError(t, app.Stream.Ping(ctx))
	assert.NotNil(t, app.Metrics.Registry)
	assert.NotNil(t, app.Clock)
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.DB.Driver = "sqlite"
	cfg.DB.ConnectionString = filepath.Join(t.TempDir(), "status.db")
	cfg.Stream.Backend = "kafka"

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	log, err := NewLogger()
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.DebugLevel))

	t.Setenv("ENVIRONMENT", "development")
	log, err = NewLogger()
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))
}
