package service

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/config"
	"github.com/canopyhq/canopy/errors"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "canopy.db")
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogLevel = "verbose"
	_, err := New(cfg, slog.Default())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(nil, nil)
	require.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	agg, err := New(testConfig(t), slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, agg.Initialize(ctx))
	assert.ErrorIs(t, agg.Initialize(ctx), errors.ErrAlreadyStarted)

	require.NoError(t, agg.Start(ctx))
	require.NoError(t, agg.Stop(2*time.Second))
}

func TestStartBeforeInitializeFails(t *testing.T) {
	agg, err := New(testConfig(t), slog.Default())
	require.NoError(t, err)
	assert.ErrorIs(t, agg.Start(context.Background()), errors.ErrNotStarted)
	assert.ErrorIs(t, agg.Stop(time.Second), errors.ErrNotStarted)
}

func TestUnknownCacheSchemeFailsInitialize(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheBackendURI = "redis://localhost:6379"
	agg, err := New(cfg, slog.Default())
	require.NoError(t, err)
	err = agg.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchemeUnknown)
}

func TestMetricsEndpointServes(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsEnabled = true
	cfg.MetricsAddress = "127.0.0.1:0"

	agg, err := New(cfg, slog.Default())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, agg.Initialize(ctx))
	require.NotNil(t, agg.registry)
	require.NoError(t, agg.Start(ctx))
	require.NoError(t, agg.Stop(2*time.Second))
}
