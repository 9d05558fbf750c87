package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kiwoom-envelope/engine/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":       slog.LevelDebug,
		"warn":        slog.LevelWarn,
		"error":       slog.LevelError,
		"info":        slog.LevelInfo,
		"":            slog.LevelInfo,
		"unrecognized": slog.LevelInfo,
	}
	for in, want := range cases {
		require.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestLogFormat(t *testing.T) {
	require.Equal(t, "text", logFormat("development"))
	require.Equal(t, "json", logFormat("production"))
}

func TestInitializeEngine_StartsAndStops(t *testing.T) {
	appCfg := config.DefaultAppConfig()
	appCfg.StatePath = t.TempDir() + "/state.json"
	appCfg.MetricsAddr = "" // keep the telemetry server disabled in this test

	co, reporter, metricsSrv, err := initializeEngine(appCfg)
	require.NoError(t, err)
	require.NotNil(t, co)
	require.NotNil(t, reporter)
	require.Nil(t, metricsSrv)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, co.Start(ctx))

	summaries, err := reporter.AllSummaries(context.Background())
	require.NoError(t, err)
	require.Empty(t, summaries)

	cancel()
	co.Stop()
}

func TestRunHeadless_ExitsOnCancel(t *testing.T) {
	appCfg := config.DefaultAppConfig()
	appCfg.StatePath = t.TempDir() + "/state.json"

	_, reporter, _, err := initializeEngine(appCfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runHeadless(ctx, reporter) }()

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runHeadless did not exit after cancellation")
	}
}
