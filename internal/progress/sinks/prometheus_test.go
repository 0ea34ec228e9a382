package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/transparent-crawler/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{Handle: 1, TS: now, Stage: progress.StageQueued, Kind: "list_crawl"},
		{Handle: 1, TS: now, Stage: progress.StageStarted, Kind: "list_crawl"},
		{Handle: 1, TS: now, Stage: progress.StageFinished, Kind: "list_crawl", Outcome: "completed", Dur: 3 * time.Second},
		{Handle: 2, TS: now, Stage: progress.StageStarted, Kind: "detail_crawl"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.queued.WithLabelValues("list_crawl")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.finished.WithLabelValues("list_crawl", "completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.running))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runtime, "transparent_task_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{Handle: 4, TS: time.Now(), Stage: progress.StageFailed, Kind: "image_fetch", Outcome: "launch_failed", Note: "no such file"},
	}))

	entries := logs.FilterMessage("task event").All()
	require.Len(t, entries, 1)
	require.Equal(t, "launch_failed", entries[0].ContextMap()["outcome"])
}
