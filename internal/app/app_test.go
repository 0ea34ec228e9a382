package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/config"
	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/module"
	publishermemory "github.com/JakeFAU/transparent-crawler/internal/publisher/memory"
	"github.com/JakeFAU/transparent-crawler/internal/sandbox"
	"github.com/JakeFAU/transparent-crawler/internal/task"
)

func testConfig() config.Config {
	return config.Config{
		Server:    config.ServerConfig{Port: 0},
		Scheduler: config.SchedulerConfig{PoolSize: 2, ImageFetchDelay: time.Hour},
		Runner: config.RunnerConfig{
			PollInterval:     10 * time.Millisecond,
			MaxDownloadBytes: 1 << 20,
			HTTPTimeout:      time.Second,
		},
		Storage:  config.StorageConfig{Backend: config.BackendMemory},
		Metadata: config.MetadataConfig{Backend: config.BackendMemory},
		Alerts:   config.AlertsConfig{Publisher: config.BackendMemory},
		Modules: []config.ModuleConfig{
			{ID: 7, Path: "/opt/modules/newegg", Name: "newegg", Source: "Newegg"},
		},
	}
}

func failingLauncher() sandbox.Launcher {
	return sandbox.LauncherFunc(func(context.Context, crawler.Module) (sandbox.Process, error) {
		return nil, errors.New("exec format error")
	})
}

func newTestApp(t *testing.T, stores *Stores) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(), zap.NewNop(), Options{
		Registerer: prometheus.NewRegistry(),
		Launcher:   failingLauncher(),
		Stores:     stores,
		Publisher:  publishermemory.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestNew_ConfiguredModulesOverridePersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := MemoryStores()
	persisted := module.NewRegistry(
		crawler.Module{ID: 7, Path: "/old/path", ModuleName: "stale", Remote: true},
		crawler.Module{ID: 3, Path: "/opt/modules/bestbuy", ModuleName: "bestbuy", Remote: false},
	)
	require.NoError(t, persisted.Save(ctx, stores.Metadata))

	a := newTestApp(t, stores)
	modules := a.Registry().All()
	require.Len(t, modules, 2)
	assert.Equal(t, crawler.ModuleID(3), modules[0].ID)
	assert.False(t, modules[0].Remote)
	assert.Equal(t, "newegg", modules[1].ModuleName)
	assert.Equal(t, "/opt/modules/newegg", modules[1].Path)
	assert.True(t, modules[1].Remote, "remote defaults to true")

	count, ok, err := stores.Metadata.GetMetadata(ctx, module.CountKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", count)
}

func TestHandler_EnqueuePersistsQueue(t *testing.T) {
	t.Parallel()

	stores := MemoryStores()
	a := newTestApp(t, stores)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(`{"type":"list_crawl","module_id":7}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	slot, ok, err := stores.Metadata.GetMetadata(context.Background(), "queued.0")
	require.NoError(t, err)
	require.True(t, ok)
	parsed, err := task.Parse(slot, a.Registry().Lookup)
	require.NoError(t, err)
	assert.Equal(t, task.ListCrawl, parsed.Kind())
	assert.Equal(t, crawler.ModuleID(7), parsed.Module().ID)
}

func TestRun_RecoversTasksAndStops(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := MemoryStores()
	require.NoError(t, stores.Metadata.SetMetadata(ctx, "queued.count", "1"))
	require.NoError(t, stores.Metadata.SetMetadata(ctx, "queued.0", "0.7.1000.1.0"))

	a := newTestApp(t, stores)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	// The launcher always fails, so the recovered task is dropped as fatal.
	require.Eventually(t, func() bool {
		count, _, _ := stores.Metadata.GetMetadata(ctx, "running.count")
		q, r := a.Scheduler().Sizes()
		return count == "0" && q == 0 && r == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestOpenStores_MemoryDefaults(t *testing.T) {
	t.Parallel()

	stores, err := OpenStores(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer stores.Close()
	assert.NotNil(t, stores.Products)
	assert.Same(t, stores.Products, stores.Metadata)
	assert.Empty(t, stores.Ready)
}

func TestOpenPublisher_DefaultsToMemory(t *testing.T) {
	t.Parallel()

	p, err := openPublisher(context.Background(), config.AlertsConfig{Publisher: config.BackendMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &publishermemory.Publisher{}, p)
	require.NoError(t, p.Close())
}
