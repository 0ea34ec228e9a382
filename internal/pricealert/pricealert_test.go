package pricealert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
)

func ptr[T any](v T) *T { return &v }

func TestTriggerCheckPrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tracks []Track
		module crawler.ModuleID
		price  int64
		want   bool
	}{
		{name: "no subscriptions", want: false, module: 1, price: 100},
		{name: "global any price", tracks: []Track{{}}, module: 1, price: 100, want: true},
		{name: "module any price match", tracks: []Track{{Module: ptr(crawler.ModuleID(1))}}, module: 1, price: 100, want: true},
		{name: "module any price other module", tracks: []Track{{Module: ptr(crawler.ModuleID(2))}}, module: 1, price: 100, want: false},
		{name: "global threshold above", tracks: []Track{{Threshold: ptr(int64(150))}}, module: 1, price: 100, want: true},
		{name: "global threshold equal", tracks: []Track{{Threshold: ptr(int64(100))}}, module: 1, price: 100, want: true},
		{name: "global threshold below", tracks: []Track{{Threshold: ptr(int64(99))}}, module: 1, price: 100, want: false},
		{
			name:   "module threshold",
			tracks: []Track{{Module: ptr(crawler.ModuleID(3)), Threshold: ptr(int64(500))}},
			module: 3, price: 499, want: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trig := NewTrigger()
			for _, tr := range tt.tracks {
				trig.Add(tr)
			}
			assert.Equal(t, tt.want, trig.CheckPrice(tt.module, 9, tt.price))
		})
	}
}

func TestTriggerReferenceCounting(t *testing.T) {
	t.Parallel()

	trig := NewTrigger()
	track := Track{Module: ptr(crawler.ModuleID(4)), Threshold: ptr(int64(1000))}
	trig.Add(track)
	trig.Add(track)
	assert.Equal(t, 2, trig.Tracks())

	trig.Remove(track)
	assert.True(t, trig.CheckPrice(4, 0, 900))
	trig.Remove(track)
	assert.False(t, trig.CheckPrice(4, 0, 900))
	assert.Zero(t, trig.Tracks())

	// removing an unknown track is harmless
	trig.Remove(Track{})
	trig.Remove(track)
	assert.Zero(t, trig.Tracks())
}

type mapStore struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *mapStore) GetMetadata(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) SetMetadata(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestTriggerSaveLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &mapStore{data: map[string]string{}}

	empty, err := LoadTrigger(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, empty.Tracks())

	trig := NewTrigger()
	trig.Add(Track{})
	trig.Add(Track{Threshold: ptr(int64(250))})
	trig.Add(Track{Module: ptr(crawler.ModuleID(8)), Threshold: ptr(int64(10))})
	require.NoError(t, trig.Save(ctx, store))

	loaded, err := LoadTrigger(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Tracks())

	store.data[TriggerKey] = "{broken"
	_, err = LoadTrigger(ctx, store)
	require.Error(t, err)
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []crawler.Alert
	err    error
}

func (p *recordingPublisher) PublishAlert(_ context.Context, a crawler.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "alert-1", nil }

func TestServiceRecordsAndAlerts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := NewService(NewTrigger(), NewHistory(), pub, fixedIDs{}, zap.NewNop())

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	require.NoError(t, svc.RecordPrice(ctx, 1, 77, at, 1000))
	require.NoError(t, svc.RecordPrice(ctx, 1, 77, at.Add(time.Hour), 900))

	hist, err := svc.History(ctx, 1, 77)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, time.UTC, hist[0].Time.Location())
	assert.Equal(t, int64(900), hist[1].Price)

	require.NoError(t, svc.Alert(ctx, crawler.Alert{ModuleID: 1, GroupID: 77, Previous: 1000, Price: 900}))
	require.Len(t, pub.alerts, 1)
	assert.Equal(t, "alert-1", pub.alerts[0].ID)

	pub.err = errors.New("broker down")
	require.Error(t, svc.Alert(ctx, crawler.Alert{ModuleID: 1, GroupID: 77}))
}
