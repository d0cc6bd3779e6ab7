package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/catalog"
	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/anatoly-dev/lobby-sync/pkg/notifications"
	"github.com/anatoly-dev/lobby-sync/pkg/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeChannel struct {
	mu         sync.Mutex
	handlers   map[string]websocket.EventHandler
	onLive     []func()
	onTeardown []func()
	running    bool
	credential string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]websocket.EventHandler)}
}

func (c *fakeChannel) RegisterHandler(event string, handler websocket.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *fakeChannel) OnLive(fn func())     { c.onLive = append(c.onLive, fn) }
func (c *fakeChannel) OnTeardown(fn func()) { c.onTeardown = append(c.onTeardown, fn) }

func (c *fakeChannel) SetAuth(authenticated bool, credential string) {
	c.mu.Lock()
	wasRunning := c.running
	c.running = authenticated
	c.credential = credential
	c.mu.Unlock()

	if !authenticated && wasRunning {
		for _, fn := range c.onTeardown {
			fn()
		}
	}
}

func (c *fakeChannel) Status() websocket.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return websocket.Status{State: websocket.StateLive}
	}
	return websocket.Status{State: websocket.StateDisconnected}
}

func (c *fakeChannel) goLive() {
	for _, fn := range c.onLive {
		fn()
	}
}

func (c *fakeChannel) emit(t *testing.T, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)

	c.mu.Lock()
	handler := c.handlers[event]
	c.mu.Unlock()
	require.NotNil(t, handler, "no handler for %s", event)
	handler(event, raw)
}

type fakeBackend struct {
	mu      sync.Mutex
	calls   map[string]int
	gates   map[string]chan struct{}
	fail    map[string]error
	started chan string
	records []map[string]interface{}
	acks    [][]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:   make(map[string]int),
		gates:   make(map[string]chan struct{}),
		fail:    make(map[string]error),
		started: make(chan string, 32),
	}
}

func (b *fakeBackend) gate(tag string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := make(chan struct{})
	b.gates[tag] = g
	return g
}

func (b *fakeBackend) Calls(tag string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[tag]
}

func (b *fakeBackend) FetchGames(ctx context.Context, filter models.CatalogFilter, credential string) (*models.GamePage, error) {
	b.mu.Lock()
	b.calls[filter.Tag]++
	gate := b.gates[filter.Tag]
	err := b.fail[filter.Tag]
	b.mu.Unlock()

	b.started <- filter.Tag
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &models.GamePage{
		Games: []models.Game{
			{ID: filter.Tag + "-1", Types: []string{"slots", "fish"}},
			{ID: filter.Tag + "-2", Types: []string{"slots"}},
		},
		Total: 2, Page: filter.Page, Limit: filter.Limit, TotalPages: 1,
	}, nil
}

const notificationsGate = "#notifications"

func (b *fakeBackend) FetchNotifications(ctx context.Context, credential string) ([]map[string]interface{}, error) {
	b.mu.Lock()
	gate := b.gates[notificationsGate]
	b.mu.Unlock()

	if gate != nil {
		b.started <- notificationsGate
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records, nil
}

func (b *fakeBackend) MarkNotificationsRead(ctx context.Context, credential string, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, ids)
	return nil
}

func (b *fakeBackend) Acks() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]string(nil), b.acks...)
}

type fixture struct {
	svc     *SyncService
	channel *fakeChannel
	backend *fakeBackend
	store   *notifications.Store
	cache   *catalog.Cache
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.NewMetrics("test", prometheus.NewRegistry())

	store := notifications.NewStore(logger)
	cache := catalog.NewCache()
	coordinator := catalog.NewCoordinator(cache, time.Minute, logger)
	t.Cleanup(coordinator.Close)

	channel := newFakeChannel()
	backend := newFakeBackend()
	svc := NewSyncService(channel, backend, store, cache, coordinator, logger)
	svc.SetMetrics(&m.Catalog)
	t.Cleanup(svc.Wait)

	return &fixture{svc: svc, channel: channel, backend: backend, store: store, cache: cache, metrics: m}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func waitStarted(t *testing.T, b *fakeBackend, tag string) {
	t.Helper()
	select {
	case got := <-b.started:
		require.Equal(t, tag, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch for %q never started", tag)
	}
}

func TestSyncService_WithdrawalScenario(t *testing.T) {
	f := newFixture(t)
	f.svc.SetAuthenticated(true, "token")
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)

	f.channel.emit(t, "withdrawal_status_updated", map[string]interface{}{
		"id": "W1", "amount": 50, "currency": "USD", "status": "pending", "createdAt": at,
	})
	require.Len(t, f.svc.Notifications().Items, 1)
	assert.Equal(t, 1, f.svc.UnreadCount())

	f.channel.emit(t, "withdrawal_status_updated", map[string]interface{}{
		"id": "W1", "amount": 50, "currency": "USD", "status": "approved", "createdAt": at,
	})
	snap := f.svc.Notifications()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "approved", snap.Items[0].Payload.(models.WithdrawalStatus).Status)
	assert.False(t, snap.Items[0].Read)
	assert.Equal(t, 1, f.svc.UnreadCount())

	assert.True(t, f.svc.MarkRead(context.Background(), "W1"))
	assert.Equal(t, 0, f.svc.UnreadCount())
	assert.False(t, f.svc.MarkRead(context.Background(), "W1"))

	f.svc.Wait()
	assert.Equal(t, [][]string{{"W1"}}, f.backend.Acks())
}

func TestSyncService_MarkAllReadAcknowledgesUnread(t *testing.T) {
	f := newFixture(t)
	f.svc.SetAuthenticated(true, "token")

	for _, id := range []string{"P1", "P2"} {
		f.channel.emit(t, "payment_received", map[string]interface{}{"id": id, "amount": 10, "currency": "USD"})
	}

	assert.Equal(t, 2, f.svc.MarkAllRead(context.Background()))
	assert.Equal(t, 0, f.svc.MarkAllRead(context.Background()))

	f.svc.Wait()
	acks := f.backend.Acks()
	require.Len(t, acks, 1)
	assert.ElementsMatch(t, []string{"P1", "P2"}, acks[0])
}

func TestSyncService_OlderFilterResponseNeverReachesVisiblePage(t *testing.T) {
	f := newFixture(t)
	newGate := f.backend.gate("new")
	hotGate := f.backend.gate("hot")

	newDone := make(chan error, 1)
	go func() { newDone <- f.svc.SetFilters(context.Background(), FilterPatch{Tag: strPtr("new")}) }()
	waitStarted(t, f.backend, "new")

	hotDone := make(chan error, 1)
	go func() { hotDone <- f.svc.SetFilters(context.Background(), FilterPatch{Tag: strPtr("hot")}) }()
	waitStarted(t, f.backend, "hot")

	close(hotGate)
	require.NoError(t, <-hotDone)

	snap := f.svc.Catalog()
	require.NotNil(t, snap.Page)
	assert.Equal(t, "hot-1", snap.Page.Games[0].ID)

	close(newGate)
	require.NoError(t, <-newDone)

	after := f.svc.Catalog()
	assert.Equal(t, "hot", after.Filter.Tag)
	assert.Equal(t, "hot-1", after.Page.Games[0].ID)
	assert.False(t, after.Loading)
	assert.Same(t, snap, after, "discarded response must not publish a snapshot")
}

func TestSyncService_SetFiltersMergesAndResetsPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("hot"), Page: intPtr(3)}))
	assert.Equal(t, 3, f.svc.Catalog().Filter.Page)

	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Search: strPtr("  dragon  king ")}))
	filter := f.svc.Catalog().Filter
	assert.Equal(t, "hot", filter.Tag)
	assert.Equal(t, "dragon king", filter.Search)
	assert.Equal(t, 1, filter.Page)
}

func TestSyncService_InvalidFilterIsRejected(t *testing.T) {
	f := newFixture(t)
	before := f.svc.Catalog()

	err := f.svc.SetFilters(context.Background(), FilterPatch{Tag: strPtr("trending")})
	assert.ErrorIs(t, err, models.ErrInvalidFilter)
	assert.Same(t, before, f.svc.Catalog())
}

func TestSyncService_CachedFilterSkipsFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("hot")}))
	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("new")}))
	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("HOT")}))

	assert.Equal(t, 1, f.backend.Calls("hot"))
	assert.Equal(t, "hot-1", f.svc.Catalog().Page.Games[0].ID)
}

func TestSyncService_ConcurrentIdenticalIntentsShareOneFetch(t *testing.T) {
	f := newFixture(t)
	gate := f.backend.gate("hot")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.SetFilters(context.Background(), FilterPatch{Tag: strPtr("hot")}))
		}()
	}
	waitStarted(t, f.backend, "hot")
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, f.backend.Calls("hot"))
}

func TestSyncService_RefreshRefetches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("hot")}))
	require.NoError(t, f.svc.Refresh(ctx))

	assert.Equal(t, 2, f.backend.Calls("hot"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Catalog.Invalidations.WithLabelValues("manual")))
}

func TestSyncService_FetchErrorIsTypedInSnapshot(t *testing.T) {
	f := newFixture(t)
	f.backend.fail["featured"] = &catalog.FetchError{StatusCode: http.StatusInternalServerError, Message: "boom"}

	err := f.svc.SetFilters(context.Background(), FilterPatch{Tag: strPtr("featured")})

	var fe *catalog.FetchError
	require.True(t, errors.As(err, &fe))
	snap := f.svc.Catalog()
	require.NotNil(t, snap.Err)
	assert.Equal(t, snap.Fingerprint, snap.Err.Fingerprint)
	assert.Equal(t, http.StatusInternalServerError, snap.Err.StatusCode)
	assert.False(t, snap.Loading)
	assert.Nil(t, snap.Page)
}

func TestSyncService_SnapshotsAreNeverMutated(t *testing.T) {
	f := newFixture(t)
	first := f.svc.Catalog()
	firstCopy := *first

	require.NoError(t, f.svc.SetFilters(context.Background(), FilterPatch{Tag: strPtr("hot")}))

	second := f.svc.Catalog()
	assert.NotSame(t, first, second)
	assert.Greater(t, second.Version, first.Version)
	assert.Equal(t, firstCopy, *first)
}

func TestSyncService_ActiveGameType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("hot")}))
	assert.Equal(t, "slots", f.svc.Catalog().ActiveGameType, "every visible game is a slot")

	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Types: &[]string{"Fish"}}))
	assert.Equal(t, "fish", f.svc.Catalog().ActiveGameType)

	assert.Equal(t, "", activeGameType(models.CatalogFilter{}, &models.GamePage{Games: []models.Game{
		{Types: []string{"slots"}}, {Types: []string{"fish"}},
	}}))
	assert.Equal(t, "", activeGameType(models.CatalogFilter{Types: []string{"a", "b"}}, nil))
}

func TestSyncService_BackfillOnLive(t *testing.T) {
	f := newFixture(t)
	f.backend.records = []map[string]interface{}{
		{"id": "D1", "type": "deposit_success", "amount": 20.0, "currency": "USD", "read": true},
		{"_id": "G1", "type": "game_account_approved", "gameName": "Fire Kirin", "username": "u1", "password": "p1"},
		{"id": "X1", "type": "mystery"},
	}
	f.svc.SetAuthenticated(true, "token")

	f.channel.goLive()

	snap := f.svc.Notifications()
	assert.Len(t, snap.Items, 2)
	assert.Equal(t, 1, snap.Unread)
}

func TestSyncService_LogoutClearsSessionState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.SetAuthenticated(true, "token")

	f.channel.emit(t, "deposit_success", map[string]interface{}{"id": "D1", "amount": 5, "currency": "USD"})
	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("hot")}))

	f.svc.SetAuthenticated(false, "")

	assert.Empty(t, f.svc.Notifications().Items)
	assert.Equal(t, 0, f.cache.Len())
	assert.Nil(t, f.svc.Catalog().Page)
	assert.Equal(t, websocket.StateDisconnected, f.svc.Connection().State)
}

func TestSyncService_LogoutDiscardsInFlightCatalogLoad(t *testing.T) {
	f := newFixture(t)
	f.svc.SetAuthenticated(true, "token")
	gate := f.backend.gate("hot")

	done := make(chan error, 1)
	go func() { done <- f.svc.SetFilters(context.Background(), FilterPatch{Tag: strPtr("hot")}) }()
	waitStarted(t, f.backend, "hot")

	f.svc.SetAuthenticated(false, "")
	close(gate)
	require.NoError(t, <-done)

	assert.Nil(t, f.svc.Catalog().Page)
	assert.Equal(t, 0, f.cache.Len())
}

func TestSyncService_CatalogEventRefreshesAffectedPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("hot")}))

	f.svc.HandleCatalogEvent("redis", models.CatalogEvent{Filter: &models.CatalogFilter{Tag: "new"}})
	f.svc.Wait()
	assert.Equal(t, 1, f.backend.Calls("hot"), "unrelated page must not refetch")

	f.svc.HandleCatalogEvent("kafka", models.CatalogEvent{})
	f.svc.Wait()
	assert.Equal(t, 2, f.backend.Calls("hot"))

	f.channel.emit(t, models.EventCatalogUpdated, map[string]interface{}{"filter": map[string]interface{}{"tag": "hot"}})
	f.svc.Wait()
	assert.Equal(t, 3, f.backend.Calls("hot"))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Catalog.Invalidations.WithLabelValues("socket")))
}

func TestSyncService_BackfillAfterLogoutIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.backend.records = []map[string]interface{}{
		{"id": "D1", "type": "deposit_success", "amount": 20.0},
	}
	f.svc.SetAuthenticated(true, "token")
	f.svc.SetAuthenticated(false, "")

	f.channel.goLive()

	assert.Empty(t, f.svc.Notifications().Items)
}

func TestSyncService_BackfillFromEarlierSessionIsDiscardedAfterRelogin(t *testing.T) {
	f := newFixture(t)
	f.backend.records = []map[string]interface{}{
		{"id": "D1", "type": "deposit_success", "amount": 20.0},
	}
	gate := f.backend.gate(notificationsGate)
	f.svc.SetAuthenticated(true, "token")

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.channel.goLive()
	}()
	waitStarted(t, f.backend, notificationsGate)

	f.svc.SetAuthenticated(false, "")
	f.svc.SetAuthenticated(true, "token")
	close(gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("backfill never returned")
	}
	assert.Empty(t, f.svc.Notifications().Items)
}

func TestSyncService_TagEventInvalidatesEveryPageOfTag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Tag: strPtr("hot"), Page: intPtr(2)}))
	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Sort: strPtr("name")}))
	require.NoError(t, f.svc.SetFilters(ctx, FilterPatch{Sort: strPtr("popular"), Page: intPtr(2)}))
	require.Equal(t, 2, f.backend.Calls("hot"), "second visit to page 2 is served from cache")

	f.svc.HandleCatalogEvent("redis", models.CatalogEvent{Filter: &models.CatalogFilter{Tag: "hot"}})
	f.svc.Wait()

	assert.Equal(t, 3, f.backend.Calls("hot"), "active page 2 is refetched")
	_, ok := f.cache.Get(models.CatalogFilter{Tag: "hot", Sort: "name"})
	assert.False(t, ok, "other sort orders of the tag are evicted")
}
