package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/anatoly-dev/lobby-sync/pkg/catalog"
	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"github.com/anatoly-dev/lobby-sync/pkg/notifications"
	"github.com/anatoly-dev/lobby-sync/pkg/websocket"
	"go.uber.org/zap"
)

// Channel is the live push channel as seen by the sync service.
type Channel interface {
	RegisterHandler(event string, handler websocket.EventHandler)
	OnLive(fn func())
	OnTeardown(fn func())
	SetAuth(authenticated bool, credential string)
	Status() websocket.Status
}

// Backend is the REST side of the lobby.
type Backend interface {
	FetchGames(ctx context.Context, filter models.CatalogFilter, credential string) (*models.GamePage, error)
	FetchNotifications(ctx context.Context, credential string) ([]map[string]interface{}, error)
	MarkNotificationsRead(ctx context.Context, credential string, ids []string) error
}

// CatalogSnapshot is the visible catalog state. A new value is published on every change.
type CatalogSnapshot struct {
	Version        uint64               `json:"version"`
	Filter         models.CatalogFilter `json:"filter"`
	Fingerprint    string               `json:"fingerprint"`
	Page           *models.GamePage     `json:"page"`
	Loading        bool                 `json:"loading"`
	Err            *catalog.FetchError  `json:"error,omitempty"`
	ActiveGameType string               `json:"activeGameType"`

	pageFingerprint string
}

// FilterPatch is a partial filter update. Nil fields keep their current value.
type FilterPatch struct {
	Tag    *string   `json:"tag,omitempty"`
	Types  *[]string `json:"types,omitempty"`
	Search *string   `json:"search,omitempty"`
	Page   *int      `json:"page,omitempty"`
	Limit  *int      `json:"limit,omitempty"`
	Sort   *string   `json:"sort,omitempty"`
}

// SyncService is the single owner of the notification store and the catalog cache for a
// session. Consumers only see immutable snapshots and intent methods.
type SyncService struct {
	channel     Channel
	backend     Backend
	store       *notifications.Store
	cache       *catalog.Cache
	coordinator *catalog.Coordinator
	logger      *zap.Logger
	metrics     *metrics.CatalogMetrics

	mu         sync.Mutex
	filter     models.CatalogFilter
	credential string
	version    uint64
	snapshot   atomic.Pointer[CatalogSnapshot]

	// sessionMu orders backfill ingestion against teardown. session counts teardowns.
	sessionMu sync.Mutex
	session   uint64

	wg sync.WaitGroup
}

func NewSyncService(
	channel Channel,
	backend Backend,
	store *notifications.Store,
	cache *catalog.Cache,
	coordinator *catalog.Coordinator,
	logger *zap.Logger,
) *SyncService {
	s := &SyncService{
		channel:     channel,
		backend:     backend,
		store:       store,
		cache:       cache,
		coordinator: coordinator,
		logger:      logger,
		filter:      cache.Normalize(models.CatalogFilter{}),
	}
	s.snapshot.Store(&CatalogSnapshot{
		Filter:      s.filter,
		Fingerprint: cache.Fingerprint(s.filter),
	})

	s.registerChannelHandlers()
	return s
}

func (s *SyncService) SetMetrics(metrics *metrics.CatalogMetrics) {
	s.metrics = metrics
}

func (s *SyncService) registerChannelHandlers() {
	for _, t := range models.NotificationTypes {
		s.channel.RegisterHandler(string(t), s.handleNotification)
	}
	s.channel.RegisterHandler(models.EventCatalogUpdated, s.handleCatalogUpdated)
	s.channel.OnLive(s.backfill)
	s.channel.OnTeardown(s.teardown)
}

func (s *SyncService) handleNotification(event string, data json.RawMessage) {
	s.store.Ingest(event, data)
}

func (s *SyncService) handleCatalogUpdated(event string, data json.RawMessage) {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	parsed, err := models.ParseCatalogEvent(data)
	if err != nil {
		s.logger.Warn("Dropping malformed catalog event", zap.Error(err))
		return
	}
	s.HandleCatalogEvent("socket", parsed)
}

// SetAuthenticated forwards the external auth signal. Logout tears the channel down and the
// teardown hook clears all session state.
func (s *SyncService) SetAuthenticated(authenticated bool, credential string) {
	s.mu.Lock()
	if authenticated {
		s.credential = credential
	} else {
		s.credential = ""
	}
	s.mu.Unlock()

	s.channel.SetAuth(authenticated, credential)
}

func (s *SyncService) Connection() websocket.Status {
	return s.channel.Status()
}

func (s *SyncService) Notifications() *notifications.Snapshot {
	return s.store.Snapshot()
}

func (s *SyncService) UnreadCount() int {
	return s.store.UnreadCount()
}

// MarkRead updates local state at once and acknowledges the backend in the background.
func (s *SyncService) MarkRead(ctx context.Context, id string) bool {
	if !s.store.MarkRead(id) {
		return false
	}
	s.acknowledge(ctx, []string{id})
	return true
}

func (s *SyncService) MarkAllRead(ctx context.Context) int {
	ids := s.store.UnreadIDs()
	n := s.store.MarkAllRead()
	if n > 0 {
		s.acknowledge(ctx, ids)
	}
	return n
}

func (s *SyncService) acknowledge(ctx context.Context, ids []string) {
	credential := s.currentCredential()
	if credential == "" {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.backend.MarkNotificationsRead(ctx, credential, ids); err != nil {
			s.logger.Warn("Failed to acknowledge read notifications",
				zap.Strings("ids", ids),
				zap.Error(err))
		}
	}()
}

func (s *SyncService) backfill() {
	s.sessionMu.Lock()
	session := s.session
	s.sessionMu.Unlock()

	credential := s.currentCredential()
	if credential == "" {
		return
	}

	records, err := s.backend.FetchNotifications(context.Background(), credential)
	if err != nil {
		s.logger.Warn("Notification backfill failed", zap.Error(err))
		return
	}
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	// A teardown ran while the request was in flight, even if the same credential
	// logged in again since.
	if s.session != session {
		s.logger.Debug("Discarding backfill for a finished session")
		return
	}

	stored := 0
	for _, record := range records {
		if s.store.IngestRecord(record) {
			stored++
		}
	}
	s.logger.Info("Notification backfill applied",
		zap.Int("received", len(records)),
		zap.Int("stored", stored))
}

func (s *SyncService) teardown() {
	s.sessionMu.Lock()
	s.session++
	s.store.Clear()
	s.sessionMu.Unlock()

	s.coordinator.Reset()
	s.cache.InvalidateAll()

	s.mu.Lock()
	s.publishLocked(func(snap *CatalogSnapshot) {
		snap.Page = nil
		snap.pageFingerprint = ""
		snap.Loading = false
		snap.Err = nil
	})
	s.mu.Unlock()

	s.logger.Info("Session state cleared")
}

// Catalog returns the current catalog snapshot.
func (s *SyncService) Catalog() *CatalogSnapshot {
	return s.snapshot.Load()
}

// SetFilters merges patch into the active filter and loads the resulting page. The page
// resets to 1 unless the patch sets it.
func (s *SyncService) SetFilters(ctx context.Context, patch FilterPatch) error {
	s.mu.Lock()
	next := s.filter
	if patch.Tag != nil {
		next.Tag = *patch.Tag
	}
	if patch.Types != nil {
		next.Types = append([]string(nil), (*patch.Types)...)
	}
	if patch.Search != nil {
		next.Search = *patch.Search
	}
	if patch.Limit != nil {
		next.Limit = *patch.Limit
	}
	if patch.Sort != nil {
		next.Sort = *patch.Sort
	}
	if patch.Page != nil {
		next.Page = *patch.Page
	} else {
		next.Page = 1
	}

	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}

	s.filter = s.cache.Normalize(next)
	filter := s.filter
	s.mu.Unlock()

	return s.load(ctx, filter, false)
}

// Refresh invalidates the active page and fetches it again under a new generation.
func (s *SyncService) Refresh(ctx context.Context) error {
	filter := s.activeFilter()
	s.cache.Invalidate(filter)
	if s.metrics != nil {
		s.metrics.Invalidations.WithLabelValues("manual").Inc()
	}
	return s.load(ctx, filter, true)
}

// HandleCatalogEvent applies an out-of-band invalidation. When the active page is affected
// it is refetched in the background.
func (s *SyncService) HandleCatalogEvent(source string, event models.CatalogEvent) {
	active := s.activeFilter()

	affected := false
	if event.Filter == nil {
		n := s.cache.InvalidateAll()
		affected = true
		s.logger.Info("Catalog invalidated",
			zap.String("source", source),
			zap.Int("entries", n),
			zap.String("reason", event.Reason))
	} else {
		n := s.cache.InvalidateMatching(*event.Filter)
		affected = s.cache.Matches(*event.Filter, active)
		s.logger.Info("Catalog pages invalidated",
			zap.String("source", source),
			zap.Any("filter", event.Filter),
			zap.Int("entries", n),
			zap.String("reason", event.Reason))
	}

	if s.metrics != nil {
		s.metrics.Invalidations.WithLabelValues(source).Inc()
	}

	if !affected || s.Catalog().Page == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.load(context.Background(), active, true); err != nil {
			s.logger.Warn("Background catalog refresh failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background refreshes and acknowledgements have finished.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

func (s *SyncService) load(ctx context.Context, filter models.CatalogFilter, force bool) error {
	fp := s.cache.Fingerprint(filter)

	if !force {
		if entry, ok := s.cache.Get(filter); ok {
			s.apply(fp, 0, entry.Page, nil)
			return nil
		}
	}

	s.mu.Lock()
	if s.cache.Fingerprint(s.filter) == fp {
		s.publishLocked(func(snap *CatalogSnapshot) {
			snap.Loading = true
			snap.Err = nil
		})
	}
	s.mu.Unlock()

	// The load outlives an impatient caller so the visible page still settles.
	ctx = context.WithoutCancel(ctx)

	var res *catalog.Result
	var err error
	if force {
		res, err = s.coordinator.Refresh(ctx, filter, s.loadGames)
	} else {
		res, err = s.coordinator.Request(ctx, filter, s.loadGames)
	}
	if err != nil {
		fe := catalog.AsFetchError(fp, err)
		s.apply(fp, 0, nil, fe)
		return fe
	}
	if res.Stale {
		return nil
	}

	s.apply(fp, res.Generation, res.Page, nil)
	return nil
}

func (s *SyncService) loadGames(ctx context.Context, filter models.CatalogFilter) (*models.GamePage, error) {
	return s.backend.FetchGames(ctx, filter, s.currentCredential())
}

// apply publishes a result if fp is still the active fingerprint and, for fetched results,
// gen is still current. Anything else is a superseded response and is dropped.
func (s *SyncService) apply(fp string, gen uint64, page *models.GamePage, fe *catalog.FetchError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache.Fingerprint(s.filter) != fp {
		s.logger.Debug("Dropping catalog result for inactive filter", zap.String("fingerprint", fp))
		return
	}
	if gen != 0 && s.coordinator.Generation(fp) != gen {
		s.logger.Debug("Dropping superseded catalog result",
			zap.String("fingerprint", fp),
			zap.Uint64("generation", gen))
		return
	}

	s.publishLocked(func(snap *CatalogSnapshot) {
		snap.Loading = false
		snap.Err = fe
		if fe == nil {
			snap.Page = page
			snap.pageFingerprint = fp
		} else if snap.pageFingerprint != fp {
			snap.Page = nil
			snap.pageFingerprint = ""
		}
	})
}

// publishLocked copies the current snapshot, applies mutate and stores the copy.
func (s *SyncService) publishLocked(mutate func(snap *CatalogSnapshot)) {
	next := *s.snapshot.Load()
	next.Filter = s.filter
	next.Fingerprint = s.cache.Fingerprint(s.filter)
	mutate(&next)

	s.version++
	next.Version = s.version
	next.ActiveGameType = activeGameType(next.Filter, next.Page)
	s.snapshot.Store(&next)
}

func (s *SyncService) activeFilter() models.CatalogFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *SyncService) currentCredential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// activeGameType is the single selected type, else the one type every visible game shares.
func activeGameType(filter models.CatalogFilter, page *models.GamePage) string {
	if len(filter.Types) == 1 {
		return filter.Types[0]
	}
	if page == nil || len(page.Games) == 0 {
		return ""
	}

	common := make(map[string]struct{}, len(page.Games[0].Types))
	for _, t := range page.Games[0].Types {
		common[t] = struct{}{}
	}
	for _, game := range page.Games[1:] {
		seen := make(map[string]struct{}, len(game.Types))
		for _, t := range game.Types {
			seen[t] = struct{}{}
		}
		for t := range common {
			if _, ok := seen[t]; !ok {
				delete(common, t)
			}
		}
	}

	if len(common) != 1 {
		return ""
	}
	for t := range common {
		return t
	}
	return ""
}
