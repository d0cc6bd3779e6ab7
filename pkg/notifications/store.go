package notifications

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/anatoly-dev/lobby-sync/pkg/metrics"
	"github.com/anatoly-dev/lobby-sync/pkg/models"
	"go.uber.org/zap"
)

// Snapshot is an immutable view of the store. A new Snapshot is built on every change.
type Snapshot struct {
	Version uint64                `json:"version"`
	Items   []models.Notification `json:"items"`
	Unread  int                   `json:"unread"`
}

// Store is an ordered, deduplicated set of notification records keyed by canonical id.
// Items are kept in descending CreatedAt order, ties broken by id.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]models.Notification
	ordered  []models.Notification
	unread   int
	version  uint64
	snapshot *Snapshot
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.NotificationMetrics
}

func NewStore(logger *zap.Logger) *Store {
	s := &Store{
		byID:   make(map[string]models.Notification),
		now:    time.Now,
		logger: logger,
	}
	s.snapshot = &Snapshot{Items: []models.Notification{}}
	return s
}

func (s *Store) SetMetrics(metrics *metrics.NotificationMetrics) {
	s.metrics = metrics
}

// Ingest normalizes a live push event and upserts it. Malformed events are dropped with
// a warning; the return value reports whether the store changed.
func (s *Store) Ingest(event string, data json.RawMessage) bool {
	fields, err := decodeFields(data)
	if err != nil {
		s.drop(event, err)
		return false
	}
	return s.ingest(models.NotificationType(event), fields)
}

// IngestRecord upserts a backfilled record. The type is read from the record itself.
func (s *Store) IngestRecord(record map[string]interface{}) bool {
	t, _ := record["type"].(string)
	return s.ingest(models.NotificationType(t), record)
}

func (s *Store) ingest(t models.NotificationType, fields map[string]interface{}) bool {
	n, err := normalize(t, fields, s.now())
	if err != nil {
		s.drop(string(t), err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.byID[n.ID]
	if exists {
		// Re-delivery of an identical record keeps the local read flag.
		if sameContent(old, n) && (old.Read || !n.Read) {
			if s.metrics != nil {
				s.metrics.Duplicates.Inc()
			}
			s.logger.Debug("Duplicate notification absorbed",
				zap.String("id", n.ID),
				zap.String("type", string(n.Type)))
			return false
		}
		s.removeLocked(old)
		if s.metrics != nil {
			s.metrics.Replaced.Inc()
		}
	}

	s.insertLocked(n)
	s.publishLocked()

	if s.metrics != nil {
		s.metrics.Ingested.WithLabelValues(string(n.Type)).Inc()
	}

	s.logger.Debug("Notification stored",
		zap.String("id", n.ID),
		zap.String("type", string(n.Type)),
		zap.Bool("replaced", exists))

	return true
}

func (s *Store) drop(event string, err error) {
	if s.metrics != nil {
		s.metrics.Dropped.WithLabelValues(dropReason(err)).Inc()
	}
	s.logger.Warn("Dropping malformed notification event",
		zap.String("event", event),
		zap.Error(err))
}

// MarkRead marks one record as read. Unknown ids and already-read records are no-ops.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok || n.Read {
		return false
	}

	s.removeLocked(n)
	n.Read = true
	s.insertLocked(n)
	s.publishLocked()
	return true
}

// MarkAllRead marks every record as read and returns how many changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unread == 0 {
		return 0
	}

	changed := 0
	ordered := make([]models.Notification, len(s.ordered))
	for i, n := range s.ordered {
		if !n.Read {
			n.Read = true
			s.byID[n.ID] = n
			changed++
		}
		ordered[i] = n
	}
	s.ordered = ordered
	s.unread = 0
	s.publishLocked()
	return changed
}

// UnreadIDs lists unread record ids in display order.
func (s *Store) UnreadIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, s.unread)
	for _, n := range s.ordered {
		if !n.Read {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}

func (s *Store) Get(id string) (models.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	return n, ok
}

// Snapshot returns the current immutable view. The same pointer is returned until the next change.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Clear empties the store. Used on logout.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ordered) == 0 {
		return
	}
	s.byID = make(map[string]models.Notification)
	s.ordered = nil
	s.unread = 0
	s.publishLocked()
}

func less(a, b models.Notification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) position(n models.Notification) int {
	return sort.Search(len(s.ordered), func(i int) bool {
		return !less(s.ordered[i], n)
	})
}

// insertLocked and removeLocked copy the slice so that published snapshots never alias it.
func (s *Store) insertLocked(n models.Notification) {
	i := s.position(n)
	ordered := make([]models.Notification, 0, len(s.ordered)+1)
	ordered = append(ordered, s.ordered[:i]...)
	ordered = append(ordered, n)
	ordered = append(ordered, s.ordered[i:]...)
	s.ordered = ordered
	s.byID[n.ID] = n
	if !n.Read {
		s.unread++
	}
}

func (s *Store) removeLocked(n models.Notification) {
	i := s.position(n)
	if i >= len(s.ordered) || s.ordered[i].ID != n.ID {
		return
	}
	ordered := make([]models.Notification, 0, len(s.ordered)-1)
	ordered = append(ordered, s.ordered[:i]...)
	ordered = append(ordered, s.ordered[i+1:]...)
	s.ordered = ordered
	delete(s.byID, n.ID)
	if !n.Read {
		s.unread--
	}
}

func (s *Store) publishLocked() {
	s.version++
	items := s.ordered
	if items == nil {
		items = []models.Notification{}
	}
	s.snapshot = &Snapshot{
		Version: s.version,
		Items:   items,
		Unread:  s.unread,
	}

	if s.metrics != nil {
		s.metrics.Records.Set(float64(len(s.ordered)))
		s.metrics.Unread.Set(float64(s.unread))
	}
}
