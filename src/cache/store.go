package cache

import (
	"context"
	"errors"
	"fmt"
	"gatekeeper/src/config"
	"gatekeeper/src/lib"
	"gatekeeper/src/models"
	"gatekeeper/src/models/scopes"
	"gatekeeper/src/types"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

var (
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrNotCached          = errors.New("token is not cached")
	ErrNoSource           = errors.New("no snapshot source configured")
	ErrRefreshInFlight    = errors.New("snapshot refresh already in flight")
)

// SnapshotSource returns the full admissible token set of an event.
type SnapshotSource interface {
	Snapshot(ctx context.Context, eventID uint) (*types.SnapshotResponse, error)
}

// Mark describes a local scan applied to a cached token.
type Mark struct {
	DeviceID  string
	StaffID   string
	ScannedAt time.Time
}

// Undo holds the cached rows as they were before MarkScannedLocally.
type Undo []models.CachedToken

type snapshot struct {
	meta   models.CacheMeta
	tokens map[string]*models.CachedToken
}

func (s *snapshot) scannedCount() uint {
	var n uint
	for _, t := range s.tokens {
		if t.Status == types.TOKEN_SCANNED {
			n++
		}
	}
	return n
}

// Store is the device-local, per-event snapshot of admissible tokens. Reads
// are served from memory; every mutation is persisted to the local database
// before it is considered done.
type Store struct {
	db     *gorm.DB
	source SnapshotSource
	clock  clockwork.Clock

	refreshMu sync.Mutex

	mu       sync.RWMutex
	events   map[uint]*snapshot
	byToken  map[string]uint
	byID     map[uint]string
	failedAt map[uint]time.Time
}

func NewStore(db *gorm.DB, source SnapshotSource, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		db:       db,
		source:   source,
		clock:    clock,
		events:   map[uint]*snapshot{},
		byToken:  map[string]uint{},
		byID:     map[uint]string{},
		failedAt: map[uint]time.Time{},
	}
}

// Load rehydrates memory from the local database so a restarted device can
// keep deciding offline.
func (s *Store) Load() error {
	var metas []models.CacheMeta
	if err := s.db.Find(&metas).Error; err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err.Error())
	}
	var rows []models.CachedToken
	if err := s.db.Find(&rows).Error; err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range metas {
		s.events[m.EventID] = &snapshot{meta: m, tokens: map[string]*models.CachedToken{}}
	}
	for i := range rows {
		row := rows[i]
		snap, ok := s.events[row.EventID]
		if !ok {
			continue
		}
		snap.tokens[row.Token] = &row
		s.byToken[row.Token] = row.EventID
		s.byID[row.TokenID] = row.Token
	}
	log.Printf("[cache] Loaded %d events, %d tokens\n", len(metas), len(s.byToken))
	return nil
}

// Refresh replaces the snapshot of eventID wholesale. The network fetch runs
// without holding the snapshot lock; on failure the previous snapshot is
// untouched. A refresh that finds another one running returns
// ErrRefreshInFlight at once instead of waiting for it.
func (s *Store) Refresh(ctx context.Context, eventID uint) error {
	if s.source == nil {
		return ErrNoSource
	}
	if !s.refreshMu.TryLock() {
		return ErrRefreshInFlight
	}
	defer s.refreshMu.Unlock()

	res, err := s.source.Snapshot(ctx, eventID)
	if err != nil {
		s.mu.Lock()
		s.failedAt[eventID] = s.clock.Now()
		s.mu.Unlock()
		lib.CacheRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("refresh event %d: %w", eventID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.events[eventID]
	next := &snapshot{tokens: make(map[string]*models.CachedToken, len(res.Tokens))}
	rows := make([]models.CachedToken, 0, len(res.Tokens))
	for _, info := range res.Tokens {
		row := models.CachedTokenFromInfo(info)
		row.EventID = eventID
		if prev != nil {
			if old, ok := prev.tokens[row.Token]; ok {
				keepLocalScan(&row, old)
			}
		}
		rows = append(rows, row)
	}
	for i := range rows {
		next.tokens[rows[i].Token] = &rows[i]
	}
	next.meta = models.CacheMeta{
		EventID:      eventID,
		LastSyncAt:   s.clock.Now(),
		TicketCount:  uint(len(rows)),
		ScannedCount: next.scannedCount(),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(scopes.ForEvent(eventID)).Delete(&models.CachedToken{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return err
			}
		}
		return tx.Save(&next.meta).Error
	})
	if err != nil {
		lib.CacheRefreshTotal.WithLabelValues("error").Inc()
		log.Printf("[cache] Error persisting snapshot for event %d: %s\n", eventID, err.Error())
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err.Error())
	}

	if prev != nil {
		for token, t := range prev.tokens {
			delete(s.byToken, token)
			delete(s.byID, t.TokenID)
		}
	}
	for token, t := range next.tokens {
		s.byToken[token] = eventID
		s.byID[t.TokenID] = token
	}
	s.events[eventID] = next
	delete(s.failedAt, eventID)
	lib.CacheRefreshTotal.WithLabelValues("ok").Inc()
	log.Printf("[cache] Event %d refreshed: %d tokens, %d scanned\n", eventID, next.meta.TicketCount, next.meta.ScannedCount)
	return nil
}

// keepLocalScan carries a local scan the coordinator has not heard of yet
// into the incoming row. A scanned token never becomes valid again.
func keepLocalScan(row *models.CachedToken, old *models.CachedToken) {
	if old.Status == types.TOKEN_SCANNED && row.Status == types.TOKEN_VALID {
		row.Status = types.TOKEN_SCANNED
		row.ScannedAt = old.ScannedAt
		row.ScannedByDevice = old.ScannedByDevice
		row.ScannedBy = old.ScannedBy
	}
	if old.CheckedInGuests > row.CheckedInGuests && old.CheckedInGuests <= row.GuestCount {
		row.CheckedInGuests = old.CheckedInGuests
	}
}

// Lookup resolves a token string or a numeric token id across every cached
// event. The returned row is a copy.
func (s *Store) Lookup(identifier string) (*models.CachedToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token := identifier
	eventID, ok := s.byToken[token]
	if !ok {
		id, err := strconv.ParseUint(identifier, 10, 64)
		if err != nil {
			return nil, false
		}
		if token, ok = s.byID[uint(id)]; !ok {
			return nil, false
		}
		eventID = s.byToken[token]
	}
	snap, ok := s.events[eventID]
	if !ok {
		return nil, false
	}
	t, ok := snap.tokens[token]
	if !ok {
		return nil, false
	}
	row := *t
	return &row, true
}

// MarkScannedLocally records a local admission so a second offline scan of
// the same token is rejected straight away. A first entry on a VIP pass also
// counts a guest against its reservation, never beyond the guest count.
func (s *Store) MarkScannedLocally(token string, m Mark) (*models.CachedToken, Undo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID, ok := s.byToken[token]
	if !ok {
		return nil, nil, ErrNotCached
	}
	snap := s.events[eventID]
	entry := snap.tokens[token]

	undo := Undo{*entry}
	changed := []*models.CachedToken{entry}
	prevMeta := snap.meta
	first := entry.Status == types.TOKEN_VALID

	at := m.ScannedAt
	entry.Status = types.TOKEN_SCANNED
	entry.ScannedAt = &at
	entry.ScannedByDevice = m.DeviceID
	entry.ScannedBy = m.StaffID
	if first {
		snap.meta.ScannedCount++
	}
	if first && entry.ReservationID != nil && entry.CheckedInGuests < entry.GuestCount {
		n := entry.CheckedInGuests + 1
		for _, t := range snap.tokens {
			if t.ReservationID == nil || *t.ReservationID != *entry.ReservationID {
				continue
			}
			if t != entry {
				undo = append(undo, *t)
				changed = append(changed, t)
			}
			t.CheckedInGuests = n
		}
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, t := range changed {
			if err := tx.Save(t).Error; err != nil {
				return err
			}
		}
		return tx.Save(&snap.meta).Error
	})
	if err != nil {
		s.apply(snap, undo)
		snap.meta = prevMeta
		log.Printf("[cache] Error marking %s scanned: %s\n", token, err.Error())
		return nil, nil, fmt.Errorf("%w: %s", ErrStorageUnavailable, err.Error())
	}
	row := *entry
	return &row, undo, nil
}

// Observe applies the coordinator's view of a token after an online
// decision, so an outage right after it cannot admit the token again. Scan
// state only moves forward: a scanned row never becomes valid and guest
// counts never go down.
func (s *Store) Observe(info types.TokenInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventID, ok := s.byToken[info.Token]
	if !ok {
		return ErrNotCached
	}
	snap := s.events[eventID]
	entry := snap.tokens[info.Token]

	undo := Undo{*entry}
	changed := []*models.CachedToken{entry}
	prevMeta := snap.meta

	if info.Status == types.TOKEN_SCANNED {
		if entry.Status != types.TOKEN_SCANNED {
			snap.meta.ScannedCount++
		}
		entry.Status = types.TOKEN_SCANNED
		if info.ScannedAt != nil {
			at := *info.ScannedAt
			entry.ScannedAt = &at
			entry.ScannedByDevice = info.ScannedByDevice
			entry.ScannedBy = info.ScannedBy
		}
	}
	if entry.ReservationID != nil && info.CheckedInGuests > entry.CheckedInGuests {
		limit := entry.GuestCount
		if info.GuestCount > 0 {
			limit = info.GuestCount
		}
		n := min(info.CheckedInGuests, limit)
		for _, t := range snap.tokens {
			if t.ReservationID == nil || *t.ReservationID != *entry.ReservationID {
				continue
			}
			if t != entry {
				undo = append(undo, *t)
				changed = append(changed, t)
			}
			t.CheckedInGuests = n
		}
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, t := range changed {
			if err := tx.Save(t).Error; err != nil {
				return err
			}
		}
		return tx.Save(&snap.meta).Error
	})
	if err != nil {
		s.apply(snap, undo)
		snap.meta = prevMeta
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err.Error())
	}
	return nil
}

// Restore reverts a MarkScannedLocally whose scan could not be queued.
func (s *Store) Restore(undo Undo) error {
	if len(undo) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.events[undo[0].EventID]
	if !ok {
		return ErrNotCached
	}
	s.apply(snap, undo)
	snap.meta.ScannedCount = snap.scannedCount()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i := range undo {
			if err := tx.Save(&undo[i]).Error; err != nil {
				return err
			}
		}
		return tx.Save(&snap.meta).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err.Error())
	}
	return nil
}

func (s *Store) apply(snap *snapshot, undo Undo) {
	for _, prev := range undo {
		if t, ok := snap.tokens[prev.Token]; ok {
			*t = prev
		}
	}
}

// IsFresh reports whether eventID was refreshed within the freshness window.
func (s *Store) IsFresh(eventID uint) bool {
	age, ok := s.Age(eventID)
	return ok && age < config.CACHE_FRESHNESS_WINDOW
}

// Age is the time since the last successful refresh of eventID.
func (s *Store) Age(eventID uint) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.events[eventID]
	if !ok {
		return 0, false
	}
	return s.clock.Since(snap.meta.LastSyncAt), true
}

// RefreshDue reports whether a stale snapshot should be refreshed now. After
// a failed attempt, refreshes are held back for a short interval so an
// offline device does not pay the network timeout on every scan.
func (s *Store) RefreshDue(eventID uint) bool {
	if s.IsFresh(eventID) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	failed, ok := s.failedAt[eventID]
	return !ok || s.clock.Since(failed) >= config.REFRESH_RETRY_INTERVAL
}

func (s *Store) Meta(eventID uint) (models.CacheMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.events[eventID]
	if !ok {
		return models.CacheMeta{}, false
	}
	return snap.meta, true
}

// EvictExpired drops every event whose snapshot is past the retention window.
func (s *Store) EvictExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for eventID, snap := range s.events {
		if s.clock.Since(snap.meta.LastSyncAt) <= config.CACHE_RETENTION {
			continue
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Scopes(scopes.ForEvent(eventID)).Delete(&models.CachedToken{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.CacheMeta{}, eventID).Error
		})
		if err != nil {
			log.Printf("[cache] Error evicting event %d: %s\n", eventID, err.Error())
			return evicted, fmt.Errorf("%w: %s", ErrStorageUnavailable, err.Error())
		}
		for token, t := range snap.tokens {
			delete(s.byToken, token)
			delete(s.byID, t.TokenID)
		}
		delete(s.events, eventID)
		delete(s.failedAt, eventID)
		evicted++
	}
	if evicted > 0 {
		log.Printf("[cache] Evicted %d expired events\n", evicted)
	}
	return evicted, nil
}
