package localsignal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/yanqian/playgrounded/internal/domain/crowd"
	"github.com/yanqian/playgrounded/pkg/util"
)

const persistTimeout = 2 * time.Second

// KV persists the serialized signal map of one park.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ExpiryHook is invoked after a timer removed an entry.
type ExpiryHook func(parkID string, category crowd.Category)

// Options configure a Store.
type Options struct {
	// KeyTTL bounds how long the backend keeps a park's map. Zero keeps it forever.
	KeyTTL time.Duration
	Clock  util.Clock
	Logger *slog.Logger
}

// Store keeps this session's own reports per park, each with an absolute expiry.
// Every live entry has exactly one pending expiry timer while its park is held.
type Store struct {
	kv        KV
	namespace string
	keyTTL    time.Duration
	clock     util.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	signals  map[string]crowd.LocalSignal
	timers   map[string]map[crowd.Category]util.Timer
	unsynced map[string]bool
	onExpire ExpiryHook
	closed   bool
}

// Namespace builds the key namespace for one session.
func Namespace(prefix, sessionID string) string {
	if prefix == "" {
		return sessionID
	}
	return prefix + "::" + sessionID
}

// NewStore constructs a Store writing under namespace.
func NewStore(kv KV, namespace string, opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = util.SystemClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:        kv,
		namespace: namespace,
		keyTTL:    opts.KeyTTL,
		clock:     clock,
		logger:    logger.With("component", "localsignal.store"),
		signals:   make(map[string]crowd.LocalSignal),
		timers:    make(map[string]map[crowd.Category]util.Timer),
		unsynced:  make(map[string]bool),
	}
}

// OnExpire registers the hook called when an entry times out.
func (s *Store) OnExpire(hook ExpiryHook) {
	s.mu.Lock()
	s.onExpire = hook
	s.mu.Unlock()
}

// Key returns the persistence key for parkID.
func (s *Store) Key(parkID string) string {
	return s.namespace + "::" + parkID
}

// Load reads the park's map, drops expired entries, writes the cleaned map back
// and arms one expiry timer per surviving entry. While the last write of the
// park failed, the in-memory map is authoritative over the backend copy.
func (s *Store) Load(ctx context.Context, parkID string) crowd.LocalSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return crowd.LocalSignal{}
	}

	loaded, ok := s.readLocked(ctx, parkID)
	if !ok || s.unsynced[parkID] {
		loaded = s.signals[parkID]
	}
	cleaned := loaded.Prune(s.clock.Now())
	s.signals[parkID] = cleaned
	s.persistLocked(ctx, parkID)

	s.stopParkTimersLocked(parkID)
	for cat, exp := range cleaned {
		s.armLocked(parkID, cat, exp)
	}
	return cleaned.Clone()
}

// Set records a report for category expiring at expiresAt, replacing any previous one.
func (s *Store) Set(ctx context.Context, parkID string, category crowd.Category, expiresAt time.Time) {
	if !category.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	signals := s.parkLocked(parkID)
	signals[category] = expiresAt
	s.persistLocked(ctx, parkID)
	s.armLocked(parkID, category, expiresAt)
}

// Remove deletes the entry for category. It reports whether one existed.
func (s *Store) Remove(ctx context.Context, parkID string, category crowd.Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, parkID, category)
}

// Active reports whether category has a live entry for parkID.
func (s *Store) Active(parkID string, category crowd.Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[parkID].Active(category, s.clock.Now())
}

// Signals returns a pruned copy of the park's entries.
func (s *Store) Signals(parkID string) crowd.LocalSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals[parkID].Prune(s.clock.Now())
}

// Release cancels the expiry timers of one park. Entries stay persisted and
// are re-armed by the next Load.
func (s *Store) Release(parkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopParkTimersLocked(parkID)
}

// PendingTimers counts armed expiry timers for parkID.
func (s *Store) PendingTimers(parkID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers[parkID])
}

// Close cancels every timer. Subsequent calls are no-ops.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for parkID := range s.timers {
		s.stopParkTimersLocked(parkID)
	}
}

// Purge closes the store and deletes every park map it has touched.
func (s *Store) Purge(ctx context.Context) {
	s.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for parkID := range s.signals {
		if s.kv != nil {
			if err := s.kv.Delete(ctx, s.Key(parkID)); err != nil {
				s.logger.Warn("signal purge failed", "parkId", parkID, "error", err)
			}
		}
		delete(s.signals, parkID)
		delete(s.unsynced, parkID)
	}
}

func (s *Store) parkLocked(parkID string) crowd.LocalSignal {
	signals, ok := s.signals[parkID]
	if !ok || signals == nil {
		signals = make(crowd.LocalSignal)
		s.signals[parkID] = signals
	}
	return signals
}

func (s *Store) removeLocked(ctx context.Context, parkID string, category crowd.Category) bool {
	s.stopTimerLocked(parkID, category)
	signals := s.signals[parkID]
	if _, ok := signals[category]; !ok {
		return false
	}
	delete(signals, category)
	s.persistLocked(ctx, parkID)
	return true
}

func (s *Store) armLocked(parkID string, category crowd.Category, expiresAt time.Time) {
	s.stopTimerLocked(parkID, category)
	delay := expiresAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	timers, ok := s.timers[parkID]
	if !ok {
		timers = make(map[crowd.Category]util.Timer)
		s.timers[parkID] = timers
	}
	var timer util.Timer
	timer = s.clock.AfterFunc(delay, func() {
		s.expire(parkID, category, expiresAt, &timer)
	})
	timers[category] = timer
}

// expire dereferences timer only under s.mu; armLocked assigns it while holding the lock.
func (s *Store) expire(parkID string, category crowd.Category, expiresAt time.Time, timer *util.Timer) {
	s.mu.Lock()
	if s.closed || s.timers[parkID][category] != *timer {
		s.mu.Unlock()
		return
	}
	delete(s.timers[parkID], category)
	if exp, ok := s.signals[parkID][category]; !ok || !exp.Equal(expiresAt) {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	s.removeLocked(ctx, parkID, category)
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		hook(parkID, category)
	}
}

func (s *Store) stopTimerLocked(parkID string, category crowd.Category) {
	timers := s.timers[parkID]
	if timer, ok := timers[category]; ok {
		timer.Stop()
		delete(timers, category)
	}
}

func (s *Store) stopParkTimersLocked(parkID string) {
	for _, timer := range s.timers[parkID] {
		timer.Stop()
	}
	delete(s.timers, parkID)
}

func (s *Store) readLocked(ctx context.Context, parkID string) (crowd.LocalSignal, bool) {
	if s.kv == nil {
		return nil, false
	}
	raw, found, err := s.kv.Get(ctx, s.Key(parkID))
	if err != nil {
		s.logger.Warn("signal load failed", "parkId", parkID, "error", err)
		return nil, false
	}
	if !found || raw == "" {
		return crowd.LocalSignal{}, true
	}
	var signals crowd.LocalSignal
	if err := json.Unmarshal([]byte(raw), &signals); err != nil {
		s.logger.Warn("discarding corrupt signal map", "parkId", parkID, "error", err)
		return crowd.LocalSignal{}, true
	}
	return signals, true
}

func (s *Store) persistLocked(ctx context.Context, parkID string) {
	if s.kv == nil {
		return
	}
	payload, err := json.Marshal(s.signals[parkID])
	if err != nil {
		s.logger.Warn("signal encode failed", "parkId", parkID, "error", err)
		return
	}
	if err := s.kv.Set(ctx, s.Key(parkID), string(payload), s.keyTTL); err != nil {
		s.logger.Warn("signal persist failed", "parkId", parkID, "error", err)
		s.unsynced[parkID] = true
		return
	}
	delete(s.unsynced, parkID)
}
