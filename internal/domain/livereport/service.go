package livereport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yanqian/playgrounded/internal/domain/crowd"
	"github.com/yanqian/playgrounded/internal/domain/localsignal"
	apperrors "github.com/yanqian/playgrounded/pkg/errors"
	"github.com/yanqian/playgrounded/pkg/metrics"
	"github.com/yanqian/playgrounded/pkg/util"
)

// Service runs the live reporting workflow for every anonymous session.
type Service interface {
	Open(ctx context.Context, sessionID, parkID string) (View, error)
	View(ctx context.Context, sessionID, parkID string) (View, error)
	Tap(ctx context.Context, sessionID, parkID string, category crowd.Category) (Outcome, error)
	Watch(ctx context.Context, sessionID, parkID string) (<-chan View, error)
	Leave(sessionID, parkID string)
	EndSession(ctx context.Context, sessionID string)
	Sweep() int
	Close()
}

type session struct {
	id       string
	store    *localsignal.Store
	boards   map[string]*board
	lastSeen time.Time
}

type service struct {
	cfg      Config
	feed     Feed
	kv       localsignal.KV
	clock    util.Clock
	logger   *slog.Logger
	counters *metrics.Counters

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewService wires the workflow.
func NewService(cfg Config, feed Feed, kv localsignal.KV, clock util.Clock, logger *slog.Logger, counters *metrics.Counters) Service {
	if clock == nil {
		clock = util.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		cfg:      cfg.withDefaults(),
		feed:     feed,
		kv:       kv,
		clock:    clock,
		logger:   logger.With("component", "livereport.service"),
		counters: counters,
		sessions: make(map[string]*session),
	}
}

// Open attaches the session to parkID, loading its own reports and subscribing
// to the shared feed. Opening an already open park returns its current view.
func (s *service) Open(ctx context.Context, sessionID, parkID string) (View, error) {
	b, err := s.board(ctx, sessionID, parkID)
	if err != nil {
		return View{}, err
	}
	return b.view(), nil
}

func (s *service) View(_ context.Context, sessionID, parkID string) (View, error) {
	b, err := s.lookup(sessionID, parkID)
	if err != nil {
		return View{}, err
	}
	return b.view(), nil
}

func (s *service) Tap(ctx context.Context, sessionID, parkID string, category crowd.Category) (Outcome, error) {
	if !category.Valid() {
		return Outcome{}, apperrors.Wrap(apperrors.CodeInvalidInput, fmt.Sprintf("unknown category %q", category), nil)
	}
	if crowd.NormalizeID(parkID) == "" {
		return Outcome{}, apperrors.Wrap(apperrors.CodeNotConfigured, SubmitErrorMessage, nil)
	}
	b, err := s.board(ctx, sessionID, parkID)
	if err != nil {
		return Outcome{}, err
	}
	// A dropped caller must not abandon a report mid-flight.
	return b.tap(context.WithoutCancel(ctx), category)
}

// Watch streams views of an open park until ctx ends or the view is left.
func (s *service) Watch(ctx context.Context, sessionID, parkID string) (<-chan View, error) {
	b, err := s.board(ctx, sessionID, parkID)
	if err != nil {
		return nil, err
	}
	ch, ok := b.watch()
	if !ok {
		return nil, apperrors.Wrap(apperrors.CodeViewClosed, "live view is closed", nil)
	}
	go func() {
		<-ctx.Done()
		b.unwatch(ch)
	}()
	return ch, nil
}

// Leave cancels every timer of the park's view.
func (s *service) Leave(sessionID, parkID string) {
	parkID = crowd.NormalizeID(parkID)
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	var b *board
	if ok {
		b = sess.boards[parkID]
		delete(sess.boards, parkID)
		sess.lastSeen = s.clock.Now()
	}
	s.mu.Unlock()
	if b != nil {
		b.close()
	}
}

// EndSession closes every view and deletes the session's stored reports.
func (s *service) EndSession(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.shutdown(sess)
	sess.store.Purge(ctx)
}

// Sweep evicts sessions idle for longer than SessionIdleTTL and returns how
// many were dropped. Stored reports are left to the backend's key TTL.
func (s *service) Sweep() int {
	cutoff := s.clock.Now().Add(-s.cfg.SessionIdleTTL)
	s.mu.Lock()
	var idle []*session
	for id, sess := range s.sessions {
		if !sess.lastSeen.Before(cutoff) || sess.watched() {
			continue
		}
		idle = append(idle, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range idle {
		s.shutdown(sess)
		sess.store.Close()
	}
	if len(idle) > 0 {
		s.logger.Info("evicted idle sessions", "count", len(idle))
	}
	return len(idle)
}

func (s *service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.shutdown(sess)
		sess.store.Close()
	}
}

func (s *service) shutdown(sess *session) {
	for _, b := range sess.boards {
		b.close()
	}
}

func (s *service) board(ctx context.Context, sessionID, parkID string) (*board, error) {
	parkID = crowd.NormalizeID(parkID)
	if sessionID == "" {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "session is required", nil)
	}
	if parkID == "" {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "park id is required", nil)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.CodeViewClosed, "live reporting is shutting down", nil)
	}
	sess := s.sessionLocked(sessionID)
	sess.lastSeen = s.clock.Now()
	if b, ok := sess.boards[parkID]; ok {
		s.mu.Unlock()
		<-b.ready
		return b, nil
	}
	b := newBoard(parkID, s.cfg, s.feed, sess.store, s.clock, s.logger.With("sessionId", sessionID), s.counters)
	sess.boards[parkID] = b
	s.mu.Unlock()

	b.start(ctx)
	return b, nil
}

func (s *service) lookup(sessionID, parkID string) (*board, error) {
	parkID = crowd.NormalizeID(parkID)
	s.mu.Lock()
	var b *board
	if sess, ok := s.sessions[sessionID]; ok {
		b = sess.boards[parkID]
		if b != nil {
			sess.lastSeen = s.clock.Now()
		}
	}
	s.mu.Unlock()
	if b == nil {
		return nil, apperrors.Wrap(apperrors.CodeViewClosed, "live view is not open", nil)
	}
	<-b.ready
	return b, nil
}

func (s *service) sessionLocked(sessionID string) *session {
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	store := localsignal.NewStore(s.kv, localsignal.Namespace(s.cfg.StoragePrefix, sessionID), localsignal.Options{
		KeyTTL: s.cfg.SessionIdleTTL,
		Clock:  s.clock,
		Logger: s.logger,
	})
	sess := &session{
		id:     sessionID,
		store:  store,
		boards: make(map[string]*board),
	}
	store.OnExpire(func(parkID string, category crowd.Category) {
		s.mu.Lock()
		b := sess.boards[parkID]
		s.mu.Unlock()
		if b != nil {
			b.onSignalExpired(category)
		}
	})
	s.sessions[sessionID] = sess
	return sess
}

func (sess *session) watched() bool {
	for _, b := range sess.boards {
		if b.watched() {
			return true
		}
	}
	return false
}
