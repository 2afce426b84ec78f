package livereport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/playgrounded/internal/domain/crowd"
	apperrors "github.com/yanqian/playgrounded/pkg/errors"
	"github.com/yanqian/playgrounded/pkg/metrics"
	"github.com/yanqian/playgrounded/pkg/util"
)

type stubFeed struct {
	mu         sync.Mutex
	configured bool
	submitErr  error
	onSubmit   func(parkID string, category crowd.Category)
	submits    []crowd.Category
	state      crowd.ParkState
	listeners  map[int]crowd.Listener
	nextID     int
}

func newStubFeed() *stubFeed {
	return &stubFeed{configured: true, listeners: make(map[int]crowd.Listener)}
}

func (f *stubFeed) Configured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

func (f *stubFeed) Subscribe(parkID string, listener crowd.Listener) crowd.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.listeners[f.nextID] = listener
	return &stubSub{feed: f, id: f.nextID}
}

func (f *stubFeed) Submit(_ context.Context, parkID string, category crowd.Category) error {
	f.mu.Lock()
	f.submits = append(f.submits, category)
	hook := f.onSubmit
	err := f.submitErr
	f.mu.Unlock()
	if hook != nil {
		hook(parkID, category)
	}
	return err
}

func (f *stubFeed) setServer(parkID string, counts map[crowd.Category]int) {
	snapshot := crowd.NewCounts()
	for cat, v := range counts {
		snapshot[cat] = v
	}
	record := crowd.CrowdRecord{ID: parkID, Counts: snapshot}
	payload := &crowd.Payload{Records: []crowd.CrowdRecord{record}}

	f.mu.Lock()
	f.state = crowd.ParkState{Status: crowd.FeedReady, Counts: snapshot.Clone(), Record: &record}
	listeners := make([]crowd.Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l(crowd.Event{Type: crowd.EventData, Payload: payload})
	}
}

func (f *stubFeed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

type stubSub struct {
	feed *stubFeed
	id   int
}

func (s *stubSub) State() crowd.ParkState {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	state := s.feed.state
	state.Counts = state.Counts.Clone()
	return state
}

func (s *stubSub) Close() {
	s.feed.mu.Lock()
	delete(s.feed.listeners, s.id)
	s.feed.mu.Unlock()
}

type mapKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapKV() *mapKV { return &mapKV{data: make(map[string]string)} }

func (m *mapKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	svc      Service
	feed     *stubFeed
	kv       *mapKV
	clock    *util.FakeClock
	counters *metrics.Counters
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		feed:     newStubFeed(),
		kv:       newMapKV(),
		clock:    util.NewFakeClock(t0),
		counters: metrics.NewCounters(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewService(cfg, h.feed, h.kv, h.clock, logger, h.counters)
	t.Cleanup(h.svc.Close)
	return h
}

func mustButton(t *testing.T, v View, cat crowd.Category) Button {
	t.Helper()
	b, ok := v.Button(cat)
	require.True(t, ok)
	return b
}

func TestConcernsScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	view, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)
	require.Equal(t, crowd.SummaryIdle, view.Summary.Kind)

	var during View
	h.feed.onSubmit = func(parkID string, category crowd.Category) {
		during, err = h.svc.View(ctx, "s1", "P1")
		require.NoError(t, err)
	}
	out, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryConcerns)
	require.NoError(t, err)

	require.Equal(t, 1, during.Counts[crowd.CategoryConcerns])
	require.Equal(t, crowd.SummaryHeadsUp, during.Summary.Kind)
	require.Equal(t, StateSubmitting, mustButton(t, during, crowd.CategoryConcerns).State)
	require.Equal(t, crowd.FeedLoading, during.Status)
	require.Equal(t, noteSending, during.Note)

	require.Equal(t, ActionSubmitted, out.Action)
	require.Equal(t, StateCooldown, out.State)
	require.Equal(t, 1, out.View.Counts[crowd.CategoryConcerns])
	require.Equal(t, crowd.SummaryHeadsUp, out.View.Summary.Kind)
	btn := mustButton(t, out.View, crowd.CategoryConcerns)
	require.True(t, btn.Sent)
	require.True(t, btn.Disabled)
	require.True(t, btn.LocalActive)
	require.True(t, btn.Flashing)

	h.clock.Advance(10 * time.Second)
	view, err = h.svc.View(ctx, "s1", "P1")
	require.NoError(t, err)
	btn = mustButton(t, view, crowd.CategoryConcerns)
	require.Equal(t, StateIdle, btn.State)
	require.False(t, btn.Disabled)
	require.False(t, btn.Sent)
	require.False(t, btn.Flashing)
	require.True(t, btn.LocalActive)
	require.True(t, btn.UndoHint)
	require.Equal(t, 1, view.Counts[crowd.CategoryConcerns])

	// server feed has not seen the report yet
	h.feed.setServer("P1", map[crowd.Category]int{})
	view, _ = h.svc.View(ctx, "s1", "P1")
	require.Equal(t, 1, view.Counts[crowd.CategoryConcerns])
	require.True(t, view.Banners[0].LocalOnly)

	h.clock.Advance(15*time.Minute - 10*time.Second)
	view, _ = h.svc.View(ctx, "s1", "P1")
	require.Equal(t, 0, view.Counts[crowd.CategoryConcerns])
	require.False(t, mustButton(t, view, crowd.CategoryConcerns).LocalActive)
	require.Equal(t, crowd.SummaryIdle, view.Summary.Kind)
}

func TestSignalExpiryFallsBackToServerCount(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)

	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryConcerns)
	require.NoError(t, err)
	h.feed.setServer("P1", map[crowd.Category]int{crowd.CategoryConcerns: 2})

	h.clock.Advance(15 * time.Minute)
	view, _ := h.svc.View(ctx, "s1", "P1")
	require.Equal(t, 2, view.Counts[crowd.CategoryConcerns])
	require.False(t, mustButton(t, view, crowd.CategoryConcerns).LocalActive)
	require.Equal(t, crowd.SummaryHeadsUp, view.Summary.Kind)
	require.Equal(t, 0, h.clock.Pending())
}

func TestFailedSubmitRollsBackAndErrorClears(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.feed.setServer("P1", map[crowd.Category]int{crowd.CategoryClosed: 2})
	h.feed.submitErr = errors.New("direct and relay failed")

	before, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)
	require.Equal(t, 2, before.Counts[crowd.CategoryClosed])

	out, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClosed)
	require.NoError(t, err)
	require.Equal(t, ActionRolledBack, out.Action)
	require.Equal(t, StateRolledBack, out.State)
	require.Equal(t, 2, out.View.Counts[crowd.CategoryClosed])
	require.Equal(t, SubmitErrorMessage, out.View.Error)
	require.Equal(t, crowd.FeedError, out.View.Status)
	btn := mustButton(t, out.View, crowd.CategoryClosed)
	require.Equal(t, StateIdle, btn.State)
	require.False(t, btn.Disabled)
	require.False(t, btn.Sent)
	require.False(t, btn.LocalActive)
	require.EqualValues(t, 1, h.counters.Snapshot().Rollbacks)

	h.clock.Advance(4*time.Second - time.Millisecond)
	view, _ := h.svc.View(ctx, "s1", "P1")
	require.Equal(t, SubmitErrorMessage, view.Error)

	h.clock.Advance(time.Millisecond)
	view, _ = h.svc.View(ctx, "s1", "P1")
	require.Empty(t, view.Error)
}

func TestRetryAfterRollbackCountsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.feed.setServer("P1", map[crowd.Category]int{crowd.CategoryClean: 2})
	_, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)

	h.feed.submitErr = errors.New("offline")
	out, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.NoError(t, err)
	require.Equal(t, ActionRolledBack, out.Action)

	h.feed.submitErr = nil
	out, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.NoError(t, err)
	require.Equal(t, ActionSubmitted, out.Action)
	require.Equal(t, 3, out.View.Counts[crowd.CategoryClean])
	require.Empty(t, out.View.Error)
	require.Equal(t, crowd.FeedReady, out.View.Status)
}

func TestUndoReversesSubmit(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.feed.setServer("P1", map[crowd.Category]int{crowd.CategoryCrowded: 1})
	_, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)
	_, err = h.svc.Open(ctx, "s2", "P1")
	require.NoError(t, err)

	single, err := h.svc.Tap(ctx, "s2", "P1", crowd.CategoryCrowded)
	require.NoError(t, err)

	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryCrowded)
	require.NoError(t, err)
	undone, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryCrowded)
	require.NoError(t, err)
	require.Equal(t, ActionUndone, undone.Action)
	require.Equal(t, 1, undone.View.Counts[crowd.CategoryCrowded])
	btn := mustButton(t, undone.View, crowd.CategoryCrowded)
	require.False(t, btn.LocalActive)
	require.False(t, btn.Disabled)
	require.False(t, btn.Sent)

	again, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryCrowded)
	require.NoError(t, err)
	require.Equal(t, ActionSubmitted, again.Action)
	require.Equal(t, single.View.Counts, again.View.Counts)
	require.Equal(t, mustButton(t, single.View, crowd.CategoryCrowded), mustButton(t, again.View, crowd.CategoryCrowded))
	require.Len(t, h.feed.submits, 3)
	require.EqualValues(t, 1, h.counters.Snapshot().Undos)
}

func TestUndoFloorsAtZero(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)
	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryIceCream)
	require.NoError(t, err)
	h.feed.setServer("P1", map[crowd.Category]int{})

	out, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryIceCream)
	require.NoError(t, err)
	require.Equal(t, ActionUndone, out.Action)
	require.Equal(t, 0, out.View.Counts[crowd.CategoryIceCream])
}

func TestNotConfiguredRefusesWithoutMutation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.feed.configured = false
	before, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)
	require.False(t, before.Configured)
	require.True(t, mustButton(t, before, crowd.CategoryClean).Disabled)

	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.True(t, apperrors.IsCode(err, apperrors.CodeNotConfigured))

	after, _ := h.svc.View(ctx, "s1", "P1")
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, before.Counts, after.Counts)
	require.Empty(t, h.feed.submits)
	require.Equal(t, 0, h.clock.Pending())

	_, err = h.svc.Tap(ctx, "s1", " ", crowd.CategoryClean)
	require.True(t, apperrors.IsCode(err, apperrors.CodeNotConfigured))
}

func TestTapRejectsUnknownCategory(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.svc.Tap(context.Background(), "s1", "P1", crowd.Category("sunny"))
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidInput))
}

func TestTapRefusedWhileSubmitting(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)

	var nested error
	h.feed.onSubmit = func(string, crowd.Category) {
		_, nested = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryWetGround)
	}
	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryWetGround)
	require.NoError(t, err)
	require.True(t, apperrors.IsCode(nested, apperrors.CodeCoolingDown))
	require.Len(t, h.feed.submits, 1)
}

func TestTapRefusedDuringCooldownWithoutSignal(t *testing.T) {
	h := newHarness(t, Config{SignalTTL: 5 * time.Second, Cooldown: 10 * time.Second})
	ctx := context.Background()
	_, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)

	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.NoError(t, err)
	h.clock.Advance(6 * time.Second)

	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.True(t, apperrors.IsCode(err, apperrors.CodeCoolingDown))

	h.clock.Advance(4 * time.Second)
	out, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.NoError(t, err)
	require.Equal(t, ActionSubmitted, out.Action)
}

func TestPollDuringSubmitKeepsOptimisticIncrement(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)

	var during View
	h.feed.submitErr = errors.New("timeout")
	h.feed.onSubmit = func(string, crowd.Category) {
		h.feed.setServer("P1", map[crowd.Category]int{crowd.CategoryClean: 5})
		during, _ = h.svc.View(ctx, "s1", "P1")
	}
	out, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.NoError(t, err)
	require.Equal(t, 6, during.Counts[crowd.CategoryClean])
	require.Equal(t, ActionRolledBack, out.Action)
	require.Equal(t, 5, out.View.Counts[crowd.CategoryClean])
}

func TestLeaveCancelsAllTimers(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)
	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.NoError(t, err)
	h.feed.submitErr = errors.New("offline")
	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClosed)
	require.NoError(t, err)
	require.Positive(t, h.clock.Pending())
	require.Equal(t, 1, h.feed.subscribers())

	h.svc.Leave("s1", "P1")
	require.Equal(t, 0, h.clock.Pending())
	require.Equal(t, 0, h.feed.subscribers())

	_, err = h.svc.View(ctx, "s1", "P1")
	require.True(t, apperrors.IsCode(err, apperrors.CodeViewClosed))

	reopened, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)
	require.True(t, mustButton(t, reopened, crowd.CategoryClean).LocalActive)
	require.Equal(t, StateIdle, mustButton(t, reopened, crowd.CategoryClean).State)
	require.Equal(t, 1, h.clock.Pending())
}

func TestWatchStreamsViewsUntilLeave(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := h.svc.Watch(ctx, "s1", "P1")
	require.NoError(t, err)
	first := <-ch
	require.Equal(t, "P1", first.ParkID)

	_, err = h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.NoError(t, err)
	latest := <-ch
	require.Greater(t, latest.Version, first.Version)
	require.Equal(t, 1, latest.Counts[crowd.CategoryClean])

	h.svc.Leave("s1", "P1")
	for range ch {
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	h := newHarness(t, Config{SessionIdleTTL: time.Minute})
	ctx := context.Background()
	_, err := h.svc.Open(ctx, "idle", "P1")
	require.NoError(t, err)
	_, err = h.svc.Tap(ctx, "idle", "P1", crowd.CategoryClean)
	require.NoError(t, err)

	h.clock.Advance(30 * time.Second)
	_, err = h.svc.Open(ctx, "fresh", "P2")
	require.NoError(t, err)
	require.Zero(t, h.svc.Sweep())

	h.clock.Advance(45 * time.Second)
	require.Equal(t, 1, h.svc.Sweep())
	_, err = h.svc.View(ctx, "idle", "P1")
	require.True(t, apperrors.IsCode(err, apperrors.CodeViewClosed))
	_, err = h.svc.View(ctx, "fresh", "P2")
	require.NoError(t, err)
	require.Equal(t, 0, h.clock.Pending())
}

func TestEndSessionPurgesStoredReports(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.svc.Tap(ctx, "s1", "P1", crowd.CategoryClean)
	require.NoError(t, err)
	require.Len(t, h.kv.data, 1)

	h.svc.EndSession(ctx, "s1")
	require.Empty(t, h.kv.data)
	require.Equal(t, 0, h.feed.subscribers())

	view, err := h.svc.Open(ctx, "s1", "P1")
	require.NoError(t, err)
	require.False(t, mustButton(t, view, crowd.CategoryClean).LocalActive)
}
