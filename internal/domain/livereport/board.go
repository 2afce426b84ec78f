package livereport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/yanqian/playgrounded/internal/domain/crowd"
	"github.com/yanqian/playgrounded/internal/domain/localsignal"
	apperrors "github.com/yanqian/playgrounded/pkg/errors"
	"github.com/yanqian/playgrounded/pkg/metrics"
	"github.com/yanqian/playgrounded/pkg/util"
)

const (
	noteSending = "Sending your update…"
	noteOffline = "Live reporting temporarily offline"
)

type slot struct {
	state    SubmissionState
	sent     bool
	flashing bool
	pending  int
	cooldown util.Timer
	flash    util.Timer
}

// board is one session's live section for one park. It owns every timer of
// the per-category machines so leave can cancel them together.
type board struct {
	parkID   string
	cfg      Config
	feed     Feed
	store    *localsignal.Store
	clock    util.Clock
	logger   *slog.Logger
	counters *metrics.Counters

	mu       sync.Mutex
	sub      crowd.Subscription
	counts   crowd.CountsSnapshot
	slots    map[crowd.Category]*slot
	status   crowd.FeedStatus
	errMsg   string
	errTimer util.Timer
	version  uint64
	watchers map[chan View]struct{}
	closed   bool
	ready    chan struct{}
}

func newBoard(parkID string, cfg Config, feed Feed, store *localsignal.Store, clock util.Clock, logger *slog.Logger, counters *metrics.Counters) *board {
	slots := make(map[crowd.Category]*slot, len(crowd.Categories()))
	for _, cat := range crowd.Categories() {
		slots[cat] = &slot{state: StateIdle}
	}
	return &board{
		parkID:   parkID,
		cfg:      cfg,
		feed:     feed,
		store:    store,
		clock:    clock,
		logger:   logger.With("parkId", parkID),
		counters: counters,
		counts:   crowd.NewCounts(),
		slots:    slots,
		status:   crowd.FeedReady,
		watchers: make(map[chan View]struct{}),
		ready:    make(chan struct{}),
	}
}

// start loads this session's signals and attaches to the shared feed.
func (b *board) start(ctx context.Context) {
	defer close(b.ready)
	b.store.Load(ctx, b.parkID)
	sub := b.feed.Subscribe(b.parkID, b.onFeed)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.Close()
		return
	}
	b.sub = sub
	b.counts = sub.State().Counts.Clone()
	b.version++
}

func (b *board) view() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewLocked()
}

func (b *board) tap(ctx context.Context, category crowd.Category) (Outcome, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Outcome{}, apperrors.Wrap(apperrors.CodeViewClosed, "live view is closed", nil)
	}
	sl := b.slots[category]

	if b.store.Active(b.parkID, category) {
		b.flashLocked(sl)
		b.store.Remove(ctx, b.parkID, category)
		b.counts[category] = max(b.counts.Get(category)-1, 0)
		stopTimer(&sl.cooldown)
		sl.state = StateIdle
		sl.sent = false
		b.status = crowd.FeedReady
		b.clearErrorLocked()
		b.counters.Undone()
		b.logger.Info("report undone", "category", category)
		view := b.changedLocked()
		b.mu.Unlock()
		return Outcome{Action: ActionUndone, Category: category, State: StateIdle, View: view}, nil
	}

	if !b.feed.Configured() || b.parkID == "" {
		b.mu.Unlock()
		return Outcome{}, apperrors.Wrap(apperrors.CodeNotConfigured, SubmitErrorMessage, nil)
	}
	if sl.state == StateSubmitting || sl.state == StateCooldown {
		b.mu.Unlock()
		return Outcome{}, apperrors.Wrap(apperrors.CodeCoolingDown, "report already sent, try again shortly", nil)
	}

	b.flashLocked(sl)
	b.counts[category] = b.counts.Get(category) + 1
	sl.pending++
	sl.state = StateSubmitting
	sl.sent = false
	b.status = crowd.FeedLoading
	b.clearErrorLocked()
	b.changedLocked()
	b.mu.Unlock()

	err := b.feed.Submit(ctx, b.parkID, category)

	b.mu.Lock()
	defer b.mu.Unlock()
	sl.pending--
	if b.closed {
		action := ActionSubmitted
		if err != nil {
			action = ActionRolledBack
		}
		return Outcome{Action: action, Category: category, State: StateIdle, View: b.viewLocked()}, nil
	}

	if err != nil {
		b.counts[category] = max(b.counts.Get(category)-1, 0)
		stopTimer(&sl.cooldown)
		sl.state = StateIdle
		sl.sent = false
		b.status = crowd.FeedError
		b.setErrorLocked(SubmitErrorMessage)
		b.counters.RolledBack()
		b.logger.Warn("report rolled back", "category", category, "error", err)
		return Outcome{Action: ActionRolledBack, Category: category, State: StateRolledBack, View: b.changedLocked()}, nil
	}

	b.store.Set(ctx, b.parkID, category, b.clock.Now().Add(b.cfg.SignalTTL))
	sl.state = StateCooldown
	sl.sent = true
	b.armCooldownLocked(sl)
	b.status = b.settledStatusLocked()
	return Outcome{Action: ActionSubmitted, Category: category, State: StateCooldown, View: b.changedLocked()}, nil
}

func (b *board) settledStatusLocked() crowd.FeedStatus {
	for _, sl := range b.slots {
		if sl.state == StateSubmitting {
			return crowd.FeedLoading
		}
	}
	return crowd.FeedReady
}

func (b *board) armCooldownLocked(sl *slot) {
	stopTimer(&sl.cooldown)
	var timer util.Timer
	timer = b.clock.AfterFunc(b.cfg.Cooldown, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || sl.cooldown != timer {
			return
		}
		sl.cooldown = nil
		sl.state = StateIdle
		sl.sent = false
		b.changedLocked()
	})
	sl.cooldown = timer
}

func (b *board) flashLocked(sl *slot) {
	stopTimer(&sl.flash)
	sl.flashing = true
	var timer util.Timer
	timer = b.clock.AfterFunc(b.cfg.Flash, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || sl.flash != timer {
			return
		}
		sl.flash = nil
		sl.flashing = false
		b.changedLocked()
	})
	sl.flash = timer
}

func (b *board) setErrorLocked(msg string) {
	stopTimer(&b.errTimer)
	b.errMsg = msg
	var timer util.Timer
	timer = b.clock.AfterFunc(b.cfg.ErrorTTL, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || b.errTimer != timer {
			return
		}
		b.errTimer = nil
		b.errMsg = ""
		b.changedLocked()
	})
	b.errTimer = timer
}

func (b *board) clearErrorLocked() {
	stopTimer(&b.errTimer)
	b.errMsg = ""
}

// onFeed replaces the displayed counts with the server snapshot, re-applying
// increments whose submission is still in flight.
func (b *board) onFeed(event crowd.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if event.Type == crowd.EventData {
		counts := crowd.NewCounts()
		if rec, ok := event.Payload.Find(b.parkID); ok {
			counts = rec.Counts.Clone()
		}
		for cat, sl := range b.slots {
			counts[cat] = counts.Get(cat) + sl.pending
		}
		b.counts = counts
	}
	b.changedLocked()
}

// onSignalExpired re-renders after the store dropped a signal.
func (b *board) onSignalExpired(crowd.Category) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.changedLocked()
}

// watch registers a watcher primed with the current view.
func (b *board) watch() (chan View, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	ch := make(chan View, 1)
	ch <- b.viewLocked()
	b.watchers[ch] = struct{}{}
	return ch, true
}

func (b *board) unwatch(ch chan View) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watchers[ch]; ok {
		delete(b.watchers, ch)
		close(ch)
	}
}

func (b *board) watched() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.watchers) > 0
}

// changedLocked bumps the version and pushes the latest view to watchers,
// replacing any view a slow watcher has not consumed yet.
func (b *board) changedLocked() View {
	b.version++
	view := b.viewLocked()
	for ch := range b.watchers {
		select {
		case ch <- view:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
	return view
}

// close cancels every timer of the view and detaches from the feed and store.
func (b *board) close() {
	<-b.ready
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sl := range b.slots {
		stopTimer(&sl.cooldown)
		stopTimer(&sl.flash)
		sl.flashing = false
	}
	stopTimer(&b.errTimer)
	for ch := range b.watchers {
		delete(b.watchers, ch)
		close(ch)
	}
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	b.store.Release(b.parkID)
}

func (b *board) viewLocked() View {
	now := b.clock.Now()
	signals := b.store.Signals(b.parkID)
	configured := b.feed.Configured() && b.parkID != ""

	view := View{
		ParkID:     b.parkID,
		Version:    b.version,
		Status:     b.status,
		Configured: configured,
		Error:      b.errMsg,
		Feed:       crowd.FeedIdle,
	}
	var record *crowd.CrowdRecord
	if b.sub != nil {
		state := b.sub.State()
		view.Feed = state.Status
		view.UpdatedAt = state.UpdatedAt
		record = state.Record
	}
	switch b.status {
	case crowd.FeedLoading:
		view.Note = noteSending
	case crowd.FeedError:
		view.Note = noteOffline
	}

	view.Counts = crowd.EffectiveCounts(b.counts, signals, now)
	view.Summary = crowd.Dominant(view.Counts, record)
	view.Banners = crowd.Banners(b.counts, signals, now)
	view.Highlights = crowd.Highlight(view.Banners)

	view.Buttons = make([]Button, 0, len(crowd.Categories()))
	for _, info := range crowd.CategoryTable() {
		sl := b.slots[info.Key]
		active := signals.Active(info.Key, now)
		busy := sl.state == StateSubmitting || sl.state == StateCooldown
		view.Buttons = append(view.Buttons, Button{
			CategoryInfo: info,
			Count:        view.Counts.Get(info.Key),
			State:        sl.state,
			LocalActive:  active,
			Sent:         sl.sent,
			Flashing:     sl.flashing,
			Disabled:     busy || (!configured && !active),
			UndoHint:     sl.sent || active,
		})
	}
	return view
}

func stopTimer(t *util.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
