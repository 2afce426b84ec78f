package crowdsense

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yanqian/playgrounded/internal/domain/crowd"
	"github.com/yanqian/playgrounded/internal/infra/relay"
	apperrors "github.com/yanqian/playgrounded/pkg/errors"
	"github.com/yanqian/playgrounded/pkg/metrics"
)

// Submit body encodings.
const (
	EncodingJSON = "json"
	EncodingForm = "form"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second
	signalTypeFeedback    = "feedback"
)

// Config holds the aggregation endpoint settings.
type Config struct {
	Endpoint       string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	SubmitEncoding string
}

// Client is the single shared view of the aggregation feed. It coalesces
// concurrent polls, keeps the last good payload across failures and polls
// only while at least one subscriber exists.
type Client struct {
	cfg      Config
	doer     relay.Doer
	logger   *slog.Logger
	counters *metrics.Counters
	now      func() time.Time

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	latest     *crowd.Payload
	latestErr  error
	subs       map[uint64]*subscription
	nextID     uint64
	stopLoop   chan struct{}
	submitting map[string]int
	closed     bool
}

// NewClient constructs the client. Polling starts with the first subscriber.
func NewClient(cfg Config, doer relay.Doer, logger *slog.Logger, counters *metrics.Counters) *Client {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.SubmitEncoding != EncodingForm {
		cfg.SubmitEncoding = EncodingJSON
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		doer:       doer,
		logger:     logger.With("component", "crowdsense.client"),
		counters:   counters,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[uint64]*subscription),
		submitting: make(map[string]int),
	}
}

// Configured reports whether an endpoint is set.
func (c *Client) Configured() bool {
	return c.cfg.Endpoint != "" && c.doer != nil
}

// Poll fetches the feed once. Concurrent callers share a single request.
func (c *Client) Poll(ctx context.Context) (crowd.Payload, error) {
	if !c.Configured() {
		return crowd.Payload{}, apperrors.Wrap(apperrors.CodeNotConfigured, "live reporting is not configured", nil)
	}
	ch := c.group.DoChan("poll", func() (any, error) {
		return c.fetch()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return crowd.Payload{}, res.Err
		}
		return res.Val.(crowd.Payload), nil
	case <-ctx.Done():
		return crowd.Payload{}, ctx.Err()
	}
}

func (c *Client) fetch() (crowd.Payload, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	payload, err := c.download(ctx)
	if err != nil {
		c.mu.Lock()
		c.latestErr = err
		c.mu.Unlock()
		c.counters.PollFailed()
		c.logger.Warn("crowd feed poll failed", "error", err)
		c.notify(crowd.Event{Type: crowd.EventError, Err: err, ReceivedAt: c.now()})
		return crowd.Payload{}, err
	}

	c.mu.Lock()
	c.latest = &payload
	c.latestErr = nil
	c.mu.Unlock()
	c.counters.PollSucceeded()
	c.notify(crowd.Event{Type: crowd.EventData, Payload: &payload, ReceivedAt: payload.ReceivedAt})
	return payload, nil
}

func (c *Client) download(ctx context.Context) (crowd.Payload, error) {
	resp, err := c.doer.Do(ctx, relay.Request{
		Method: http.MethodGet,
		URL:    c.cfg.Endpoint,
		Header: http.Header{"Cache-Control": []string{"no-store"}},
	})
	if err != nil {
		return crowd.Payload{}, apperrors.Wrap(apperrors.CodeUpstream, "crowd feed request failed", err)
	}
	payload, err := crowd.DecodePayload(resp.Body)
	if err != nil {
		return crowd.Payload{}, apperrors.Wrap(apperrors.CodeUpstream, "crowd feed unreadable", err)
	}
	payload.ReceivedAt = c.now()
	return payload, nil
}

// Latest returns the last good payload, if any.
func (c *Client) Latest() (crowd.Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return crowd.Payload{}, false
	}
	return *c.latest, true
}

// State derives what a subscriber to parkID currently sees.
func (c *Client) State(parkID string) crowd.ParkState {
	parkID = crowd.NormalizeID(parkID)
	c.mu.Lock()
	defer c.mu.Unlock()

	state := crowd.ParkState{Counts: crowd.NewCounts()}
	if c.latest != nil {
		state.UpdatedAt = c.latest.ReceivedAt
		if rec, ok := c.latest.Find(parkID); ok {
			state.Counts = rec.Counts.Clone()
			state.Record = &rec
		}
	}
	if c.latestErr != nil {
		state.Error = apperrors.MessageOf(c.latestErr)
	}

	switch {
	case parkID == "" || !c.Configured():
		state.Status = crowd.FeedIdle
	case c.submitting[parkID] > 0:
		state.Status = crowd.FeedUpdating
	case c.latestErr != nil:
		state.Status = crowd.FeedError
	case c.latest != nil:
		state.Status = crowd.FeedReady
	default:
		state.Status = crowd.FeedLoading
	}
	return state
}

// Subscribe registers listener for feed events concerning parkID. The first
// subscriber starts the poll loop with an immediate poll.
func (c *Client) Subscribe(parkID string, listener crowd.Listener) crowd.Subscription {
	sub := &subscription{client: c, parkID: crowd.NormalizeID(parkID), listener: listener}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.done = true
		return sub
	}
	c.nextID++
	sub.id = c.nextID
	c.subs[sub.id] = sub
	if c.stopLoop == nil && c.Configured() {
		c.stopLoop = make(chan struct{})
		c.wg.Add(1)
		go c.loop(c.stopLoop)
	}
	return sub
}

// Subscribers reports the current subscriber count.
func (c *Client) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Polling reports whether the poll loop is running.
func (c *Client) Polling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLoop != nil
}

func (c *Client) unsubscribe(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
	if len(c.subs) == 0 && c.stopLoop != nil {
		close(c.stopLoop)
		c.stopLoop = nil
	}
}

func (c *Client) loop(stop <-chan struct{}) {
	defer c.wg.Done()
	_, _ = c.Poll(c.ctx)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.Poll(c.ctx)
		}
	}
}

// Submit posts one report for parkID. Whatever the outcome, a fresh poll is
// triggered afterwards so subscribers converge on the server's counts.
func (c *Client) Submit(ctx context.Context, parkID string, category crowd.Category) error {
	parkID = crowd.NormalizeID(parkID)
	if !c.Configured() || parkID == "" {
		return apperrors.Wrap(apperrors.CodeNotConfigured, "live reporting is not configured", nil)
	}
	if !category.Valid() {
		return apperrors.Wrap(apperrors.CodeInvalidInput, fmt.Sprintf("unknown category %q", category), nil)
	}
	req, err := c.buildSubmit(parkID, category)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "encode report", err)
	}

	c.mu.Lock()
	c.submitting[parkID]++
	c.mu.Unlock()
	defer c.afterSubmit(parkID)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.doer.Do(ctx, req); err != nil {
		c.logger.Error("report submit failed", "parkId", parkID, "category", category, "error", err)
		return apperrors.Wrap(apperrors.CodeUpstream, "Could not submit update.", err)
	}
	c.counters.Submitted()
	c.logger.Info("report submitted", "parkId", parkID, "category", category)
	return nil
}

func (c *Client) afterSubmit(parkID string) {
	c.mu.Lock()
	c.submitting[parkID]--
	if c.submitting[parkID] <= 0 {
		delete(c.submitting, parkID)
	}
	closed := c.closed
	if !closed {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if closed {
		return
	}
	go func() {
		defer c.wg.Done()
		_, _ = c.Poll(c.ctx)
	}()
}

func (c *Client) buildSubmit(parkID string, category crowd.Category) (relay.Request, error) {
	value := category.ServerKey()
	if c.cfg.SubmitEncoding == EncodingForm {
		form := url.Values{}
		form.Set("parkId", parkID)
		form.Set("signalType", signalTypeFeedback)
		form.Set("value", value)
		form.Set("type", value)
		target, err := withQuery(c.cfg.Endpoint, "parkId", parkID)
		if err != nil {
			return relay.Request{}, err
		}
		return relay.Request{
			Method: http.MethodPost,
			URL:    target,
			Header: http.Header{"Content-Type": []string{"application/x-www-form-urlencoded;charset=UTF-8"}},
			Body:   []byte(form.Encode()),
		}, nil
	}

	body, err := json.Marshal(map[string]string{
		"parkId":     parkID,
		"signalType": signalTypeFeedback,
		"value":      value,
	})
	if err != nil {
		return relay.Request{}, err
	}
	return relay.Request{
		Method: http.MethodPost,
		URL:    c.cfg.Endpoint,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}, nil
}

func withQuery(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) notify(event crowd.Event) {
	c.mu.Lock()
	listeners := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		listeners = append(listeners, sub)
	}
	c.mu.Unlock()

	for _, sub := range listeners {
		c.deliver(sub, event)
	}
}

func (c *Client) deliver(sub *subscription, event crowd.Event) {
	if sub.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("crowd feed subscriber panicked", "parkId", sub.parkID, "panic", r)
		}
	}()
	sub.listener(event)
}

// Close stops polling, drops all subscribers and waits for background work.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.stopLoop != nil {
		close(c.stopLoop)
		c.stopLoop = nil
	}
	c.subs = make(map[uint64]*subscription)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

type subscription struct {
	client   *Client
	id       uint64
	parkID   string
	listener crowd.Listener

	once sync.Once
	done bool
}

func (s *subscription) State() crowd.ParkState {
	return s.client.State(s.parkID)
}

func (s *subscription) Close() {
	if s.done {
		return
	}
	s.once.Do(func() {
		s.client.unsubscribe(s.id)
	})
}
