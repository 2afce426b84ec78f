package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/playgrounded/internal/domain/catalog"
	"github.com/yanqian/playgrounded/internal/domain/crowd"
	"github.com/yanqian/playgrounded/internal/domain/livereport"
	"github.com/yanqian/playgrounded/internal/domain/session"
	"github.com/yanqian/playgrounded/internal/infra/config"
	apperrors "github.com/yanqian/playgrounded/pkg/errors"
	"github.com/yanqian/playgrounded/pkg/metrics"
)

func TestRouter_HealthAndCategories(t *testing.T) {
	env := newRouterUnderTest(t)

	rec := env.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"counters"`)

	rec = env.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "playgrounded_reports_total")

	rec = env.do(http.MethodGet, "/api/v1/categories", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Categories []crowd.CategoryInfo `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Categories, 6)
	require.Equal(t, crowd.CategoryClean, body.Categories[0].Key)
}

func TestRouter_SessionIssueAndRenew(t *testing.T) {
	env := newRouterUnderTest(t)

	rec := env.do(http.MethodGet, "/api/v1/session", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var first session.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.NotEmpty(t, first.Value)
	require.Contains(t, rec.Header().Get("Set-Cookie"), "pg_session=")

	rec = env.do(http.MethodGet, "/api/v1/session", "", first.Value)
	require.Equal(t, http.StatusOK, rec.Code)
	var renewed session.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &renewed))
	require.Equal(t, first.SessionID, renewed.SessionID)

	rec = env.do(http.MethodGet, "/api/v1/session", "", "garbage")
	require.Equal(t, http.StatusOK, rec.Code)
	var fresh session.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fresh))
	require.NotEqual(t, first.SessionID, fresh.SessionID)
}

func TestRouter_LiveRequiresSession(t *testing.T) {
	env := newRouterUnderTest(t)

	rec := env.do(http.MethodGet, "/api/v1/parks/p1/live", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, apperrors.CodeInvalidToken, decodeErrorBody(t, rec.Body.Bytes())["error"]["code"])

	rec = env.do(http.MethodGet, "/api/v1/parks/p1/live", "", "not-a-token")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_OpenLiveUsesSessionID(t *testing.T) {
	env := newRouterUnderTest(t)
	token := env.session(t)
	env.live.openFn = func(_ context.Context, sessionID, parkID string) (livereport.View, error) {
		require.Equal(t, token.SessionID, sessionID)
		require.Equal(t, "p1", parkID)
		return livereport.View{ParkID: parkID, Version: 3, Status: crowd.FeedReady}, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/parks/p1/live", "", token.Value)
	require.Equal(t, http.StatusOK, rec.Code)
	var view livereport.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, uint64(3), view.Version)
}

func TestRouter_SubmitReportMapsOutcomesAndErrors(t *testing.T) {
	env := newRouterUnderTest(t)
	token := env.session(t)
	env.live.tapFn = func(_ context.Context, _, parkID string, category crowd.Category) (livereport.Outcome, error) {
		switch category {
		case crowd.CategoryWetGround:
			return livereport.Outcome{Action: livereport.ActionSubmitted, Category: category, State: livereport.StateCooldown}, nil
		case crowd.CategoryCrowded:
			return livereport.Outcome{}, apperrors.Wrap(apperrors.CodeCoolingDown, "report already sent, try again shortly", nil)
		case crowd.CategoryClosed:
			return livereport.Outcome{}, apperrors.Wrap(apperrors.CodeNotConfigured, livereport.SubmitErrorMessage, nil)
		}
		return livereport.Outcome{}, apperrors.Wrap(apperrors.CodeInvalidInput, "unknown category", nil)
	}

	rec := env.do(http.MethodPost, "/api/v1/parks/p1/reports", `{"category":"wet"}`, token.Value)
	require.Equal(t, http.StatusOK, rec.Code)
	var outcome livereport.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Equal(t, livereport.ActionSubmitted, outcome.Action)
	require.Equal(t, crowd.CategoryWetGround, outcome.Category)

	rec = env.do(http.MethodPost, "/api/v1/parks/p1/reports", `{"category":"crowded"}`, token.Value)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/parks/p1/reports", `{"category":"closed"}`, token.Value)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, livereport.SubmitErrorMessage, decodeErrorBody(t, rec.Body.Bytes())["error"]["message"])

	rec = env.do(http.MethodPost, "/api/v1/parks/p1/reports", `{"category":"lava"}`, token.Value)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/parks/p1/reports", `{}`, token.Value)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, apperrors.CodeInvalidInput, decodeErrorBody(t, rec.Body.Bytes())["error"]["code"])
}

func TestRouter_ReportRateLimitPerSession(t *testing.T) {
	env := newRouterUnderTest(t, func(cfg *config.Config) {
		cfg.HTTP.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2}
	})
	token := env.session(t)
	other := env.session(t)

	for i := 0; i < 2; i++ {
		rec := env.do(http.MethodPost, "/api/v1/parks/p1/reports", `{"category":"clean"}`, token.Value)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(http.MethodPost, "/api/v1/parks/p1/reports", `{"category":"clean"}`, token.Value)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(http.MethodPost, "/api/v1/parks/p1/reports", `{"category":"clean"}`, other.Value)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_LeaveAndEndSession(t *testing.T) {
	env := newRouterUnderTest(t)
	token := env.session(t)

	rec := env.do(http.MethodDelete, "/api/v1/parks/p1/live", "", token.Value)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{token.SessionID + "/p1"}, env.live.left)

	rec = env.do(http.MethodDelete, "/api/v1/session", "", token.Value)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, []string{token.SessionID}, env.live.ended)
}

func TestRouter_ParksQuery(t *testing.T) {
	env := newRouterUnderTest(t)
	env.parks.nearbyFn = func(_ context.Context, q catalog.Query) (catalog.Result, error) {
		require.Equal(t, 40.5, q.Lat)
		require.Equal(t, -74.25, q.Lng)
		require.Equal(t, 15.0, q.RadiusMiles)
		require.Equal(t, catalog.KindIndoor, q.Kind)
		require.Equal(t, []string{"fenced", "dogs"}, q.Preferences)
		require.Equal(t, defaultParkLimit, q.Limit)
		return catalog.Result{Parks: []catalog.Ranked{{Park: catalog.Park{ID: "x"}, MatchPercent: 100}}, Total: 1}, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/parks?lat=40.5&lng=-74.25&radius=15&indoor=true&filters=fenced,%20dogs", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res catalog.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 1, res.Total)

	rec = env.do(http.MethodGet, "/api/v1/parks?lat=abc&lng=1", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/v1/parks?lat=95&lng=1", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_ParksRetriesUpstreamFailure(t *testing.T) {
	env := newRouterUnderTest(t)
	var calls atomic.Int32
	env.parks.nearbyFn = func(context.Context, catalog.Query) (catalog.Result, error) {
		if calls.Add(1) == 1 {
			return catalog.Result{}, apperrors.Wrap(apperrors.CodeUpstream, "park catalog unavailable", nil)
		}
		return catalog.Result{Total: 0}, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/parks?lat=1&lng=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int32(2), calls.Load())
}

func TestRouter_GetParkNotFound(t *testing.T) {
	env := newRouterUnderTest(t)
	env.parks.parkFn = func(_ context.Context, id string) (catalog.Park, error) {
		return catalog.Park{}, apperrors.Wrap(apperrors.CodeNotFound, "park not found", nil)
	}
	rec := env.do(http.MethodGet, "/api/v1/parks/nope", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_StreamLive(t *testing.T) {
	env := newRouterUnderTest(t)
	token := env.session(t)
	env.live.watchFn = func(_ context.Context, _, parkID string) (<-chan livereport.View, error) {
		ch := make(chan livereport.View, 2)
		ch <- livereport.View{ParkID: parkID, Version: 1}
		ch <- livereport.View{ParkID: parkID, Version: 2}
		close(ch)
		return ch, nil
	}

	rec := env.do(http.MethodGet, "/api/v1/parks/p1/live/stream", "", token.Value)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 3)
	require.True(t, strings.HasPrefix(frames[0], "id: 1\nevent: view\ndata: "))
	var view livereport.View
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "id: 2\nevent: view\ndata: ")), &view))
	require.Equal(t, uint64(2), view.Version)
	require.True(t, strings.HasPrefix(frames[2], "event: closed"))
}

// brokenPipeWriter accepts headers but fails every body write.
type brokenPipeWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (w *brokenPipeWriter) Write([]byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestRouter_StreamStopsOnWriteError(t *testing.T) {
	env := newRouterUnderTest(t)
	token := env.session(t)
	views := make(chan livereport.View, 1)
	views <- livereport.View{ParkID: "p1", Version: 1}
	env.live.watchFn = func(context.Context, string, string) (<-chan livereport.View, error) {
		return views, nil
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/parks/p1/live/stream", nil)
	req.Header.Set(SessionHeader, token.Value)
	w := &brokenPipeWriter{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		env.server.Handler.ServeHTTP(w, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream kept running after the client write failed")
	}
	require.Equal(t, 1, w.writes)
}

func TestRouter_StreamClosedView(t *testing.T) {
	env := newRouterUnderTest(t)
	token := env.session(t)
	env.live.watchFn = func(context.Context, string, string) (<-chan livereport.View, error) {
		return nil, apperrors.Wrap(apperrors.CodeViewClosed, "live view is closed", nil)
	}
	rec := env.do(http.MethodGet, "/api/v1/parks/p1/live/stream", "", token.Value)
	require.Equal(t, http.StatusGone, rec.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	env := newRouterUnderTest(t, func(cfg *config.Config) {
		cfg.HTTP.AllowedOrigins = []string{"https://app.example.com"}
	})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/parks/p1/reports", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	env.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), SessionHeader)
}

type routerEnv struct {
	server   *http.Server
	live     *stubLive
	parks    *stubCatalog
	sessions session.Service
}

func newRouterUnderTest(t *testing.T, mutate ...func(*config.Config)) *routerEnv {
	t.Helper()
	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Address:      ":0",
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			Retry: config.RetryConfig{
				Enabled:     true,
				MaxAttempts: 2,
				BaseBackoff: time.Millisecond,
			},
		},
	}
	for _, m := range mutate {
		m(cfg)
	}
	logger := newTestLogger()
	env := &routerEnv{
		live:     &stubLive{},
		parks:    &stubCatalog{},
		sessions: session.NewService(session.Config{Secret: "router-test-secret", TTL: time.Hour}, logger),
	}
	handler := NewHandler(HandlerConfig{KeepAlive: time.Hour}, env.live, env.sessions, env.parks, metrics.NewCounters(), logger)
	env.server = NewRouter(cfg, handler, env.sessions, logger)
	return env
}

func (e *routerEnv) session(t *testing.T) session.Token {
	t.Helper()
	token, err := e.sessions.Issue(context.Background())
	require.NoError(t, err)
	return token
}

func (e *routerEnv) do(method, path, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(SessionHeader, token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(rec, req)
	return rec
}

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, nil)
	return slog.New(handler)
}

type stubLive struct {
	openFn  func(ctx context.Context, sessionID, parkID string) (livereport.View, error)
	tapFn   func(ctx context.Context, sessionID, parkID string, category crowd.Category) (livereport.Outcome, error)
	watchFn func(ctx context.Context, sessionID, parkID string) (<-chan livereport.View, error)
	left    []string
	ended   []string
}

func (s *stubLive) Open(ctx context.Context, sessionID, parkID string) (livereport.View, error) {
	if s.openFn != nil {
		return s.openFn(ctx, sessionID, parkID)
	}
	return livereport.View{ParkID: parkID}, nil
}

func (s *stubLive) View(ctx context.Context, sessionID, parkID string) (livereport.View, error) {
	return s.Open(ctx, sessionID, parkID)
}

func (s *stubLive) Tap(ctx context.Context, sessionID, parkID string, category crowd.Category) (livereport.Outcome, error) {
	if s.tapFn != nil {
		return s.tapFn(ctx, sessionID, parkID, category)
	}
	return livereport.Outcome{Action: livereport.ActionSubmitted, Category: category}, nil
}

func (s *stubLive) Watch(ctx context.Context, sessionID, parkID string) (<-chan livereport.View, error) {
	if s.watchFn != nil {
		return s.watchFn(ctx, sessionID, parkID)
	}
	ch := make(chan livereport.View)
	close(ch)
	return ch, nil
}

func (s *stubLive) Leave(sessionID, parkID string) {
	s.left = append(s.left, sessionID+"/"+parkID)
}

func (s *stubLive) EndSession(_ context.Context, sessionID string) {
	s.ended = append(s.ended, sessionID)
}

func (s *stubLive) Sweep() int { return 0 }

func (s *stubLive) Close() {}

type stubCatalog struct {
	nearbyFn func(ctx context.Context, q catalog.Query) (catalog.Result, error)
	parkFn   func(ctx context.Context, id string) (catalog.Park, error)
}

func (s *stubCatalog) Nearby(ctx context.Context, q catalog.Query) (catalog.Result, error) {
	if s.nearbyFn != nil {
		return s.nearbyFn(ctx, q)
	}
	return catalog.Result{}, nil
}

func (s *stubCatalog) Park(ctx context.Context, id string) (catalog.Park, error) {
	if s.parkFn != nil {
		return s.parkFn(ctx, id)
	}
	return catalog.Park{ID: id}, nil
}

func (s *stubCatalog) Refresh(context.Context) error { return nil }

func (s *stubCatalog) Run(context.Context) {}

func decodeErrorBody(t *testing.T, raw []byte) map[string]map[string]string {
	t.Helper()
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}
