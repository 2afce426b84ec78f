package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/playgrounded/internal/domain/catalog"
	"github.com/yanqian/playgrounded/internal/domain/crowd"
	"github.com/yanqian/playgrounded/internal/domain/livereport"
	"github.com/yanqian/playgrounded/internal/domain/session"
	apperrors "github.com/yanqian/playgrounded/pkg/errors"
	"github.com/yanqian/playgrounded/pkg/metrics"
)

const defaultParkLimit = 10

// HandlerConfig tunes transport details.
type HandlerConfig struct {
	Cookie    CookieConfig
	KeepAlive time.Duration
}

// Handler wires the HTTP transport to domain services.
type Handler struct {
	cfg      HandlerConfig
	live     livereport.Service
	sessions session.Service
	parks    catalog.Service
	counters *metrics.Counters
	logger   *slog.Logger
}

// NewHandler constructs the root HTTP handler.
func NewHandler(cfg HandlerConfig, live livereport.Service, sessions session.Service, parks catalog.Service, counters *metrics.Counters, logger *slog.Logger) *Handler {
	if cfg.Cookie.Name == "" {
		cfg.Cookie.Name = "pg_session"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	return &Handler{
		cfg:      cfg,
		live:     live,
		sessions: sessions,
		parks:    parks,
		counters: counters,
		logger:   logger.With("component", "http.handler"),
	}
}

// Health reports liveness and process counters.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "counters": h.counters.Snapshot()})
}

// Metrics serves the Prometheus scrape endpoint.
func (h *Handler) Metrics(c *gin.Context) {
	h.counters.Handler().ServeHTTP(c.Writer, c.Request)
}

// StartSession renews a valid session token or issues a fresh one.
func (h *Handler) StartSession(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		token session.Token
		err   error
	)
	if raw := sessionToken(c, h.cfg.Cookie); raw != "" {
		if claims, verr := h.sessions.Validate(ctx, raw); verr == nil {
			token, err = h.sessions.Renew(ctx, claims)
		}
	}
	if token.Value == "" && err == nil {
		token, err = h.sessions.Issue(ctx)
	}
	if err != nil {
		abortWithError(c, fromDomain(err))
		return
	}
	setSessionCookie(c, h.cfg.Cookie, token)
	c.JSON(http.StatusOK, token)
}

// EndSession drops every view and stored report of the session.
func (h *Handler) EndSession(c *gin.Context) {
	claims, _ := getSession(c)
	h.live.EndSession(c.Request.Context(), claims.SessionID)
	clearSessionCookie(c, h.cfg.Cookie)
	c.Status(http.StatusNoContent)
}

// Categories lists the report categories in button order.
func (h *Handler) Categories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": crowd.CategoryTable()})
}

// ListParks ranks the catalog around a point.
func (h *Handler) ListParks(c *gin.Context) {
	q, herr := parseParkQuery(c)
	if herr != nil {
		abortWithError(c, herr)
		return
	}
	res, err := h.parks.Nearby(c.Request.Context(), q)
	if err != nil {
		abortWithError(c, fromDomain(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetPark returns one catalog entry.
func (h *Handler) GetPark(c *gin.Context) {
	park, err := h.parks.Park(c.Request.Context(), c.Param("parkId"))
	if err != nil {
		abortWithError(c, fromDomain(err))
		return
	}
	c.JSON(http.StatusOK, park)
}

// OpenLive opens the park's live section for the session.
func (h *Handler) OpenLive(c *gin.Context) {
	claims, _ := getSession(c)
	view, err := h.live.Open(c.Request.Context(), claims.SessionID, c.Param("parkId"))
	if err != nil {
		abortWithError(c, fromDomain(err))
		return
	}
	c.JSON(http.StatusOK, view)
}

// LeaveLive closes the park's live section and cancels its timers.
func (h *Handler) LeaveLive(c *gin.Context) {
	claims, _ := getSession(c)
	h.live.Leave(claims.SessionID, c.Param("parkId"))
	c.Status(http.StatusNoContent)
}

type reportRequest struct {
	Category string `json:"category" binding:"required"`
}

// SubmitReport taps a category button.
func (h *Handler) SubmitReport(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, apperrors.CodeInvalidInput, errMessage(err), err))
		return
	}
	category, ok := crowd.ParseCategory(req.Category)
	if !ok {
		category = crowd.Category(req.Category)
	}
	claims, _ := getSession(c)
	outcome, err := h.live.Tap(c.Request.Context(), claims.SessionID, c.Param("parkId"), category)
	if err != nil {
		abortWithError(c, fromDomain(err))
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func parseParkQuery(c *gin.Context) (catalog.Query, *HTTPError) {
	q := catalog.Query{
		Kind:        catalog.ParseKind(c.Query("kind")),
		Preferences: splitParam(c.Query("filters")),
		Amenities:   splitParam(c.Query("amenities")),
		Search:      c.Query("q"),
		Limit:       defaultParkLimit,
	}
	if indoor, _ := strconv.ParseBool(c.Query("indoor")); indoor {
		q.Kind = catalog.KindIndoor
	}
	var err error
	if q.Lat, err = parseFloatParam(c, "lat", true); err != nil {
		return q, NewHTTPError(http.StatusBadRequest, apperrors.CodeInvalidInput, "lat must be a number", err)
	}
	if q.Lng, err = parseFloatParam(c, "lng", true); err != nil {
		return q, NewHTTPError(http.StatusBadRequest, apperrors.CodeInvalidInput, "lng must be a number", err)
	}
	if q.Lat < -90 || q.Lat > 90 || q.Lng < -180 || q.Lng > 180 {
		return q, NewHTTPError(http.StatusBadRequest, apperrors.CodeInvalidInput, "coordinates out of range", nil)
	}
	if q.RadiusMiles, err = parseFloatParam(c, "radius", false); err != nil {
		return q, NewHTTPError(http.StatusBadRequest, apperrors.CodeInvalidInput, "radius must be a number", err)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, NewHTTPError(http.StatusBadRequest, apperrors.CodeInvalidInput, "limit must be a non-negative integer", err)
		}
		q.Limit = limit
	}
	return q, nil
}

func parseFloatParam(c *gin.Context, name string, required bool) (float64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		if required {
			return 0, apperrors.Wrap(apperrors.CodeInvalidInput, name+" is required", nil)
		}
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func splitParam(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
