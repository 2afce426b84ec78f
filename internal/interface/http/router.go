package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/playgrounded/internal/domain/session"
	"github.com/yanqian/playgrounded/internal/infra/config"
)

// NewRouter wires up the HTTP handlers and returns a configured server.
func NewRouter(cfg *config.Config, handler *Handler, sessions session.Service, logger *slog.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(
		gin.Recovery(),
		requestLogger(handler.logger),
		corsMiddleware(cfg.HTTP.AllowedOrigins),
		errorHandlingMiddleware(logger),
	)

	router.GET("/healthz", handler.Health)
	router.GET("/metrics", handler.Metrics)

	api := router.Group("/api/v1")
	{
		api.GET("/session", handler.StartSession)
		api.GET("/categories", handler.Categories)
		api.GET("/parks", handler.ListParks)
		api.GET("/parks/:parkId", handler.GetPark)

		live := api.Group("")
		live.Use(sessionMiddleware(sessions, handler.cfg.Cookie))
		{
			live.DELETE("/session", handler.EndSession)
			live.GET("/parks/:parkId/live", handler.OpenLive)
			live.DELETE("/parks/:parkId/live", handler.LeaveLive)
			live.GET("/parks/:parkId/live/stream", handler.StreamLive)
			live.POST("/parks/:parkId/reports", rateLimitMiddleware(cfg.HTTP.RateLimit, logger), handler.SubmitReport)
		}
	}

	return &http.Server{
		Addr:           cfg.HTTP.Address,
		Handler:        withRetry(router, cfg.HTTP.Retry, logger),
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
}
