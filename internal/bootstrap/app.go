package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/yanqian/playgrounded/internal/domain/catalog"
	"github.com/yanqian/playgrounded/internal/domain/livereport"
	"github.com/yanqian/playgrounded/internal/infra/config"
	"github.com/yanqian/playgrounded/internal/infra/crowdsense"
)

// App encapsulates the HTTP server lifecycle and the background loops.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	server *http.Server
	live   livereport.Service
	feed   *crowdsense.Client
	parks  catalog.Service
}

// NewApp is used by Wire to build the runnable app. Server shutdown closes
// live first so open view streams return.
func NewApp(cfg *config.Config, logger *slog.Logger, server *http.Server, live livereport.Service, feed *crowdsense.Client, parks catalog.Service) *App {
	server.RegisterOnShutdown(live.Close)
	return &App{
		cfg:    cfg,
		logger: logger.With("component", "bootstrap"),
		server: server,
		live:   live,
		feed:   feed,
		parks:  parks,
	}
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	bgCtx, stopBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.warmCatalog(bgCtx)
		a.parks.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		a.sweep(bgCtx)
	}()

	go func() {
		a.logger.Info("http server starting", "address", a.cfg.HTTP.Address, "crowdSenseConfigured", a.feed.Configured())
		if err := a.server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.logger.Info("shutdown signal received")
		runErr = a.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	stopBackground()
	wg.Wait()
	a.live.Close()
	a.feed.Close()
	a.logger.Info("shutdown complete")
	return runErr
}

func (a *App) warmCatalog(ctx context.Context) {
	if err := a.parks.Refresh(ctx); err != nil {
		a.logger.Warn("initial catalog load failed", "error", err)
	}
}

func (a *App) sweep(ctx context.Context) {
	interval := a.cfg.Reports.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.live.Sweep()
		}
	}
}
