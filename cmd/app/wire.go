//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/yanqian/playgrounded/internal/bootstrap"
	"github.com/yanqian/playgrounded/internal/infra/config"
	httpiface "github.com/yanqian/playgrounded/internal/interface/http"
	"github.com/yanqian/playgrounded/pkg/logger"
	"github.com/yanqian/playgrounded/pkg/metrics"
)

func initializeApp() (*bootstrap.App, error) {
	wire.Build(
		config.Load,
		logger.New,
		metrics.NewCounters,
		provideRelay,
		provideCrowdSenseClient,
		provideSignalKV,
		provideLiveReportConfig,
		provideLiveReportService,
		provideSessionService,
		provideCatalogSources,
		provideCatalogSnapshot,
		provideCatalogService,
		provideHandlerConfig,
		httpiface.NewHandler,
		httpiface.NewRouter,
		bootstrap.NewApp,
	)
	return nil, nil
}
