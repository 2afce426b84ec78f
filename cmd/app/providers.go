package main

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/playgrounded/internal/domain/catalog"
	"github.com/yanqian/playgrounded/internal/domain/livereport"
	"github.com/yanqian/playgrounded/internal/domain/localsignal"
	"github.com/yanqian/playgrounded/internal/domain/session"
	"github.com/yanqian/playgrounded/internal/infra/catalogsource"
	"github.com/yanqian/playgrounded/internal/infra/config"
	"github.com/yanqian/playgrounded/internal/infra/crowdsense"
	"github.com/yanqian/playgrounded/internal/infra/relay"
	"github.com/yanqian/playgrounded/internal/infra/sessionkv"
	httpiface "github.com/yanqian/playgrounded/internal/interface/http"
	"github.com/yanqian/playgrounded/pkg/metrics"
	"github.com/yanqian/playgrounded/pkg/util"
)

func provideRelay(cfg *config.Config, logger *slog.Logger, counters *metrics.Counters) *relay.Relay {
	return relay.New(relay.Config{
		ProxyPrefix: cfg.CrowdSense.Relay.ProxyPrefix,
		Timeout:     cfg.CrowdSense.RequestTimeout,
		Disabled:    !cfg.CrowdSense.Relay.Enabled,
	}, logger, counters)
}

func provideCrowdSenseClient(cfg *config.Config, doer *relay.Relay, logger *slog.Logger, counters *metrics.Counters) *crowdsense.Client {
	client := crowdsense.NewClient(crowdsense.Config{
		Endpoint:       cfg.CrowdSense.Endpoint,
		PollInterval:   cfg.CrowdSense.PollInterval,
		RequestTimeout: cfg.CrowdSense.RequestTimeout,
		SubmitEncoding: cfg.CrowdSense.SubmitEncoding,
	}, doer, logger, counters)
	if !client.Configured() {
		logger.Warn("crowdsense endpoint not set, live reporting is offline")
	}
	return client
}

func provideLiveReportConfig(cfg *config.Config) livereport.Config {
	return livereport.Config{
		SignalTTL:      cfg.Reports.SignalTTL,
		Cooldown:       cfg.Reports.Cooldown,
		Flash:          cfg.Reports.Flash,
		ErrorTTL:       cfg.Reports.ErrorTTL,
		SessionIdleTTL: cfg.Reports.SessionIdleTTL,
		StoragePrefix:  cfg.Reports.StoragePrefix,
	}
}

func provideLiveReportService(cfg livereport.Config, feed *crowdsense.Client, kv localsignal.KV, logger *slog.Logger, counters *metrics.Counters) livereport.Service {
	return livereport.NewService(cfg, feed, kv, util.SystemClock(), logger, counters)
}

func provideSessionService(cfg *config.Config, logger *slog.Logger) session.Service {
	return session.NewService(session.Config{Secret: cfg.Session.Secret, TTL: cfg.Session.TTL}, logger)
}

func provideHandlerConfig(cfg *config.Config) httpiface.HandlerConfig {
	return httpiface.HandlerConfig{
		Cookie: httpiface.CookieConfig{
			Name:   cfg.Session.CookieName,
			Secure: cfg.Session.CookieSecure,
		},
		KeepAlive: cfg.HTTP.StreamKeepAlive,
	}
}

func provideSignalKV(cfg *config.Config, logger *slog.Logger) localsignal.KV {
	if cfg.SignalStore.Valkey.Enabled {
		opt, err := buildValkeyOptions(cfg.SignalStore.Valkey.Addr)
		if err != nil {
			logger.Error("invalid valkey configuration, falling back to memory store", "error", err)
			return sessionkv.NewMemoryKV()
		}
		client, err := valkey.NewClient(opt)
		if err != nil {
			logger.Error("failed to create valkey client, falling back to memory store", "error", err)
			return sessionkv.NewMemoryKV()
		}
		kv := sessionkv.NewValkeyKV(client)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := kv.Ping(ctx); err != nil {
			logger.Error("valkey ping failed, falling back to memory store", "error", err)
			client.Close()
		} else {
			logger.Info("signal valkey store enabled", "addr", cfg.SignalStore.Valkey.Addr)
			return kv
		}
	}
	return sessionkv.NewMemoryKV()
}

func buildValkeyOptions(addr string) (valkey.ClientOption, error) {
	if strings.Contains(addr, "://") {
		return valkey.ParseURL(addr)
	}
	return valkey.ClientOption{InitAddress: []string{addr}}, nil
}

func provideCatalogSources(cfg *config.Config, doer *relay.Relay, logger *slog.Logger) []catalog.Source {
	var sources []catalog.Source
	outdoor := catalogsource.NewSheetSource("sheet", catalog.KindOutdoor,
		[]string{cfg.Catalog.SheetJSONURL, cfg.Catalog.SheetCSVURL}, doer, logger)
	if outdoor.Configured() {
		sources = append(sources, outdoor)
	}
	indoor := catalogsource.NewSheetSource("indoor-sheet", catalog.KindIndoor,
		[]string{cfg.Catalog.IndoorSheetURL}, doer, logger)
	if indoor.Configured() {
		sources = append(sources, indoor)
	}
	if pg := provideCatalogPostgres(cfg, logger); pg != nil {
		sources = append(sources, pg)
	}
	if len(sources) == 0 {
		logger.Warn("no catalog sources configured, serving snapshot data only")
	}
	return sources
}

func provideCatalogPostgres(cfg *config.Config, logger *slog.Logger) *catalogsource.PostgresSource {
	dsn := strings.TrimSpace(cfg.Catalog.Postgres.DSN)
	if dsn == "" {
		return nil
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Error("invalid postgres dsn, skipping catalog database", "error", err)
		return nil
	}
	if cfg.Catalog.Postgres.MaxConns > 0 {
		poolConfig.MaxConns = cfg.Catalog.Postgres.MaxConns
	}
	if cfg.Catalog.Postgres.MinConns > 0 {
		poolConfig.MinConns = cfg.Catalog.Postgres.MinConns
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("failed to initialize postgres pool, skipping catalog database", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres ping failed, skipping catalog database", "error", err)
		pool.Close()
		return nil
	}
	logger.Info("catalog postgres source enabled")
	return catalogsource.NewPostgresSource(pool)
}

func provideCatalogSnapshot(cfg *config.Config, logger *slog.Logger) catalog.Snapshot {
	snap := cfg.Catalog.Snapshot
	if snap.R2.Enabled() {
		r2, err := catalogsource.NewR2Snapshot(catalogsource.R2Config{
			Endpoint:  snap.R2.Endpoint,
			AccessKey: snap.R2.AccessKey,
			SecretKey: snap.R2.SecretKey,
			Bucket:    snap.R2.Bucket,
			Region:    snap.R2.Region,
			Key:       snap.R2.Key,
		}, logger)
		if err == nil {
			logger.Info("catalog r2 snapshot enabled", "bucket", snap.R2.Bucket)
			return r2
		}
		logger.Error("failed to init r2 snapshot, falling back to file snapshot", "error", err)
	}
	return catalogsource.NewFileSnapshot(snap.File, snap.SeedFile)
}

func provideCatalogService(cfg *config.Config, sources []catalog.Source, snapshot catalog.Snapshot, logger *slog.Logger) catalog.Service {
	return catalog.NewService(catalog.Config{
		RefreshInterval: cfg.Catalog.RefreshInterval,
		LoadTimeout:     cfg.Catalog.LoadTimeout,
	}, sources, snapshot, logger)
}
