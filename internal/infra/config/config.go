package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config aggregates runtime configuration used across the service.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	CrowdSense  CrowdSenseConfig  `yaml:"crowdSense"`
	Reports     ReportsConfig     `yaml:"reports"`
	Session     SessionConfig     `yaml:"session"`
	SignalStore SignalStoreConfig `yaml:"signalStore"`
	Catalog     CatalogConfig     `yaml:"catalog"`
}

// HTTPConfig controls server level behavior.
type HTTPConfig struct {
	Address         string          `yaml:"address"`
	ReadTimeout     time.Duration   `yaml:"readTimeout"`
	WriteTimeout    time.Duration   `yaml:"writeTimeout"`
	AllowedOrigins  []string        `yaml:"allowedOrigins"`
	StreamKeepAlive time.Duration   `yaml:"streamKeepAlive"`
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
	Retry           RetryConfig     `yaml:"retry"`
}

// RateLimitConfig drives the report submission limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requestsPerMinute"`
	Burst             int  `yaml:"burst"`
}

// RetryConfig configures best-effort retries for idempotent reads.
type RetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	Exclude     []string      `yaml:"exclude"`
}

// CrowdSenseConfig points at the aggregation endpoint.
type CrowdSenseConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	SubmitEncoding string        `yaml:"submitEncoding"`
	Relay          RelayConfig   `yaml:"relay"`
}

// RelayConfig controls the proxy fallback for upstream requests.
type RelayConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ProxyPrefix string `yaml:"proxyPrefix"`
}

// ReportsConfig tunes the reporting state machine.
type ReportsConfig struct {
	SignalTTL      time.Duration `yaml:"signalTtl"`
	Cooldown       time.Duration `yaml:"cooldown"`
	Flash          time.Duration `yaml:"flash"`
	ErrorTTL       time.Duration `yaml:"errorTtl"`
	SessionIdleTTL time.Duration `yaml:"sessionIdleTtl"`
	SweepInterval  time.Duration `yaml:"sweepInterval"`
	StoragePrefix  string        `yaml:"storagePrefix"`
}

// SessionConfig controls anonymous session tokens.
type SessionConfig struct {
	Secret       string        `yaml:"secret"`
	TTL          time.Duration `yaml:"ttl"`
	CookieName   string        `yaml:"cookieName"`
	CookieSecure bool          `yaml:"cookieSecure"`
}

// SignalStoreConfig selects where per-session reports are kept.
type SignalStoreConfig struct {
	Valkey ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig contains connection information for the session store.
type ValkeyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// CatalogConfig lists the park catalog sources.
type CatalogConfig struct {
	SheetJSONURL    string         `yaml:"sheetJsonUrl"`
	SheetCSVURL     string         `yaml:"sheetCsvUrl"`
	IndoorSheetURL  string         `yaml:"indoorSheetUrl"`
	RefreshInterval time.Duration  `yaml:"refreshInterval"`
	LoadTimeout     time.Duration  `yaml:"loadTimeout"`
	Postgres        PostgresConfig `yaml:"postgres"`
	Snapshot        SnapshotConfig `yaml:"snapshot"`
}

// PostgresConfig contains DSN and pooling settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	MinConns int32  `yaml:"minConns"`
}

// SnapshotConfig stores the last good catalog locally or in R2.
type SnapshotConfig struct {
	File     string   `yaml:"file"`
	SeedFile string   `yaml:"seedFile"`
	R2       R2Config `yaml:"r2"`
}

// R2Config contains the S3-compatible object store settings.
type R2Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Key       string `yaml:"key"`
}

// Enabled reports whether R2 credentials are complete.
func (r R2Config) Enabled() bool {
	return strings.TrimSpace(r.Endpoint) != "" && r.AccessKey != "" && r.SecretKey != "" && r.Bucket != ""
}

// Load reads configuration from .env, a YAML file and environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := hydrateFromFile(cfg, path); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat("configs/config.yaml"); err == nil {
		if err := hydrateFromFile(cfg, "configs/config.yaml"); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func hydrateFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.HTTP.Address, "HTTP_ADDRESS")
	if v := os.Getenv("HTTP_ALLOWED_ORIGINS"); v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	setBool(&cfg.HTTP.RateLimit.Enabled, "HTTP_RATE_LIMIT_ENABLED")
	setInt(&cfg.HTTP.RateLimit.RequestsPerMinute, "HTTP_RATE_LIMIT_RPM")
	setInt(&cfg.HTTP.RateLimit.Burst, "HTTP_RATE_LIMIT_BURST")
	setBool(&cfg.HTTP.Retry.Enabled, "HTTP_RETRY_ENABLED")
	setInt(&cfg.HTTP.Retry.MaxAttempts, "HTTP_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.HTTP.Retry.BaseBackoff, "HTTP_RETRY_BASE_BACKOFF")

	setString(&cfg.CrowdSense.Endpoint, "CROWDSENSE_ENDPOINT")
	setDuration(&cfg.CrowdSense.PollInterval, "CROWDSENSE_POLL_INTERVAL")
	setDuration(&cfg.CrowdSense.RequestTimeout, "CROWDSENSE_REQUEST_TIMEOUT")
	setString(&cfg.CrowdSense.SubmitEncoding, "CROWDSENSE_SUBMIT_ENCODING")
	setBool(&cfg.CrowdSense.Relay.Enabled, "RELAY_ENABLED")
	setString(&cfg.CrowdSense.Relay.ProxyPrefix, "RELAY_PROXY_PREFIX")

	setDuration(&cfg.Reports.SignalTTL, "REPORTS_SIGNAL_TTL")
	setDuration(&cfg.Reports.Cooldown, "REPORTS_COOLDOWN")
	setDuration(&cfg.Reports.SessionIdleTTL, "REPORTS_SESSION_IDLE_TTL")
	setString(&cfg.Reports.StoragePrefix, "REPORTS_STORAGE_PREFIX")

	setString(&cfg.Session.Secret, "SESSION_SECRET")
	setDuration(&cfg.Session.TTL, "SESSION_TTL")
	setBool(&cfg.Session.CookieSecure, "SESSION_COOKIE_SECURE")

	setBool(&cfg.SignalStore.Valkey.Enabled, "VALKEY_ENABLED")
	setString(&cfg.SignalStore.Valkey.Addr, "VALKEY_ADDR")

	setString(&cfg.Catalog.SheetJSONURL, "SHEET_JSON_URL")
	setString(&cfg.Catalog.SheetCSVURL, "SHEET_CSV_URL")
	setString(&cfg.Catalog.IndoorSheetURL, "INDOOR_SHEET_URL")
	setDuration(&cfg.Catalog.RefreshInterval, "CATALOG_REFRESH_INTERVAL")
	setString(&cfg.Catalog.Postgres.DSN, "CATALOG_POSTGRES_DSN")
	if v := os.Getenv("CATALOG_POSTGRES_MAX_CONNS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Catalog.Postgres.MaxConns = int32(parsed)
		}
	}
	setString(&cfg.Catalog.Snapshot.File, "CATALOG_SNAPSHOT_FILE")
	setString(&cfg.Catalog.Snapshot.SeedFile, "CATALOG_SEED_FILE")
	setString(&cfg.Catalog.Snapshot.R2.Endpoint, "R2_ENDPOINT")
	setString(&cfg.Catalog.Snapshot.R2.AccessKey, "R2_ACCESS_KEY")
	setString(&cfg.Catalog.Snapshot.R2.SecretKey, "R2_SECRET_KEY")
	setString(&cfg.Catalog.Snapshot.R2.Bucket, "R2_BUCKET")
	setString(&cfg.Catalog.Snapshot.R2.Region, "R2_REGION")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || strings.EqualFold(v, "true")
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    0,
			StreamKeepAlive: 15 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 30,
				Burst:             10,
			},
			Retry: RetryConfig{
				Enabled:     true,
				MaxAttempts: 2,
				BaseBackoff: 150 * time.Millisecond,
				Exclude: []string{
					"/healthz",
				},
			},
		},
		CrowdSense: CrowdSenseConfig{
			PollInterval:   30 * time.Second,
			RequestTimeout: 10 * time.Second,
			SubmitEncoding: "json",
			Relay: RelayConfig{
				Enabled:     true,
				ProxyPrefix: "https://corsproxy.io/?",
			},
		},
		Reports: ReportsConfig{
			SignalTTL:      15 * time.Minute,
			Cooldown:       10 * time.Second,
			Flash:          600 * time.Millisecond,
			ErrorTTL:       4 * time.Second,
			SessionIdleTTL: 30 * time.Minute,
			SweepInterval:  time.Minute,
			StoragePrefix:  "playgrounded::live",
		},
		Session: SessionConfig{
			TTL:        24 * time.Hour,
			CookieName: "pg_session",
		},
		Catalog: CatalogConfig{
			RefreshInterval: 15 * time.Minute,
			LoadTimeout:     20 * time.Second,
			Postgres: PostgresConfig{
				MaxConns: 4,
			},
			Snapshot: SnapshotConfig{
				SeedFile: "configs/parks.seed.json",
				R2: R2Config{
					Region: "auto",
					Key:    "catalog/parks.json",
				},
			},
		},
	}
}

// Validate ensures the configuration is safe to use.
func (c *Config) Validate() error {
	if c.HTTP.Address == "" {
		return errors.New("http.address cannot be empty")
	}
	if c.HTTP.RateLimit.Enabled {
		if c.HTTP.RateLimit.RequestsPerMinute <= 0 {
			return errors.New("http.rateLimit.requestsPerMinute must be positive")
		}
		if c.HTTP.RateLimit.Burst <= 0 {
			return errors.New("http.rateLimit.burst must be positive")
		}
	}
	if c.HTTP.Retry.Enabled {
		if c.HTTP.Retry.MaxAttempts <= 0 {
			return errors.New("http.retry.maxAttempts must be positive")
		}
		if c.HTTP.Retry.BaseBackoff <= 0 {
			return errors.New("http.retry.baseBackoff must be positive")
		}
	}
	if c.CrowdSense.PollInterval <= 0 {
		return errors.New("crowdSense.pollInterval must be positive")
	}
	switch c.CrowdSense.SubmitEncoding {
	case "json", "form":
	default:
		return fmt.Errorf("crowdSense.submitEncoding must be json or form, got %q", c.CrowdSense.SubmitEncoding)
	}
	if c.Reports.SignalTTL <= 0 || c.Reports.Cooldown <= 0 || c.Reports.Flash <= 0 || c.Reports.ErrorTTL <= 0 {
		return errors.New("reports durations must be positive")
	}
	if c.Reports.SessionIdleTTL < c.Reports.SignalTTL {
		return errors.New("reports.sessionIdleTtl cannot be shorter than reports.signalTtl")
	}
	if strings.TrimSpace(c.Reports.StoragePrefix) == "" {
		return errors.New("reports.storagePrefix cannot be empty")
	}
	if len(c.Session.Secret) < 16 {
		return errors.New("session.secret must be at least 16 characters")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}
	if c.SignalStore.Valkey.Enabled && strings.TrimSpace(c.SignalStore.Valkey.Addr) == "" {
		return errors.New("signalStore.valkey.addr cannot be empty when valkey is enabled")
	}
	if c.Catalog.RefreshInterval <= 0 {
		return errors.New("catalog.refreshInterval must be positive")
	}
	return nil
}
