package catalog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/yanqian/playgrounded/pkg/errors"
)

// Source loads parks from one upstream.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]Park, error)
}

// Snapshot keeps the last good catalog so a cold start survives upstream
// outages.
type Snapshot interface {
	Load(ctx context.Context) ([]Park, error)
	Save(ctx context.Context, parks []Park) error
}

// Config tunes the catalog cache.
type Config struct {
	RefreshInterval time.Duration
	LoadTimeout     time.Duration
}

// Service answers ranking queries from a cached catalog.
type Service interface {
	Nearby(ctx context.Context, q Query) (Result, error)
	Park(ctx context.Context, id string) (Park, error)
	Refresh(ctx context.Context) error
	Run(ctx context.Context)
}

type service struct {
	cfg      Config
	sources  []Source
	snapshot Snapshot
	logger   *slog.Logger
	group    singleflight.Group

	mu       sync.RWMutex
	bySource map[string][]Park
	parks    []Park
	loaded   bool
}

// NewService constructs the catalog. snapshot may be nil.
func NewService(cfg Config, sources []Source, snapshot Snapshot, logger *slog.Logger) Service {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		cfg:      cfg,
		sources:  sources,
		snapshot: snapshot,
		logger:   logger.With("component", "catalog.service"),
		bySource: make(map[string][]Park),
	}
}

func (s *service) Nearby(ctx context.Context, q Query) (Result, error) {
	parks, err := s.current(ctx)
	if err != nil {
		return Result{}, err
	}
	return Rank(parks, q), nil
}

func (s *service) Park(ctx context.Context, id string) (Park, error) {
	id = strings.TrimSpace(id)
	parks, err := s.current(ctx)
	if err != nil {
		return Park{}, err
	}
	for _, p := range parks {
		if p.ID == id {
			return p, nil
		}
	}
	return Park{}, apperrors.Wrap(apperrors.CodeNotFound, "park not found", nil)
}

// Refresh reloads every source. A failing source keeps its previous parks;
// when nothing has ever loaded the snapshot is used instead.
func (s *service) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

// Run refreshes on the configured interval until ctx ends.
func (s *service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("catalog refresh failed", "error", err)
			}
		}
	}
}

func (s *service) current(ctx context.Context) ([]Park, error) {
	s.mu.RLock()
	loaded, parks := s.loaded, s.parks
	s.mu.RUnlock()
	if loaded {
		return parks, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parks, nil
}

func (s *service) refresh(ctx context.Context) error {
	var (
		errs      []error
		succeeded int
	)
	for _, src := range s.sources {
		loadCtx, cancel := context.WithTimeout(ctx, s.cfg.LoadTimeout)
		parks, err := src.Load(loadCtx)
		cancel()
		if err != nil {
			s.logger.Warn("catalog source failed", "source", src.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		succeeded++
		s.mu.Lock()
		s.bySource[src.Name()] = parks
		s.mu.Unlock()
		s.logger.Info("catalog source loaded", "source", src.Name(), "count", len(parks))
	}

	if succeeded > 0 {
		merged := s.rebuild()
		if s.snapshot != nil {
			if err := s.snapshot.Save(ctx, merged); err != nil {
				s.logger.Warn("catalog snapshot save failed", "error", err)
			}
		}
		return nil
	}

	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	if s.snapshot != nil {
		parks, err := s.snapshot.Load(ctx)
		if err == nil {
			s.mu.Lock()
			s.parks = parks
			s.loaded = true
			s.mu.Unlock()
			s.logger.Warn("catalog served from snapshot", "count", len(parks))
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no catalog sources configured"))
	}
	return apperrors.Wrap(apperrors.CodeUpstream, "park catalog unavailable", errors.Join(errs...))
}

// rebuild merges sources in configuration order; the first source to list a
// (kind, id) wins.
func (s *service) rebuild() []Park {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var merged []Park
	for _, src := range s.sources {
		for _, p := range s.bySource[src.Name()] {
			key := string(p.Kind) + "|" + p.ID
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, p)
		}
	}
	s.parks = merged
	s.loaded = true
	return merged
}
