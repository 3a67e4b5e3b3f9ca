package pushconfig

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"market-sentry/internal/market"
)

// MemoryRepository is an in-memory Repository for tests and DSN-less runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{configs: make(map[string]Config)}
}

// Insert stores a new config.
func (r *MemoryRepository) Insert(ctx context.Context, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cloneConfig(cfg)
	return nil
}

// Update replaces an existing config.
func (r *MemoryRepository) Update(ctx context.Context, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[cfg.ID]; !ok {
		return ErrNotFound
	}
	r.configs[cfg.ID] = cloneConfig(cfg)
	return nil
}

// Get loads one config by id.
func (r *MemoryRepository) Get(ctx context.Context, id string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return Config{}, ErrNotFound
	}
	return cloneConfig(cfg), nil
}

// ListByUser returns a user's configs ordered by creation time.
func (r *MemoryRepository) ListByUser(ctx context.Context, userID int64) ([]Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Config
	for _, cfg := range r.configs {
		if cfg.UserID == userID {
			out = append(out, cloneConfig(cfg))
		}
	}
	sortConfigs(out)
	return out, nil
}

// ListEnabled returns enabled configs of one kind across users.
func (r *MemoryRepository) ListEnabled(ctx context.Context, kind Kind) ([]Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Config
	for _, cfg := range r.configs {
		if cfg.Kind == kind && cfg.Enabled {
			out = append(out, cloneConfig(cfg))
		}
	}
	sortConfigs(out)
	return out, nil
}

func sortConfigs(configs []Config) {
	sort.Slice(configs, func(i, j int) bool {
		if !configs[i].CreatedAt.Equal(configs[j].CreatedAt) {
			return configs[i].CreatedAt.Before(configs[j].CreatedAt)
		}
		return configs[i].ID < configs[j].ID
	})
}

func cloneConfig(cfg Config) Config {
	if cfg.Schedule != nil {
		params := *cfg.Schedule
		params.Timeframes = append([]market.Timeframe(nil), cfg.Schedule.Timeframes...)
		cfg.Schedule = &params
	}
	if cfg.Trigger != nil {
		params := *cfg.Trigger
		params.Timeframes = append([]market.Timeframe(nil), cfg.Trigger.Timeframes...)
		cfg.Trigger = &params
	}
	if cfg.Breakthrough != nil {
		params := *cfg.Breakthrough
		params.Thresholds = append([]decimal.Decimal(nil), cfg.Breakthrough.Thresholds...)
		cfg.Breakthrough = &params
	}
	return cfg
}

var _ Repository = (*MemoryRepository)(nil)
