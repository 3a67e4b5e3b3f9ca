package pushconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"market-sentry/internal/market"
)

// Kind discriminates the three alert semantics.
type Kind string

const (
	KindSchedule     Kind = "schedule"
	KindTrigger      Kind = "trigger"
	KindBreakthrough Kind = "breakthrough"
)

// Metric names the series a trigger config watches.
const (
	MetricPrice        = "price"
	MetricOpenInterest = "open_interest"
)

var (
	// ErrNotFound indicates the config id is unknown.
	ErrNotFound = errors.New("pushconfig: config not found")
)

// ScheduleParams configure a periodic digest.
type ScheduleParams struct {
	IntervalMinutes int
	Timeframes      []market.Timeframe
}

// TriggerParams configure a condition-crossing alert over top-N rankings.
type TriggerParams struct {
	Metric         string
	NewEntry       bool
	MinPriceChange decimal.Decimal
	RankShift      int
	Timeframes     []market.Timeframe
}

// BreakthroughParams configure new-historical-high alerts.
type BreakthroughParams struct {
	// Thresholds are break percentages, ascending.
	Thresholds []decimal.Decimal
}

// Config is one user's push configuration. Exactly one params case is set,
// matching Kind.
type Config struct {
	ID           string
	UserID       int64
	Kind         Kind
	Schedule     *ScheduleParams
	Trigger      *TriggerParams
	Breakthrough *BreakthroughParams
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the kind-specific schema.
func (c Config) Validate() error {
	if c.UserID == 0 {
		return errors.New("userId is required")
	}
	switch c.Kind {
	case KindSchedule:
		if c.Schedule == nil || c.Trigger != nil || c.Breakthrough != nil {
			return errors.New("schedule config must carry exactly schedule params")
		}
		return c.Schedule.validate()
	case KindTrigger:
		if c.Trigger == nil || c.Schedule != nil || c.Breakthrough != nil {
			return errors.New("trigger config must carry exactly trigger params")
		}
		return c.Trigger.validate()
	case KindBreakthrough:
		if c.Breakthrough == nil || c.Schedule != nil || c.Trigger != nil {
			return errors.New("breakthrough config must carry exactly breakthrough params")
		}
		return c.Breakthrough.validate()
	default:
		return fmt.Errorf("unknown push kind %q", c.Kind)
	}
}

func (p *ScheduleParams) validate() error {
	if p.IntervalMinutes <= 0 {
		return fmt.Errorf("intervalMinutes must be positive, got %d", p.IntervalMinutes)
	}
	return validateTimeframes(p.Timeframes)
}

func (p *TriggerParams) validate() error {
	switch p.Metric {
	case MetricPrice, MetricOpenInterest:
	case "":
		p.Metric = MetricPrice
	default:
		return fmt.Errorf("unknown trigger metric %q", p.Metric)
	}
	if p.MinPriceChange.Sign() < 0 {
		return fmt.Errorf("minPriceChange cannot be negative, got %s", p.MinPriceChange)
	}
	if p.RankShift < 0 {
		return fmt.Errorf("rankShift cannot be negative, got %d", p.RankShift)
	}
	return validateTimeframes(p.Timeframes)
}

func (p *BreakthroughParams) validate() error {
	if len(p.Thresholds) == 0 {
		return errors.New("thresholds must not be empty")
	}
	for i, threshold := range p.Thresholds {
		if threshold.Sign() <= 0 {
			return fmt.Errorf("thresholds[%d] must be positive, got %s", i, threshold)
		}
		if i > 0 && !p.Thresholds[i].GreaterThan(p.Thresholds[i-1]) {
			return fmt.Errorf("thresholds must be strictly ascending, got %s after %s", threshold, p.Thresholds[i-1])
		}
	}
	return nil
}

func validateTimeframes(tfs []market.Timeframe) error {
	if len(tfs) == 0 {
		return errors.New("timeframes must not be empty")
	}
	for _, tf := range tfs {
		if _, err := market.ParseTimeframe(string(tf)); err != nil {
			return err
		}
	}
	return nil
}

// Patch is a merge-patch for Update; nil fields stay unchanged.
type Patch struct {
	Enabled      *bool
	Schedule     *SchedulePatch
	Trigger      *TriggerPatch
	Breakthrough *BreakthroughPatch
}

// SchedulePatch partially updates schedule params.
type SchedulePatch struct {
	IntervalMinutes *int
	Timeframes      []market.Timeframe
}

// TriggerPatch partially updates trigger params.
type TriggerPatch struct {
	NewEntry       *bool
	MinPriceChange *decimal.Decimal
	RankShift      *int
	Timeframes     []market.Timeframe
}

// BreakthroughPatch partially updates breakthrough params.
type BreakthroughPatch struct {
	Thresholds []decimal.Decimal
}

// Repository persists push configs.
type Repository interface {
	Insert(ctx context.Context, cfg Config) error
	Update(ctx context.Context, cfg Config) error
	Get(ctx context.Context, id string) (Config, error)
	ListByUser(ctx context.Context, userID int64) ([]Config, error)
	ListEnabled(ctx context.Context, kind Kind) ([]Config, error)
}

// Store validates and persists user push configurations.
type Store struct {
	repo Repository
	now  func() time.Time
}

// NewStore wires a repository into a Store.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Create validates the config against its kind's schema before persisting;
// an invalid config is rejected with nothing written.
func (s *Store) Create(ctx context.Context, cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate push config: %w", err)
	}

	cfg.ID = uuid.NewString()
	cfg.CreatedAt = s.now()
	cfg.UpdatedAt = cfg.CreatedAt

	if err := s.repo.Insert(ctx, cfg); err != nil {
		return Config{}, fmt.Errorf("persist push config: %w", err)
	}
	return cfg, nil
}

// Update applies a merge-patch: unspecified fields stay unchanged. The merged
// config is re-validated before persisting.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (Config, error) {
	cfg, err := s.repo.Get(ctx, id)
	if err != nil {
		return Config{}, err
	}

	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
	if patch.Schedule != nil && cfg.Schedule != nil {
		if patch.Schedule.IntervalMinutes != nil {
			cfg.Schedule.IntervalMinutes = *patch.Schedule.IntervalMinutes
		}
		if patch.Schedule.Timeframes != nil {
			cfg.Schedule.Timeframes = patch.Schedule.Timeframes
		}
	}
	if patch.Trigger != nil && cfg.Trigger != nil {
		if patch.Trigger.NewEntry != nil {
			cfg.Trigger.NewEntry = *patch.Trigger.NewEntry
		}
		if patch.Trigger.MinPriceChange != nil {
			cfg.Trigger.MinPriceChange = *patch.Trigger.MinPriceChange
		}
		if patch.Trigger.RankShift != nil {
			cfg.Trigger.RankShift = *patch.Trigger.RankShift
		}
		if patch.Trigger.Timeframes != nil {
			cfg.Trigger.Timeframes = patch.Trigger.Timeframes
		}
	}
	if patch.Breakthrough != nil && cfg.Breakthrough != nil {
		if patch.Breakthrough.Thresholds != nil {
			cfg.Breakthrough.Thresholds = patch.Breakthrough.Thresholds
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate patched config: %w", err)
	}
	cfg.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, cfg); err != nil {
		return Config{}, fmt.Errorf("persist patched config: %w", err)
	}
	return cfg, nil
}

// ListByUser returns every config a user holds, enabled or not.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]Config, error) {
	return s.repo.ListByUser(ctx, userID)
}

// ListEnabled returns the enabled configs of one kind across all users.
func (s *Store) ListEnabled(ctx context.Context, kind Kind) ([]Config, error) {
	return s.repo.ListEnabled(ctx, kind)
}
