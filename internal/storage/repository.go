package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"market-sentry/internal/highcache"
	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
	"market-sentry/internal/pushconfig"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertSnapshotSQL = `INSERT INTO price_snapshots (
        symbol,
        granularity,
        price,
        volume_24h,
        price_change_1h,
        price_change_24h,
        high_24h,
        captured_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listSnapshotsBetweenSQL = `SELECT
        symbol,
        granularity,
        price,
        volume_24h,
        price_change_1h,
        price_change_24h,
        high_24h,
        captured_at
    FROM price_snapshots
    WHERE symbol = $1
      AND granularity = $2
      AND captured_at >= $3
      AND captured_at < $4
    ORDER BY captured_at;`

	deleteSnapshotsBeforeSQL = `DELETE FROM price_snapshots WHERE captured_at < $1;`

	listAllSnapshotsSQL = `SELECT
        symbol,
        granularity,
        price,
        volume_24h,
        price_change_1h,
        price_change_24h,
        high_24h,
        captured_at
    FROM price_snapshots
    WHERE granularity = $1
    ORDER BY symbol, captured_at;`

	upsertHighSQL = `INSERT INTO historical_highs (
        symbol,
        timeframe,
        high_value,
        last_updated
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (symbol, timeframe) DO UPDATE
    SET high_value   = EXCLUDED.high_value,
        last_updated = EXCLUDED.last_updated;`

	listHighsSQL = `SELECT symbol, timeframe, high_value, last_updated FROM historical_highs;`

	insertPushConfigSQL = `INSERT INTO push_configs (
        id,
        user_id,
        kind,
        params,
        is_enabled,
        created_at,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	updatePushConfigSQL = `UPDATE push_configs
    SET params = $2, is_enabled = $3, updated_at = $4
    WHERE id = $1;`

	getPushConfigSQL = `SELECT id, user_id, kind, params, is_enabled, created_at, updated_at
    FROM push_configs
    WHERE id = $1;`

	listPushConfigsByUserSQL = `SELECT id, user_id, kind, params, is_enabled, created_at, updated_at
    FROM push_configs
    WHERE user_id = $1
    ORDER BY created_at, id;`

	listEnabledPushConfigsSQL = `SELECT id, user_id, kind, params, is_enabled, created_at, updated_at
    FROM push_configs
    WHERE kind = $1
      AND is_enabled
    ORDER BY created_at, id;`
)

// Store aggregates access to the price-history, high-cache, and push-config tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertSnapshots persists a batch atomically.
func (s *Store) InsertSnapshots(ctx context.Context, snapshots []market.PriceSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(insertSnapshotSQL,
			snap.Symbol,
			snap.Granularity,
			snap.Price.String(),
			snap.Volume24h.String(),
			snap.PriceChange1h.String(),
			snap.PriceChange24h.String(),
			snap.High24h.String(),
			snap.CapturedAt,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range snapshots {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert snapshot: %w", execErr)
		}
	}
	return nil
}

// ListSnapshotsBetween lists one series inside a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, symbol, granularity string, from, to time.Time) ([]market.PriceSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, symbol, granularity, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// ListAllSnapshots lists the retained history of a granularity ordered per series.
func (s *Store) ListAllSnapshots(ctx context.Context, granularity string) ([]market.PriceSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAllSnapshotsSQL, granularity)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots: %w", queryErr)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

// DeleteSnapshotsBefore prunes history past the retention horizon.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, cutoff); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

func scanSnapshots(rows pgx.Rows) ([]market.PriceSnapshot, error) {
	snapshots := make([]market.PriceSnapshot, 0)
	for rows.Next() {
		var (
			snap                                               market.PriceSnapshot
			priceStr, volStr, change1hStr, change24hStr, hiStr string
		)
		if err := rows.Scan(
			&snap.Symbol,
			&snap.Granularity,
			&priceStr,
			&volStr,
			&change1hStr,
			&change24hStr,
			&hiStr,
			&snap.CapturedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if snap.Price, convErr = decimal.NewFromString(priceStr); convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		if snap.Volume24h, convErr = decimal.NewFromString(volStr); convErr != nil {
			return nil, fmt.Errorf("parse volume: %w", convErr)
		}
		if snap.PriceChange1h, convErr = decimal.NewFromString(change1hStr); convErr != nil {
			return nil, fmt.Errorf("parse price change 1h: %w", convErr)
		}
		if snap.PriceChange24h, convErr = decimal.NewFromString(change24hStr); convErr != nil {
			return nil, fmt.Errorf("parse price change 24h: %w", convErr)
		}
		if snap.High24h, convErr = decimal.NewFromString(hiStr); convErr != nil {
			return nil, fmt.Errorf("parse high 24h: %w", convErr)
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// UpsertHighs persists cached highs.
func (s *Store) UpsertHighs(ctx context.Context, highs []market.HistoricalHigh) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, high := range highs {
		batch.Queue(upsertHighSQL, high.Symbol, string(high.Timeframe), high.HighValue.String(), high.LastUpdated)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range highs {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("upsert high: %w", execErr)
		}
	}
	return nil
}

// ListHighs loads every persisted high.
func (s *Store) ListHighs(ctx context.Context) ([]market.HistoricalHigh, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHighsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list highs: %w", queryErr)
	}
	defer rows.Close()

	highs := make([]market.HistoricalHigh, 0)
	for rows.Next() {
		var (
			high     market.HistoricalHigh
			tfStr    string
			valueStr string
		)
		if err := rows.Scan(&high.Symbol, &tfStr, &valueStr, &high.LastUpdated); err != nil {
			return nil, err
		}
		tf, err := market.ParseTimeframe(tfStr)
		if err != nil {
			return nil, err
		}
		high.Timeframe = tf
		if high.HighValue, err = decimal.NewFromString(valueStr); err != nil {
			return nil, fmt.Errorf("parse high value: %w", err)
		}
		highs = append(highs, high)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return highs, nil
}

// paramsDoc is the jsonb shape of the kind-specific push config params.
type paramsDoc struct {
	IntervalMinutes int               `json:"intervalMinutes,omitempty"`
	Timeframes      []string          `json:"timeframes,omitempty"`
	Metric          string            `json:"metric,omitempty"`
	NewEntry        bool              `json:"newEntry,omitempty"`
	MinPriceChange  *decimal.Decimal  `json:"minPriceChange,omitempty"`
	RankShift       int               `json:"rankShift,omitempty"`
	Thresholds      []decimal.Decimal `json:"thresholds,omitempty"`
}

func encodeParams(cfg pushconfig.Config) ([]byte, error) {
	doc := paramsDoc{}
	switch cfg.Kind {
	case pushconfig.KindSchedule:
		doc.IntervalMinutes = cfg.Schedule.IntervalMinutes
		doc.Timeframes = timeframeStrings(cfg.Schedule.Timeframes)
	case pushconfig.KindTrigger:
		doc.Metric = cfg.Trigger.Metric
		doc.NewEntry = cfg.Trigger.NewEntry
		change := cfg.Trigger.MinPriceChange
		doc.MinPriceChange = &change
		doc.RankShift = cfg.Trigger.RankShift
		doc.Timeframes = timeframeStrings(cfg.Trigger.Timeframes)
	case pushconfig.KindBreakthrough:
		doc.Thresholds = cfg.Breakthrough.Thresholds
	default:
		return nil, fmt.Errorf("unknown push kind %q", cfg.Kind)
	}
	return json.Marshal(doc)
}

func decodeParams(cfg *pushconfig.Config, raw []byte) error {
	var doc paramsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode push config params: %w", err)
	}

	switch cfg.Kind {
	case pushconfig.KindSchedule:
		tfs, err := parseTimeframes(doc.Timeframes)
		if err != nil {
			return err
		}
		cfg.Schedule = &pushconfig.ScheduleParams{IntervalMinutes: doc.IntervalMinutes, Timeframes: tfs}
	case pushconfig.KindTrigger:
		tfs, err := parseTimeframes(doc.Timeframes)
		if err != nil {
			return err
		}
		params := &pushconfig.TriggerParams{
			Metric:     doc.Metric,
			NewEntry:   doc.NewEntry,
			RankShift:  doc.RankShift,
			Timeframes: tfs,
		}
		if doc.MinPriceChange != nil {
			params.MinPriceChange = *doc.MinPriceChange
		}
		cfg.Trigger = params
	case pushconfig.KindBreakthrough:
		cfg.Breakthrough = &pushconfig.BreakthroughParams{Thresholds: doc.Thresholds}
	default:
		return fmt.Errorf("unknown push kind %q", cfg.Kind)
	}
	return nil
}

func timeframeStrings(tfs []market.Timeframe) []string {
	out := make([]string, len(tfs))
	for i, tf := range tfs {
		out[i] = string(tf)
	}
	return out
}

func parseTimeframes(tags []string) ([]market.Timeframe, error) {
	out := make([]market.Timeframe, 0, len(tags))
	for _, tag := range tags {
		tf, err := market.ParseTimeframe(tag)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// Insert persists a new push config.
func (s *Store) Insert(ctx context.Context, cfg pushconfig.Config) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	params, err := encodeParams(cfg)
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertPushConfigSQL,
		cfg.ID,
		cfg.UserID,
		string(cfg.Kind),
		params,
		cfg.Enabled,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	); execErr != nil {
		return fmt.Errorf("insert push config: %w", execErr)
	}
	return nil
}

// Update replaces a push config's params and enablement.
func (s *Store) Update(ctx context.Context, cfg pushconfig.Config) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	params, err := encodeParams(cfg)
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, updatePushConfigSQL, cfg.ID, params, cfg.Enabled, cfg.UpdatedAt)
	if execErr != nil {
		return fmt.Errorf("update push config: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pushconfig.ErrNotFound
	}
	return nil
}

// Get loads one push config by id.
func (s *Store) Get(ctx context.Context, id string) (pushconfig.Config, error) {
	pool, err := s.getPool()
	if err != nil {
		return pushconfig.Config{}, err
	}

	row := pool.QueryRow(ctx, getPushConfigSQL, id)
	cfg, scanErr := scanPushConfig(row)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return pushconfig.Config{}, pushconfig.ErrNotFound
	}
	return cfg, scanErr
}

// ListByUser lists a user's push configs.
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]pushconfig.Config, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPushConfigsByUserSQL, userID)
	if queryErr != nil {
		return nil, fmt.Errorf("list push configs by user: %w", queryErr)
	}
	defer rows.Close()

	return scanPushConfigs(rows)
}

// ListEnabled lists enabled push configs of one kind.
func (s *Store) ListEnabled(ctx context.Context, kind pushconfig.Kind) ([]pushconfig.Config, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEnabledPushConfigsSQL, string(kind))
	if queryErr != nil {
		return nil, fmt.Errorf("list enabled push configs: %w", queryErr)
	}
	defer rows.Close()

	return scanPushConfigs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPushConfig(row rowScanner) (pushconfig.Config, error) {
	var (
		cfg     pushconfig.Config
		kindStr string
		params  []byte
	)
	if err := row.Scan(&cfg.ID, &cfg.UserID, &kindStr, &params, &cfg.Enabled, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return pushconfig.Config{}, err
	}
	cfg.Kind = pushconfig.Kind(kindStr)
	if err := decodeParams(&cfg, params); err != nil {
		return pushconfig.Config{}, err
	}
	return cfg, nil
}

func scanPushConfigs(rows pgx.Rows) ([]pushconfig.Config, error) {
	configs := make([]pushconfig.Config, 0)
	for rows.Next() {
		cfg, err := scanPushConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

var (
	_ ledger.SnapshotStore  = (*Store)(nil)
	_ highcache.HighStore   = (*Store)(nil)
	_ pushconfig.Repository = (*Store)(nil)
)
