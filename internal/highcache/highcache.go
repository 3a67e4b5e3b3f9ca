package highcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentry/internal/market"
)

// HighStore persists cached highs across restarts. Optional.
type HighStore interface {
	UpsertHighs(ctx context.Context, highs []market.HistoricalHigh) error
	ListHighs(ctx context.Context) ([]market.HistoricalHigh, error)
}

// Options tune the cache.
type Options struct {
	// Timeframes to maintain windowed maxima for. all_time is always kept.
	Timeframes []market.Timeframe
	// CheckpointInterval is the cadence of background persistence flushes.
	CheckpointInterval time.Duration
}

// Stats summarises cache occupancy.
type Stats struct {
	CacheSize   int
	SymbolCount int
	Timeframes  []market.Timeframe
}

// Cache maintains per-symbol per-timeframe rolling maxima. Short timeframes
// use a monotonic deque so the reported high falls once its extreme ages out
// of the window; all_time never shrinks.
type Cache struct {
	opts   Options
	store  HighStore
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*symbolHighs

	flushCancel context.CancelFunc
	flushDone   chan struct{}
	stopOnce    sync.Once
}

type symbolHighs struct {
	mu      sync.Mutex
	windows map[market.Timeframe]*slidingMax
	allTime market.HistoricalHigh
	hasAll  bool
}

type candidate struct {
	ts    time.Time
	price decimal.Decimal
}

// slidingMax keeps window maxima candidates in decreasing price order.
type slidingMax struct {
	window time.Duration
	deque  []candidate
	last   time.Time
}

func (m *slidingMax) push(price decimal.Decimal, now time.Time) {
	m.evict(now)
	for len(m.deque) > 0 && m.deque[len(m.deque)-1].price.LessThanOrEqual(price) {
		m.deque = m.deque[:len(m.deque)-1]
	}
	m.deque = append(m.deque, candidate{ts: now, price: price})
	m.last = now
}

func (m *slidingMax) evict(now time.Time) {
	cutoff := now.Add(-m.window)
	for len(m.deque) > 0 && !m.deque[0].ts.After(cutoff) {
		m.deque = m.deque[1:]
	}
}

func (m *slidingMax) max(now time.Time) (decimal.Decimal, bool) {
	m.evict(now)
	if len(m.deque) == 0 {
		return decimal.Decimal{}, false
	}
	return m.deque[0].price, true
}

// New constructs the cache.
func New(opts Options, store HighStore, logger zerolog.Logger) *Cache {
	if len(opts.Timeframes) == 0 {
		opts.Timeframes = market.WindowedTimeframes
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 5 * time.Minute
	}
	return &Cache{
		opts:    opts,
		store:   store,
		logger:  logger.With().Str("component", "high_cache").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*symbolHighs),
	}
}

// Initialize rebuilds the cache: persisted all_time highs are restored, then
// the retained ledger history is replayed in capture order. Safe to re-run.
func (c *Cache) Initialize(ctx context.Context, replay func(fn func(market.PriceSnapshot))) error {
	c.mu.Lock()
	c.entries = make(map[string]*symbolHighs)
	c.mu.Unlock()

	if c.store != nil {
		persisted, err := c.store.ListHighs(ctx)
		if err != nil {
			return fmt.Errorf("load persisted highs: %w", err)
		}
		for _, high := range persisted {
			if high.Timeframe != market.TimeframeAll {
				// Windowed maxima cannot be restored from a single value; they
				// are rebuilt from the retained history below.
				continue
			}
			entry := c.getOrCreate(high.Symbol)
			entry.mu.Lock()
			entry.allTime = high
			entry.hasAll = true
			entry.mu.Unlock()
		}
		c.logger.Info().Int("restored", len(persisted)).Msg("persisted highs loaded")
	}

	if replay != nil {
		replay(func(snap market.PriceSnapshot) {
			c.Update(snap.Symbol, snap.Price, snap.CapturedAt)
		})
	}

	stats := c.Stats()
	c.logger.Info().
		Int("symbols", stats.SymbolCount).
		Int("cache_size", stats.CacheSize).
		Msg("historical high cache initialized")
	return nil
}

// Update records a price observation against every timeframe whose current
// window it falls into.
func (c *Cache) Update(symbol string, price decimal.Decimal, now time.Time) {
	entry := c.getOrCreate(symbol)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	for _, tf := range c.opts.Timeframes {
		window, ok := tf.Window()
		if !ok {
			continue
		}
		sm, exists := entry.windows[tf]
		if !exists {
			sm = &slidingMax{window: window}
			entry.windows[tf] = sm
		}
		if now.Before(sm.last) {
			// Ledger ordering makes this unreachable per series; guard anyway
			// because Update is also fed by live checks.
			continue
		}
		sm.push(price, now)
	}

	if !entry.hasAll || price.GreaterThan(entry.allTime.HighValue) {
		entry.allTime = market.HistoricalHigh{
			Symbol:      symbol,
			Timeframe:   market.TimeframeAll,
			HighValue:   price,
			LastUpdated: now,
		}
		entry.hasAll = true
	} else {
		entry.allTime.LastUpdated = now
	}
}

// High returns the rolling maximum of one symbol within one timeframe,
// evaluated at now. The second return is false when no observation is cached.
func (c *Cache) High(symbol string, tf market.Timeframe, now time.Time) (market.HistoricalHigh, bool) {
	c.mu.Lock()
	entry, ok := c.entries[symbol]
	c.mu.Unlock()
	if !ok {
		return market.HistoricalHigh{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if tf == market.TimeframeAll {
		if !entry.hasAll {
			return market.HistoricalHigh{}, false
		}
		return entry.allTime, true
	}

	sm, ok := entry.windows[tf]
	if !ok {
		return market.HistoricalHigh{}, false
	}
	value, ok := sm.max(now)
	if !ok {
		return market.HistoricalHigh{}, false
	}
	return market.HistoricalHigh{
		Symbol:      symbol,
		Timeframe:   tf,
		HighValue:   value,
		LastUpdated: sm.last,
	}, true
}

// Snapshot returns every cached high of a symbol evaluated at now.
func (c *Cache) Snapshot(symbol string, now time.Time) map[market.Timeframe]market.HistoricalHigh {
	highs := make(map[market.Timeframe]market.HistoricalHigh)
	for _, tf := range market.DetectionOrder {
		if high, ok := c.High(symbol, tf, now); ok {
			highs[tf] = high
		}
	}
	return highs
}

// Stats reports cache occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := make([]*symbolHighs, 0, len(c.entries))
	for _, entry := range c.entries {
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	size := 0
	for _, entry := range entries {
		entry.mu.Lock()
		size += len(entry.windows)
		if entry.hasAll {
			size++
		}
		entry.mu.Unlock()
	}

	tfs := append([]market.Timeframe(nil), c.opts.Timeframes...)
	tfs = append(tfs, market.TimeframeAll)
	return Stats{CacheSize: size, SymbolCount: len(entries), Timeframes: tfs}
}

// Flush persists the current highs.
func (c *Cache) Flush(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	now := c.now()
	c.mu.Lock()
	symbols := make([]string, 0, len(c.entries))
	for symbol := range c.entries {
		symbols = append(symbols, symbol)
	}
	c.mu.Unlock()

	highs := make([]market.HistoricalHigh, 0, len(symbols)*(len(c.opts.Timeframes)+1))
	for _, symbol := range symbols {
		for _, high := range c.Snapshot(symbol, now) {
			highs = append(highs, high)
		}
	}
	if len(highs) == 0 {
		return nil
	}
	if err := c.store.UpsertHighs(ctx, highs); err != nil {
		return fmt.Errorf("checkpoint highs: %w", err)
	}
	return nil
}

// StartCheckpoint launches the background persistence flush loop.
func (c *Cache) StartCheckpoint(ctx context.Context) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.flushCancel = cancel
	c.flushDone = make(chan struct{})

	go func() {
		defer close(c.flushDone)
		ticker := time.NewTicker(c.opts.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Flush(ctx); err != nil {
					c.logger.Error().Err(err).Msg("high cache checkpoint failed")
				}
			}
		}
	}()
}

// Stop halts background work and waits for in-flight flushes.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		if c.flushCancel != nil {
			c.flushCancel()
			<-c.flushDone
		}
	})
}

func (c *Cache) getOrCreate(symbol string) *symbolHighs {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[symbol]; ok {
		return entry
	}
	entry := &symbolHighs{windows: make(map[market.Timeframe]*slidingMax)}
	c.entries[symbol] = entry
	return entry
}
