package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentry/internal/detector"
	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
	"market-sentry/internal/scheduler"
)

// EventSink receives breakthrough events for dispatch.
type EventSink interface {
	Publish(ev market.BreakthroughEvent)
}

// Options tune the collector cadences.
type Options struct {
	PriceInterval         time.Duration
	OpenInterestInterval  time.Duration
	SymbolRefreshInterval time.Duration
	FetchConcurrency      int
}

func (o *Options) applyDefaults() {
	if o.PriceInterval <= 0 {
		o.PriceInterval = time.Minute
	}
	if o.OpenInterestInterval <= 0 {
		o.OpenInterestInterval = 3 * time.Minute
	}
	if o.SymbolRefreshInterval <= 0 {
		o.SymbolRefreshInterval = 10 * time.Minute
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 8
	}
}

// Collector samples the upstream market data into the ledgers and runs the
// breakthrough detector over every fresh price.
type Collector struct {
	opts        Options
	prices      market.PriceFetcher
	oi          market.OpenInterestFetcher
	lister      market.SymbolLister
	priceLedger *ledger.Ledger
	oiLedger    *ledger.Ledger
	detector    *detector.Detector
	sink        EventSink
	logger      zerolog.Logger

	mu      sync.RWMutex
	symbols []string

	group *scheduler.Group
}

// NewCollector constructs the sampling service.
func NewCollector(opts Options, prices market.PriceFetcher, oi market.OpenInterestFetcher, lister market.SymbolLister, priceLedger, oiLedger *ledger.Ledger, det *detector.Detector, sink EventSink, logger zerolog.Logger) *Collector {
	opts.applyDefaults()
	return &Collector{
		opts:        opts,
		prices:      prices,
		oi:          oi,
		lister:      lister,
		priceLedger: priceLedger,
		oiLedger:    oiLedger,
		detector:    det,
		sink:        sink,
		logger:      logger.With().Str("component", "collector").Logger(),
	}
}

// Start resolves the symbol set and launches the sampling loops.
func (c *Collector) Start(ctx context.Context) {
	if err := c.refreshSymbols(ctx); err != nil {
		c.logger.Error().Err(err).Msg("initial symbol refresh failed; retrying on cadence")
	}

	c.group = scheduler.NewGroup(c.logger)
	c.group.Add(scheduler.Options{Name: "price_sample", Interval: c.opts.PriceInterval, AlignToBucket: true}, c.priceTick)
	c.group.Add(scheduler.Options{Name: "oi_sample", Interval: c.opts.OpenInterestInterval, AlignToBucket: true}, c.openInterestTick)
	c.group.Add(scheduler.Options{Name: "symbol_refresh", Interval: c.opts.SymbolRefreshInterval}, func(ctx context.Context, _ time.Time) error {
		return c.refreshSymbols(ctx)
	})
	c.group.Start(ctx)
}

// Stop cancels the loops and waits for in-flight ticks.
func (c *Collector) Stop() {
	if c.group != nil {
		c.group.Stop()
	}
}

func (c *Collector) refreshSymbols(ctx context.Context) error {
	symbols, err := c.lister.ListTradableSymbols(ctx)
	if err != nil {
		return err
	}
	sort.Strings(symbols)
	c.mu.Lock()
	c.symbols = symbols
	c.mu.Unlock()
	c.logger.Info().Int("count", len(symbols)).Msg("tracked symbols refreshed")
	return nil
}

func (c *Collector) trackedSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.symbols...)
}

// priceTick fans out 24h-stats fetches with bounded concurrency, appends the
// batch, and checks every fresh price for breakthroughs. One symbol's fetch
// error never aborts the batch.
func (c *Collector) priceTick(ctx context.Context, now time.Time) error {
	symbols := c.trackedSymbols()
	if len(symbols) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		batch  []market.PriceSnapshot
		failed int
	)
	sem := make(chan struct{}, c.opts.FetchConcurrency)
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			stats, err := c.prices.FetchDayStats(ctx, symbol)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				c.logger.Debug().Err(err).Str("symbol", symbol).Msg("price fetch skipped this tick")
				return
			}

			snap := market.PriceSnapshot{
				Symbol:         symbol,
				Price:          stats.LastPrice,
				Volume24h:      stats.QuoteVolume,
				PriceChange1h:  c.hourChange(symbol, stats.LastPrice, now),
				PriceChange24h: stats.PriceChangePct,
				High24h:        stats.HighPrice,
				Granularity:    market.GranularityPrice,
				CapturedAt:     now,
			}
			if err := snap.Validate(); err != nil {
				c.logger.Warn().Err(err).Str("symbol", symbol).Msg("invalid snapshot dropped")
				return
			}
			mu.Lock()
			batch = append(batch, snap)
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	if failed > 0 {
		c.logger.Warn().Int("failed", failed).Int("fetched", len(batch)).Msg("partial price tick")
	}
	if len(batch) == 0 {
		return nil
	}

	if err := c.priceLedger.Store(ctx, batch); err != nil {
		return err
	}

	for _, snap := range batch {
		for _, ev := range c.detector.Check(snap.Symbol, snap.Price) {
			if c.sink != nil {
				c.sink.Publish(ev)
			}
		}
	}
	return nil
}

// hourChange derives the 1h percent change from the retained ledger history.
// Zero when the history does not reach back an hour yet.
func (c *Collector) hourChange(symbol string, price decimal.Decimal, now time.Time) decimal.Decimal {
	window := c.priceLedger.Window(symbol, market.GranularityPrice, now.Add(-65*time.Minute), now.Add(-55*time.Minute))
	if len(window) == 0 {
		return decimal.Zero
	}
	base := window[len(window)-1].Price
	if base.Sign() <= 0 {
		return decimal.Zero
	}
	return price.Sub(base).Div(base).Mul(decimal.NewFromInt(100))
}

// openInterestTick samples current open interest into the OI ledger.
func (c *Collector) openInterestTick(ctx context.Context, now time.Time) error {
	symbols := c.trackedSymbols()
	if len(symbols) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		batch  []market.PriceSnapshot
		failed int
	)
	sem := make(chan struct{}, c.opts.FetchConcurrency)
	var wg sync.WaitGroup

	for _, symbol := range symbols {
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-sem }()

			value, err := c.oi.FetchOpenInterest(ctx, symbol)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			if value.Sign() <= 0 {
				return
			}
			mu.Lock()
			batch = append(batch, market.PriceSnapshot{
				Symbol:      symbol,
				Price:       value,
				Granularity: market.GranularityOpenInterest,
				CapturedAt:  now,
			})
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	if failed > 0 {
		c.logger.Warn().Int("failed", failed).Int("fetched", len(batch)).Msg("partial open interest tick")
	}
	if len(batch) == 0 {
		return nil
	}
	return c.oiLedger.Store(ctx, batch)
}
