package detector

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentry/internal/highcache"
	"market-sentry/internal/market"
)

var dec100 = decimal.NewFromInt(100)

// Stats carries running emission counts since process start.
type Stats struct {
	Total        uint64
	PerTimeframe map[market.Timeframe]uint64
}

// Detector compares live prices against cached historical highs and emits
// one breakthrough event per breached timeframe.
type Detector struct {
	cache  *highcache.Cache
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	total uint64
	perTF map[market.Timeframe]uint64
}

// New constructs a detector over a high cache.
func New(cache *highcache.Cache, logger zerolog.Logger) *Detector {
	return &Detector{
		cache:  cache,
		logger: logger.With().Str("component", "detector").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		perTF:  make(map[market.Timeframe]uint64),
	}
}

// Check evaluates timeframes from longest to shortest. A breach of a longer
// window never suppresses a shorter one; every breached timeframe yields its
// own event. The cache is advanced once, after all comparisons are taken
// against the pre-update highs, so replaying the same price is a no-op.
func (d *Detector) Check(symbol string, currentPrice decimal.Decimal) []market.BreakthroughEvent {
	now := d.now()
	highs := d.cache.Snapshot(symbol, now)

	var events []market.BreakthroughEvent
	for _, tf := range market.DetectionOrder {
		high, ok := highs[tf]
		if !ok {
			continue
		}
		if !currentPrice.GreaterThan(high.HighValue) {
			continue
		}
		breakPct := currentPrice.Sub(high.HighValue).Div(high.HighValue).Mul(dec100)
		events = append(events, market.BreakthroughEvent{
			Symbol:       symbol,
			Timeframe:    tf,
			OldHigh:      high.HighValue,
			NewHigh:      currentPrice,
			BreakPercent: breakPct,
			DetectedAt:   now,
		})
	}

	d.cache.Update(symbol, currentPrice, now)

	if len(events) > 0 {
		d.record(events)
		d.logger.Debug().
			Str("symbol", symbol).
			Int("events", len(events)).
			Str("price", currentPrice.String()).
			Msg("historical high broken")
	}
	return events
}

func (d *Detector) record(events []market.BreakthroughEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range events {
		d.total++
		d.perTF[ev.Timeframe]++
	}
}

// Stats reports emission counts, overall and per timeframe.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	perTF := make(map[market.Timeframe]uint64, len(d.perTF))
	for tf, n := range d.perTF {
		perTF[tf] = n
	}
	return Stats{Total: d.total, PerTimeframe: perTF}
}
