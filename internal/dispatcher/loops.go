package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"market-sentry/internal/market"
	"market-sentry/internal/pushconfig"
)

// oiSampleSlack bounds how far back the latest open-interest point may lie
// when evaluating a ranking at a point in time.
const oiSampleSlack = 15 * time.Minute

// scheduleTick sends a rankings digest to every enabled schedule config whose
// interval has elapsed. The send timestamp advances only after delivery
// succeeds, so a failed digest is retried on the next eligible tick.
func (d *Dispatcher) scheduleTick(ctx context.Context, now time.Time) error {
	configs, err := d.configs.ListEnabled(ctx, pushconfig.KindSchedule)
	if err != nil {
		return fmt.Errorf("list schedule configs: %w", err)
	}

	for _, cfg := range configs {
		interval := time.Duration(cfg.Schedule.IntervalMinutes) * time.Minute

		d.mu.Lock()
		last, sentBefore := d.lastSent[cfg.ID]
		d.mu.Unlock()
		if sentBefore && now.Sub(last) < interval {
			continue
		}

		results := d.rankings.MultiTimeframe(ctx, cfg.Schedule.Timeframes, d.opts.TopN)
		message := renderDigest(cfg.Schedule.Timeframes, results, now)

		if d.send(ctx, pushconfig.KindSchedule, cfg.UserID, message) {
			d.mu.Lock()
			d.lastSent[cfg.ID] = now
			d.mu.Unlock()
		}
	}
	return nil
}

// triggerTick diffs the current price top-N against each config's previously
// stored set. The stored set is refreshed whether or not a push fired.
func (d *Dispatcher) triggerTick(ctx context.Context, tf market.Timeframe, now time.Time) error {
	configs, err := d.configs.ListEnabled(ctx, pushconfig.KindTrigger)
	if err != nil {
		return fmt.Errorf("list trigger configs: %w", err)
	}
	configs = filterTriggers(configs, pushconfig.MetricPrice, tf)
	if len(configs) == 0 {
		return nil
	}

	snap, err := d.rankings.Gainers(tf, d.opts.TopN)
	if err != nil {
		return fmt.Errorf("rank gainers %s: %w", tf, err)
	}

	ranks := make(map[string]int, len(snap.Entries))
	for _, entry := range snap.Entries {
		ranks[entry.Symbol] = entry.Rank
	}

	for _, cfg := range configs {
		prev, seeded := d.previousTop(cfg.ID, tf)

		var fired []market.RankedSymbol
		if seeded {
			for _, entry := range snap.Entries {
				_, wasPresent := prev[entry.Symbol]
				newEntry := cfg.Trigger.NewEntry && !wasPresent
				overChange := cfg.Trigger.MinPriceChange.Sign() > 0 &&
					entry.PercentChange.GreaterThan(cfg.Trigger.MinPriceChange)
				if newEntry || overChange {
					fired = append(fired, entry)
				}
			}
		}

		// The stored set advances unconditionally; a symbol that stays in
		// the top-N without leaving never refires.
		d.storeTop(cfg.ID, tf, ranks)

		if len(fired) == 0 {
			continue
		}
		d.send(ctx, pushconfig.KindTrigger, cfg.UserID, renderTriggerAlert(tf, fired, now))
	}
	return nil
}

// openInterestTick is the trigger loop keyed on open interest: newly entering
// the top-N fires on the consecutive-tick diff, rank shifts are measured
// against the ranking as of now minus the configured lookback.
func (d *Dispatcher) openInterestTick(ctx context.Context, tf market.Timeframe, now time.Time) error {
	configs, err := d.configs.ListEnabled(ctx, pushconfig.KindTrigger)
	if err != nil {
		return fmt.Errorf("list trigger configs: %w", err)
	}
	configs = filterTriggers(configs, pushconfig.MetricOpenInterest, tf)
	if len(configs) == 0 {
		return nil
	}

	current := d.openInterestRanks(now)

	lookback, _ := tf.Window()
	past := d.openInterestRanks(now.Add(-lookback))

	for _, cfg := range configs {
		prev, seeded := d.previousTop(cfg.ID, tf)

		var lines []string
		if seeded {
			for symbol, rank := range current {
				if _, wasPresent := prev[symbol]; cfg.Trigger.NewEntry && !wasPresent {
					lines = append(lines, fmt.Sprintf("%s 新进开仓量 Top %d（当前第 %d 名）", symbol, d.opts.OITopN, rank))
					continue
				}
				if cfg.Trigger.RankShift > 0 {
					pastRank, had := past[symbol]
					if had && abs(pastRank-rank) > cfg.Trigger.RankShift {
						lines = append(lines, fmt.Sprintf("%s 开仓量排名 %d → %d（%s 内）", symbol, pastRank, rank, tf))
					}
				}
			}
		}

		d.storeTop(cfg.ID, tf, current)

		if len(lines) == 0 {
			continue
		}
		sort.Strings(lines)
		d.send(ctx, pushconfig.KindTrigger, cfg.UserID, renderOIAlert(tf, lines, now))
	}
	return nil
}

// openInterestRanks computes the top-N symbols by open-interest value as of
// a point in time, reading the OI ledger. Ties break lexically.
func (d *Dispatcher) openInterestRanks(at time.Time) map[string]int {
	type oiValue struct {
		symbol string
		value  decimal.Decimal
	}

	symbols := d.oiLedger.Symbols(market.GranularityOpenInterest)
	values := make([]oiValue, 0, len(symbols))
	for _, symbol := range symbols {
		window := d.oiLedger.Window(symbol, market.GranularityOpenInterest, at.Add(-oiSampleSlack), at)
		if len(window) == 0 {
			continue
		}
		values = append(values, oiValue{symbol: symbol, value: window[len(window)-1].Price})
	}

	sort.Slice(values, func(i, j int) bool {
		cmp := values[i].value.Cmp(values[j].value)
		if cmp != 0 {
			return cmp > 0
		}
		return values[i].symbol < values[j].symbol
	})

	if len(values) > d.opts.OITopN {
		values = values[:d.opts.OITopN]
	}
	ranks := make(map[string]int, len(values))
	for i, v := range values {
		ranks[v.symbol] = i + 1
	}
	return ranks
}

// consumeEvents runs the breakthrough loop over the event channel.
func (d *Dispatcher) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.handleBreakthrough(ctx, ev)
		}
	}
}

// handleBreakthrough fires enabled breakthrough configs whose highest
// satisfied threshold has not been notified for this (symbol, timeframe,
// threshold) within the cool-down window. The bucket is recorded only after
// delivery succeeds, so a failed push may retry on the next event rather
// than being silently lost.
func (d *Dispatcher) handleBreakthrough(ctx context.Context, ev market.BreakthroughEvent) {
	configs, err := d.configs.ListEnabled(ctx, pushconfig.KindBreakthrough)
	if err != nil {
		d.logger.Error().Err(err).Msg("list breakthrough configs")
		return
	}

	for _, cfg := range configs {
		threshold, ok := highestSatisfied(cfg.Breakthrough.Thresholds, ev.BreakPercent)
		if !ok {
			continue
		}

		bucket := breakthroughBucket(cfg.ID, ev.Symbol, ev.Timeframe, threshold.String())
		if _, alreadyNotified := d.notified.Get(bucket); alreadyNotified {
			continue
		}

		if d.send(ctx, pushconfig.KindBreakthrough, cfg.UserID, renderBreakthrough(ev, threshold)) {
			d.notified.SetDefault(bucket, ev.DetectedAt)
		}
	}
}

// highestSatisfied returns the largest threshold the break percent meets or
// exceeds. Thresholds are validated ascending.
func highestSatisfied(thresholds []decimal.Decimal, breakPct decimal.Decimal) (decimal.Decimal, bool) {
	for i := len(thresholds) - 1; i >= 0; i-- {
		if breakPct.GreaterThanOrEqual(thresholds[i]) {
			return thresholds[i], true
		}
	}
	return decimal.Decimal{}, false
}

func filterTriggers(configs []pushconfig.Config, metric string, tf market.Timeframe) []pushconfig.Config {
	out := configs[:0]
	for _, cfg := range configs {
		if cfg.Trigger == nil || cfg.Trigger.Metric != metric {
			continue
		}
		for _, want := range cfg.Trigger.Timeframes {
			if want == tf {
				out = append(out, cfg)
				break
			}
		}
	}
	return out
}

func (d *Dispatcher) previousTop(configID string, tf market.Timeframe) (map[string]int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byTF, ok := d.lastTop[configID]
	if !ok {
		return nil, false
	}
	prev, ok := byTF[tf]
	return prev, ok
}

func (d *Dispatcher) storeTop(configID string, tf market.Timeframe, ranks map[string]int) {
	copied := make(map[string]int, len(ranks))
	for symbol, rank := range ranks {
		copied[symbol] = rank
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	byTF, ok := d.lastTop[configID]
	if !ok {
		byTF = make(map[market.Timeframe]map[string]int)
		d.lastTop[configID] = byTF
	}
	byTF[tf] = copied
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
