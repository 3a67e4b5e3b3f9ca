package ranking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
)

// Options tune the engine.
type Options struct {
	// Granularity names the ledger series the rankings read.
	Granularity string
	// Windows overrides a timeframe's lookback. Timeframes absent here fall
	// back to their natural window.
	Windows map[market.Timeframe]time.Duration
}

// Result is one timeframe's outcome inside a multi-timeframe view: either a
// ranking or an explicit error marker, never both.
type Result struct {
	Ranking market.RankingSnapshot
	Err     error
}

// Engine computes top-gainers views from the snapshot ledger.
type Engine struct {
	ledger *ledger.Ledger
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a ranking engine.
func New(l *ledger.Ledger, opts Options, logger zerolog.Logger) *Engine {
	if opts.Granularity == "" {
		opts.Granularity = "price"
	}
	return &Engine{
		ledger: l,
		opts:   opts,
		logger: logger.With().Str("component", "ranking").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Gainers ranks symbols by percent change over one timeframe's window.
func (e *Engine) Gainers(tf market.Timeframe, limit int) (market.RankingSnapshot, error) {
	window, err := e.window(tf)
	if err != nil {
		return market.RankingSnapshot{}, err
	}

	entries, mean := e.ledger.Gainers(e.opts.Granularity, window, limit)
	return market.RankingSnapshot{
		Timeframe:   tf,
		GeneratedAt: e.now(),
		Entries:     entries,
		MeanChange:  mean,
	}, nil
}

// MultiTimeframe computes each timeframe independently and concurrently.
// One timeframe's failure or empty result never hides the others.
func (e *Engine) MultiTimeframe(ctx context.Context, timeframes []market.Timeframe, limit int) map[market.Timeframe]Result {
	results := make(map[market.Timeframe]Result, len(timeframes))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, tf := range timeframes {
		wg.Add(1)
		go func(tf market.Timeframe) {
			defer wg.Done()

			var res Result
			if err := ctx.Err(); err != nil {
				res.Err = err
			} else {
				res.Ranking, res.Err = e.Gainers(tf, limit)
			}
			if res.Err != nil {
				e.logger.Warn().Err(res.Err).Str("timeframe", string(tf)).Msg("ranking unavailable")
			}

			mu.Lock()
			results[tf] = res
			mu.Unlock()
		}(tf)
	}
	wg.Wait()
	return results
}

func (e *Engine) window(tf market.Timeframe) (time.Duration, error) {
	if override, ok := e.opts.Windows[tf]; ok && override > 0 {
		return override, nil
	}
	window, ok := tf.Window()
	if !ok {
		return 0, fmt.Errorf("timeframe %q has no ranking window", tf)
	}
	return window, nil
}
