package app

import (
	"context"
	"errors"
	"time"

	"market-sentry/internal/market"
)

const backfillBatchSize = 500

// Backfill loads historical hourly candles into the snapshot store.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start := opts.From.UTC().Truncate(time.Hour)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	var insert func(context.Context, []market.PriceSnapshot) error
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
		insert = func(context.Context, []market.PriceSnapshot) error { return nil }
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		if closeStore != nil {
			defer closeStore()
		}
		insert = store.InsertSnapshots
	}

	binance := a.newBinance()

	symbols := opts.Symbols
	if len(symbols) == 0 {
		var err error
		symbols, err = binance.ListTradableSymbols(ctx)
		if err != nil {
			return err
		}
	}

	processed := 0
	failed := 0
	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := a.backfillSymbol(ctx, binance, insert, symbol, start, end)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("symbol", symbol).Msg("回填失败")
			continue
		}
		processed += n
	}

	a.Logger.Info().Int("snapshots", processed).Int("failed_symbols", failed).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分 symbol 回填失败，请检查日志")
	}
	return nil
}

func (a *App) backfillSymbol(ctx context.Context, fetcher market.KlineFetcher, insert func(context.Context, []market.PriceSnapshot) error, symbol string, start, end time.Time) (int, error) {
	total := 0
	cursor := start
	for cursor.Before(end) {
		klines, err := fetcher.FetchKlines(ctx, symbol, "1h", cursor, end, backfillBatchSize)
		if err != nil {
			return total, err
		}
		if len(klines) == 0 {
			break
		}

		batch := make([]market.PriceSnapshot, 0, len(klines))
		for _, k := range klines {
			batch = append(batch, market.PriceSnapshot{
				Symbol:      k.Symbol,
				Price:       k.Close,
				Volume24h:   k.Volume,
				High24h:     k.High,
				Granularity: market.GranularityPrice,
				CapturedAt:  k.CloseTime.UTC(),
			})
		}
		if err := insert(ctx, batch); err != nil {
			return total, err
		}
		total += len(batch)

		next := klines[len(klines)-1].CloseTime
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return total, nil
}
