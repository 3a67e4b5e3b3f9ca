package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
	"market-sentry/internal/ranking"
)

// Show prints the top gainers of one timeframe from retained history.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	tf, err := market.ParseTimeframe(opts.Timeframe)
	if err != nil {
		return err
	}
	if tf == market.TimeframeAll {
		return errors.New("all_time 不支持涨幅排行")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法读取历史快照")
	}
	if closeStore != nil {
		defer closeStore()
	}

	retained, err := store.ListAllSnapshots(ctx, market.GranularityPrice)
	if err != nil {
		return err
	}
	if len(retained) == 0 {
		fmt.Fprintln(os.Stdout, "no snapshots found")
		return nil
	}

	led := ledger.New(ledger.Options{Retention: a.Config.Ledger.Retention}, nil, a.Logger)
	led.Seed(retained)

	engine := ranking.New(led, ranking.Options{Granularity: market.GranularityPrice}, a.Logger)
	snapshot, err := engine.Gainers(tf, opts.Limit)
	if err != nil {
		return err
	}
	if len(snapshot.Entries) == 0 {
		fmt.Fprintf(os.Stdout, "no ranking data for %s\n", tf)
		return nil
	}

	fmt.Fprintf(os.Stdout, "Top gainers (%s), generated %s\n", tf, snapshot.GeneratedAt.UTC().Format(time.RFC3339))

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tSymbol\tChange%")
	for _, entry := range snapshot.Entries {
		fmt.Fprintf(writer, "%d\t%s\t%s\n", entry.Rank, entry.Symbol, entry.PercentChange.StringFixed(2))
	}
	writer.Flush()

	fmt.Fprintf(os.Stdout, "Mean change: %s%%\n", snapshot.MeanChange.StringFixed(2))
	return nil
}
