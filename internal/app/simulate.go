package app

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"market-sentry/internal/dispatcher"
	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
	"market-sentry/internal/pushconfig"
	"market-sentry/internal/ranking"
)

// SimulatePush 使用合成行情为指定用户模拟一次定时推送。
func (a *App) SimulatePush(ctx context.Context, userID int64) error {
	now := time.Now().UTC()

	led := ledger.New(ledger.Options{Retention: a.Config.Ledger.Retention}, nil, a.Logger)
	led.Seed(syntheticSnapshots(now))

	cfgStore := pushconfig.NewStore(pushconfig.NewMemoryRepository())
	_, err := cfgStore.Create(ctx, pushconfig.Config{
		UserID: userID,
		Kind:   pushconfig.KindSchedule,
		Schedule: &pushconfig.ScheduleParams{
			IntervalMinutes: 1,
			Timeframes:      []market.Timeframe{market.Timeframe1h, market.Timeframe24h},
		},
		Enabled: true,
	})
	if err != nil {
		return err
	}

	oiLedger := ledger.New(ledger.Options{Retention: a.Config.Ledger.Retention}, nil, a.Logger)
	engine := ranking.New(led, ranking.Options{Granularity: market.GranularityPrice}, a.Logger)
	disp := dispatcher.New(dispatcher.Options{TopN: a.Config.Push.TopN}, engine, oiLedger, cfgStore, a.newDeliverer(), a.Logger)

	return disp.RunScheduleTick(ctx, now.Add(time.Minute))
}

func syntheticSnapshots(now time.Time) []market.PriceSnapshot {
	series := []struct {
		symbol string
		first  string
		last   string
	}{
		{"BTCUSDT", "65000", "66000"},
		{"ETHUSDT", "3300", "3350"},
		{"SOLUSDT", "155", "148"},
	}

	snapshots := make([]market.PriceSnapshot, 0, len(series)*2)
	for _, s := range series {
		first := decimal.RequireFromString(s.first)
		last := decimal.RequireFromString(s.last)
		snapshots = append(snapshots,
			market.PriceSnapshot{
				Symbol:      s.symbol,
				Price:       first,
				Granularity: market.GranularityPrice,
				CapturedAt:  now.Add(-50 * time.Minute),
			},
			market.PriceSnapshot{
				Symbol:      s.symbol,
				Price:       last,
				Granularity: market.GranularityPrice,
				CapturedAt:  now,
			},
		)
	}
	return snapshots
}
