package ranking

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
)

func seededEngine(now time.Time) *Engine {
	l := ledger.New(ledger.Options{}, nil, zerolog.Nop())
	l.Seed([]market.PriceSnapshot{
		{Symbol: "BTCUSDT", Price: decimal.RequireFromString("65000"), Granularity: market.GranularityPrice, CapturedAt: now.Add(-50 * time.Minute)},
		{Symbol: "BTCUSDT", Price: decimal.RequireFromString("66000"), Granularity: market.GranularityPrice, CapturedAt: now.Add(-time.Minute)},
		{Symbol: "ETHUSDT", Price: decimal.RequireFromString("3300"), Granularity: market.GranularityPrice, CapturedAt: now.Add(-50 * time.Minute)},
		{Symbol: "ETHUSDT", Price: decimal.RequireFromString("3250"), Granularity: market.GranularityPrice, CapturedAt: now.Add(-time.Minute)},
	})

	e := New(l, Options{Granularity: market.GranularityPrice}, zerolog.Nop())
	e.now = func() time.Time { return now }
	return e
}

func TestGainersSingleTimeframe(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e := seededEngine(now)

	snapshot, err := e.Gainers(market.Timeframe1h, 10)
	if err != nil {
		t.Fatalf("Gainers 应成功: %v", err)
	}
	if len(snapshot.Entries) != 2 {
		t.Fatalf("应有 2 个上榜 symbol, 实际 %d", len(snapshot.Entries))
	}
	if snapshot.Entries[0].Symbol != "BTCUSDT" {
		t.Fatalf("涨幅最高者应为 BTCUSDT, 实际 %s", snapshot.Entries[0].Symbol)
	}
	if snapshot.Entries[1].PercentChange.Sign() >= 0 {
		t.Fatalf("ETHUSDT 涨幅应为负, 实际 %s", snapshot.Entries[1].PercentChange)
	}
	if snapshot.Timeframe != market.Timeframe1h || !snapshot.GeneratedAt.Equal(now) {
		t.Fatalf("快照元数据不正确: %#v", snapshot)
	}
}

func TestGainersUnknownWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e := seededEngine(now)

	if _, err := e.Gainers(market.TimeframeAll, 10); err == nil {
		t.Fatal("all_time 没有排行窗口, 应返回错误")
	}
}

func TestMultiTimeframeEmptyWindowStaysExplicit(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// 仅有 1h 内的数据：4h 及更长窗口只含同样两条快照，仍可排行；
	// 用一个空 ledger 验证空结果不会被并发计算吞掉。
	l := ledger.New(ledger.Options{}, nil, zerolog.Nop())
	l.Seed([]market.PriceSnapshot{
		{Symbol: "BTCUSDT", Price: decimal.RequireFromString("65000"), Granularity: market.GranularityPrice, CapturedAt: now.Add(-30 * time.Minute)},
		{Symbol: "BTCUSDT", Price: decimal.RequireFromString("66000"), Granularity: market.GranularityPrice, CapturedAt: now.Add(-time.Minute)},
	})
	e := New(l, Options{Granularity: market.GranularityOpenInterest}, zerolog.Nop())
	e.now = func() time.Time { return now }

	results := e.MultiTimeframe(context.Background(), []market.Timeframe{market.Timeframe1h, market.Timeframe4h}, 10)
	if len(results) != 2 {
		t.Fatalf("每个时间框架都应有结果, 实际 %d", len(results))
	}
	for tf, res := range results {
		if res.Err != nil {
			t.Fatalf("%s 不应报错: %v", tf, res.Err)
		}
		if len(res.Ranking.Entries) != 0 {
			t.Fatalf("%s 粒度不匹配应得到空排行: %#v", tf, res.Ranking.Entries)
		}
	}
}

func TestMultiTimeframeMixedResults(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e := seededEngine(now)

	results := e.MultiTimeframe(context.Background(), []market.Timeframe{market.Timeframe1h, market.TimeframeAll}, 10)

	if res := results[market.Timeframe1h]; res.Err != nil || len(res.Ranking.Entries) != 2 {
		t.Fatalf("1h 结果不正确: err=%v entries=%d", res.Err, len(res.Ranking.Entries))
	}
	// 单个时间框架的失败不影响其他结果。
	if res := results[market.TimeframeAll]; res.Err == nil {
		t.Fatal("all_time 应标记为错误")
	}
}
