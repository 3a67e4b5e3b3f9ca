package highcache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentry/internal/market"
)

func testCache() *Cache {
	return New(Options{}, nil, zerolog.Nop())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestWindowedHighFallsAfterEviction(t *testing.T) {
	c := testCache()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	c.Update("BTCUSDT", dec("66000"), base)
	c.Update("BTCUSDT", dec("65000"), base.Add(30*time.Minute))

	high, ok := c.High("BTCUSDT", market.Timeframe1h, base.Add(30*time.Minute))
	if !ok || !high.HighValue.Equal(dec("66000")) {
		t.Fatalf("窗口内最高价应为 66000, 实际 %v %v", high.HighValue, ok)
	}

	// 峰值滑出 1h 窗口后，高点应回落到剩余观测的最大值。
	high, ok = c.High("BTCUSDT", market.Timeframe1h, base.Add(70*time.Minute))
	if !ok || !high.HighValue.Equal(dec("65000")) {
		t.Fatalf("峰值过期后高点应回落为 65000, 实际 %v %v", high.HighValue, ok)
	}
}

func TestWindowedHighMatchesTrueMax(t *testing.T) {
	c := testCache()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	prices := []string{"100", "103", "101", "108", "102", "99", "105", "104"}
	for i, p := range prices {
		c.Update("ETHUSDT", dec(p), base.Add(time.Duration(i)*10*time.Minute))
	}

	// 最后一次观测之后的任意评估时刻，滑窗最大值必须等于窗口内观测的真实最大值。
	for step := 7; step <= 16; step++ {
		at := base.Add(time.Duration(step) * 10 * time.Minute)
		window, _ := market.Timeframe1h.Window()
		cutoff := at.Add(-window)

		want := decimal.Decimal{}
		found := false
		for i, p := range prices {
			ts := base.Add(time.Duration(i) * 10 * time.Minute)
			if ts.After(at) || !ts.After(cutoff) {
				continue
			}
			if !found || dec(p).GreaterThan(want) {
				want = dec(p)
				found = true
			}
		}

		got, ok := c.High("ETHUSDT", market.Timeframe1h, at)
		if ok != found {
			t.Fatalf("t=%s 存在性不一致: got %v want %v", at, ok, found)
		}
		if found && !got.HighValue.Equal(want) {
			t.Fatalf("t=%s 高点应为 %s, 实际 %s", at, want, got.HighValue)
		}
	}
}

func TestAllTimeHighNeverShrinks(t *testing.T) {
	c := testCache()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	c.Update("BTCUSDT", dec("66000"), base)
	c.Update("BTCUSDT", dec("60000"), base.Add(48*time.Hour))

	high, ok := c.High("BTCUSDT", market.TimeframeAll, base.Add(48*time.Hour))
	if !ok || !high.HighValue.Equal(dec("66000")) {
		t.Fatalf("all_time 高点永不回落, 实际 %v %v", high.HighValue, ok)
	}
}

func TestHighUnknownSymbol(t *testing.T) {
	c := testCache()
	if _, ok := c.High("NOPEUSDT", market.Timeframe24h, time.Now()); ok {
		t.Fatal("未知 symbol 不应返回高点")
	}
}

func TestInitializeRebuildsFromReplay(t *testing.T) {
	c := testCache()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	replay := func(fn func(market.PriceSnapshot)) {
		fn(market.PriceSnapshot{Symbol: "BTCUSDT", Price: dec("64000"), Granularity: market.GranularityPrice, CapturedAt: base})
		fn(market.PriceSnapshot{Symbol: "BTCUSDT", Price: dec("65500"), Granularity: market.GranularityPrice, CapturedAt: base.Add(time.Hour)})
	}
	if err := c.Initialize(context.Background(), replay); err != nil {
		t.Fatalf("Initialize 应成功: %v", err)
	}

	high, ok := c.High("BTCUSDT", market.Timeframe24h, base.Add(time.Hour))
	if !ok || !high.HighValue.Equal(dec("65500")) {
		t.Fatalf("重放后 24h 高点应为 65500, 实际 %v %v", high.HighValue, ok)
	}

	// 再次初始化应得到同样的结果。
	if err := c.Initialize(context.Background(), replay); err != nil {
		t.Fatalf("重复 Initialize 应成功: %v", err)
	}
	high, ok = c.High("BTCUSDT", market.Timeframe24h, base.Add(time.Hour))
	if !ok || !high.HighValue.Equal(dec("65500")) {
		t.Fatalf("重复初始化后高点应不变, 实际 %v %v", high.HighValue, ok)
	}
}

func TestStatsCountsEntries(t *testing.T) {
	c := testCache()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	c.Update("BTCUSDT", dec("66000"), base)
	c.Update("ETHUSDT", dec("3300"), base)

	stats := c.Stats()
	if stats.SymbolCount != 2 {
		t.Fatalf("应跟踪 2 个 symbol, 实际 %d", stats.SymbolCount)
	}
	// 每个 symbol: 4 个窗口时间框架 + all_time。
	if want := 2 * (len(market.WindowedTimeframes) + 1); stats.CacheSize != want {
		t.Fatalf("缓存条目数应为 %d, 实际 %d", want, stats.CacheSize)
	}
}
