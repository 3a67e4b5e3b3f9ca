package detector

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentry/internal/highcache"
	"market-sentry/internal/market"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testDetector(now time.Time) (*Detector, *highcache.Cache) {
	cache := highcache.New(highcache.Options{}, nil, zerolog.Nop())
	d := New(cache, zerolog.Nop())
	d.now = func() time.Time { return now }
	return d, cache
}

func TestCheckEmitsPerBrokenTimeframe(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	d, cache := testDetector(now)

	// 全部窗口的现有高点均为 65500。
	cache.Update("BTCUSDT", dec("65500"), now.Add(-time.Hour))

	events := d.Check("BTCUSDT", dec("66000"))
	// 1h/4h/24h/7d/all_time 全部被突破。
	if len(events) != 5 {
		t.Fatalf("应触发 5 个时间框架的突破, 实际 %d", len(events))
	}

	want := dec("500").Div(dec("65500")).Mul(decimal.NewFromInt(100))
	for _, ev := range events {
		if !ev.OldHigh.Equal(dec("65500")) || !ev.NewHigh.Equal(dec("66000")) {
			t.Fatalf("事件高点不正确: %#v", ev)
		}
		if !ev.BreakPercent.Equal(want) {
			t.Fatalf("突破幅度应为 %s, 实际 %s", want, ev.BreakPercent)
		}
	}

	// 评估顺序从长窗口到短窗口。
	if events[0].Timeframe != market.TimeframeAll {
		t.Fatalf("首个事件应为 all_time, 实际 %s", events[0].Timeframe)
	}
}

func TestCheckNoEventBelowHigh(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	d, cache := testDetector(now)

	cache.Update("BTCUSDT", dec("66000"), now.Add(-time.Hour))

	if events := d.Check("BTCUSDT", dec("65900")); len(events) != 0 {
		t.Fatalf("未突破高点不应触发事件: %#v", events)
	}
}

func TestCheckEqualPriceIsNotBreak(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	d, cache := testDetector(now)

	cache.Update("BTCUSDT", dec("66000"), now.Add(-time.Hour))

	if events := d.Check("BTCUSDT", dec("66000")); len(events) != 0 {
		t.Fatalf("等于高点不应视为突破: %#v", events)
	}
}

func TestCheckReplaySamePriceIsIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	d, cache := testDetector(now)

	cache.Update("BTCUSDT", dec("65500"), now.Add(-time.Hour))

	first := d.Check("BTCUSDT", dec("66000"))
	if len(first) == 0 {
		t.Fatal("首次突破应触发事件")
	}

	// 同价重放：高点已推进到 66000，不再触发。
	if events := d.Check("BTCUSDT", dec("66000")); len(events) != 0 {
		t.Fatalf("重放同价不应再次触发: %#v", events)
	}
}

func TestCheckUnknownSymbolSeedsCache(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	d, cache := testDetector(now)

	if events := d.Check("NEWUSDT", dec("1.23")); len(events) != 0 {
		t.Fatalf("首次观测无历史高点, 不应触发: %#v", events)
	}

	high, ok := cache.High("NEWUSDT", market.TimeframeAll, now)
	if !ok || !high.HighValue.Equal(dec("1.23")) {
		t.Fatalf("首次观测应写入缓存: %v %v", high.HighValue, ok)
	}
}

func TestStatsCountsPerTimeframe(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	d, cache := testDetector(now)

	cache.Update("BTCUSDT", dec("65500"), now.Add(-time.Hour))
	d.Check("BTCUSDT", dec("66000"))

	stats := d.Stats()
	if stats.Total != 5 {
		t.Fatalf("总事件数应为 5, 实际 %d", stats.Total)
	}
	if stats.PerTimeframe[market.Timeframe24h] != 1 {
		t.Fatalf("24h 事件数应为 1, 实际 %d", stats.PerTimeframe[market.Timeframe24h])
	}
}
