package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sentry/internal/detector"
	"market-sentry/internal/highcache"
	"market-sentry/internal/ledger"
	"market-sentry/internal/market"
)

type fakeMarket struct {
	mu      sync.Mutex
	stats   map[string]market.DayStats
	oi      map[string]decimal.Decimal
	symbols []string
	failing map[string]bool
}

func (f *fakeMarket) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	stats, err := f.FetchDayStats(ctx, symbol)
	return stats.LastPrice, err
}

func (f *fakeMarket) FetchDayStats(ctx context.Context, symbol string) (market.DayStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[symbol] {
		return market.DayStats{}, errors.New("upstream boom")
	}
	stats, ok := f.stats[symbol]
	if !ok {
		return market.DayStats{}, errors.New("unknown symbol")
	}
	return stats, nil
}

func (f *fakeMarket) FetchOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[symbol] {
		return decimal.Decimal{}, errors.New("upstream boom")
	}
	return f.oi[symbol], nil
}

func (f *fakeMarket) FetchOpenInterestHistory(ctx context.Context, symbol string, period string, limit int) ([]market.OpenInterestPoint, error) {
	return nil, nil
}

func (f *fakeMarket) ListTradableSymbols(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.symbols...), nil
}

type captureSink struct {
	mu     sync.Mutex
	events []market.BreakthroughEvent
}

func (s *captureSink) Publish(ev market.BreakthroughEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dayStats(symbol, price string) market.DayStats {
	return market.DayStats{
		Symbol:         symbol,
		LastPrice:      dec(price),
		PriceChangePct: dec("1.5"),
		HighPrice:      dec(price),
		QuoteVolume:    dec("1000000"),
	}
}

func testCollector(fm *fakeMarket, sink EventSink) (*Collector, *ledger.Ledger, *ledger.Ledger) {
	priceLedger := ledger.New(ledger.Options{}, nil, zerolog.Nop())
	oiLedger := ledger.New(ledger.Options{}, nil, zerolog.Nop())
	cache := highcache.New(highcache.Options{}, nil, zerolog.Nop())
	det := detector.New(cache, zerolog.Nop())
	c := NewCollector(Options{}, fm, fm, fm, priceLedger, oiLedger, det, sink, zerolog.Nop())
	return c, priceLedger, oiLedger
}

func TestPriceTickStoresSnapshots(t *testing.T) {
	fm := &fakeMarket{
		stats: map[string]market.DayStats{
			"BTCUSDT": dayStats("BTCUSDT", "65000"),
			"ETHUSDT": dayStats("ETHUSDT", "3300"),
		},
		symbols: []string{"BTCUSDT", "ETHUSDT"},
	}
	c, priceLedger, _ := testCollector(fm, nil)
	ctx := context.Background()

	if err := c.refreshSymbols(ctx); err != nil {
		t.Fatalf("refreshSymbols 应成功: %v", err)
	}

	now := time.Now().UTC()
	if err := c.priceTick(ctx, now); err != nil {
		t.Fatalf("priceTick 应成功: %v", err)
	}

	snap, ok := priceLedger.Latest("BTCUSDT", market.GranularityPrice)
	if !ok || !snap.Price.Equal(dec("65000")) {
		t.Fatalf("快照应写入 ledger: %v %v", snap.Price, ok)
	}
	if !snap.CapturedAt.Equal(now) {
		t.Fatalf("采集时间应为 tick 时间: %s", snap.CapturedAt)
	}
}

func TestPriceTickToleratesPartialFailure(t *testing.T) {
	fm := &fakeMarket{
		stats: map[string]market.DayStats{
			"BTCUSDT": dayStats("BTCUSDT", "65000"),
			"ETHUSDT": dayStats("ETHUSDT", "3300"),
		},
		symbols: []string{"BTCUSDT", "ETHUSDT"},
		failing: map[string]bool{"ETHUSDT": true},
	}
	c, priceLedger, _ := testCollector(fm, nil)
	ctx := context.Background()

	if err := c.refreshSymbols(ctx); err != nil {
		t.Fatalf("refreshSymbols 应成功: %v", err)
	}
	if err := c.priceTick(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("部分失败不应中断 tick: %v", err)
	}

	if _, ok := priceLedger.Latest("BTCUSDT", market.GranularityPrice); !ok {
		t.Fatal("健康 symbol 的快照应照常写入")
	}
	if _, ok := priceLedger.Latest("ETHUSDT", market.GranularityPrice); ok {
		t.Fatal("失败 symbol 本轮不应有快照")
	}
}

func TestPriceTickPublishesBreakthroughs(t *testing.T) {
	fm := &fakeMarket{
		stats:   map[string]market.DayStats{"BTCUSDT": dayStats("BTCUSDT", "65000")},
		symbols: []string{"BTCUSDT"},
	}
	sink := &captureSink{}
	c, _, _ := testCollector(fm, sink)
	ctx := context.Background()

	if err := c.refreshSymbols(ctx); err != nil {
		t.Fatalf("refreshSymbols 应成功: %v", err)
	}

	now := time.Now().UTC()
	if err := c.priceTick(ctx, now.Add(-time.Minute)); err != nil {
		t.Fatalf("priceTick 应成功: %v", err)
	}

	// 价格创出新高，第二轮应发布突破事件。
	fm.mu.Lock()
	fm.stats["BTCUSDT"] = dayStats("BTCUSDT", "66000")
	fm.mu.Unlock()

	if err := c.priceTick(ctx, now); err != nil {
		t.Fatalf("priceTick 应成功: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) == 0 {
		t.Fatal("突破事件应被发布")
	}
	for _, ev := range sink.events {
		if ev.Symbol != "BTCUSDT" || !ev.NewHigh.Equal(dec("66000")) {
			t.Fatalf("事件内容不正确: %#v", ev)
		}
	}
}

func TestOpenInterestTickSkipsNonPositive(t *testing.T) {
	fm := &fakeMarket{
		oi: map[string]decimal.Decimal{
			"BTCUSDT": dec("123456"),
			"ETHUSDT": decimal.Zero,
		},
		symbols: []string{"BTCUSDT", "ETHUSDT"},
	}
	c, _, oiLedger := testCollector(fm, nil)
	ctx := context.Background()

	if err := c.refreshSymbols(ctx); err != nil {
		t.Fatalf("refreshSymbols 应成功: %v", err)
	}
	if err := c.openInterestTick(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("openInterestTick 应成功: %v", err)
	}

	if snap, ok := oiLedger.Latest("BTCUSDT", market.GranularityOpenInterest); !ok || !snap.Price.Equal(dec("123456")) {
		t.Fatalf("开仓量快照应写入: %v %v", snap.Price, ok)
	}
	if _, ok := oiLedger.Latest("ETHUSDT", market.GranularityOpenInterest); ok {
		t.Fatal("非正开仓量不应写入")
	}
}

func TestHourChangeUsesLedgerBaseline(t *testing.T) {
	fm := &fakeMarket{symbols: []string{"BTCUSDT"}}
	c, priceLedger, _ := testCollector(fm, nil)

	now := time.Now().UTC()
	priceLedger.Seed([]market.PriceSnapshot{{
		Symbol:      "BTCUSDT",
		Price:       dec("65000"),
		Granularity: market.GranularityPrice,
		CapturedAt:  now.Add(-time.Hour),
	}})

	change := c.hourChange("BTCUSDT", dec("66000"), now)
	want := dec("1000").Div(dec("65000")).Mul(decimal.NewFromInt(100))
	if !change.Equal(want) {
		t.Fatalf("1h 涨幅应为 %s, 实际 %s", want, change)
	}

	if got := c.hourChange("NEWUSDT", dec("1"), now); !got.IsZero() {
		t.Fatalf("无基线时应返回 0, 实际 %s", got)
	}
}
