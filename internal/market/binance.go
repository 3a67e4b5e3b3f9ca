package market

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BinanceOptions parameterise the USD-M futures data source.
type BinanceOptions struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	QuoteAsset     string
	RequestTimeout time.Duration
	SymbolCacheTTL time.Duration
}

// Binance implements the market-data fetch interfaces over Binance USD-M futures.
type Binance struct {
	opts   BinanceOptions
	client *futures.Client
	cache  *gocache.Cache
	logger zerolog.Logger
}

// NewBinance constructs the Binance data source.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.SymbolCacheTTL <= 0 {
		opts.SymbolCacheTTL = 10 * time.Minute
	}
	if opts.QuoteAsset == "" {
		opts.QuoteAsset = "USDT"
	}

	client := futures.NewClient(opts.APIKey, opts.APISecret)
	if opts.BaseURL != "" {
		client.BaseURL = opts.BaseURL
	}

	return &Binance{
		opts:   opts,
		client: client,
		cache:  gocache.New(opts.SymbolCacheTTL, 2*opts.SymbolCacheTTL),
		logger: logger.With().Str("component", "binance").Logger(),
	}
}

// FetchPrice returns the latest traded price of one symbol.
func (b *Binance) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch price %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, fmt.Errorf("empty price response for %s", symbol)
	}

	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %s: %w", symbol, err)
	}
	return price, nil
}

// FetchDayStats returns the 24h rolling statistics of one symbol.
func (b *Binance) FetchDayStats(ctx context.Context, symbol string) (DayStats, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return DayStats{}, fmt.Errorf("fetch 24h stats %s: %w", symbol, err)
	}
	if len(stats) == 0 {
		return DayStats{}, fmt.Errorf("empty 24h stats for %s", symbol)
	}

	return parseDayStats(stats[0])
}

func parseDayStats(s *futures.PriceChangeStats) (DayStats, error) {
	last, err := decimal.NewFromString(s.LastPrice)
	if err != nil {
		return DayStats{}, fmt.Errorf("parse last price %s: %w", s.Symbol, err)
	}
	changePct, err := decimal.NewFromString(s.PriceChangePercent)
	if err != nil {
		return DayStats{}, fmt.Errorf("parse change percent %s: %w", s.Symbol, err)
	}
	high, err := decimal.NewFromString(s.HighPrice)
	if err != nil {
		return DayStats{}, fmt.Errorf("parse high price %s: %w", s.Symbol, err)
	}
	quoteVol, err := decimal.NewFromString(s.QuoteVolume)
	if err != nil {
		return DayStats{}, fmt.Errorf("parse quote volume %s: %w", s.Symbol, err)
	}

	return DayStats{
		Symbol:         s.Symbol,
		LastPrice:      last,
		PriceChangePct: changePct,
		HighPrice:      high,
		QuoteVolume:    quoteVol,
	}, nil
}

// FetchOpenInterest returns the current open interest of one symbol.
func (b *Binance) FetchOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	oi, err := b.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch open interest %s: %w", symbol, err)
	}

	value, err := decimal.NewFromString(oi.OpenInterest)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse open interest %s: %w", symbol, err)
	}
	return value, nil
}

// FetchOpenInterestHistory returns the recent open-interest series of one symbol.
func (b *Binance) FetchOpenInterestHistory(ctx context.Context, symbol string, period string, limit int) ([]OpenInterestPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	rows, err := b.client.NewOpenInterestStatisticsService().
		Symbol(symbol).
		Period(period).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch open interest history %s: %w", symbol, err)
	}

	points := make([]OpenInterestPoint, 0, len(rows))
	for _, row := range rows {
		value, err := decimal.NewFromString(row.SumOpenInterest)
		if err != nil {
			return nil, fmt.Errorf("parse open interest history %s: %w", symbol, err)
		}
		points = append(points, OpenInterestPoint{
			Symbol:     symbol,
			Value:      value,
			CapturedAt: time.UnixMilli(row.Timestamp).UTC(),
		})
	}
	return points, nil
}

// FetchFundingRate returns the latest funding rate of one symbol.
func (b *Binance) FetchFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	rows, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch funding rate %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return decimal.Decimal{}, fmt.Errorf("empty premium index for %s", symbol)
	}

	rate, err := decimal.NewFromString(rows[0].LastFundingRate)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse funding rate %s: %w", symbol, err)
	}
	return rate, nil
}

// ListTradableSymbols returns TRADING perpetuals quoted in the configured asset.
func (b *Binance) ListTradableSymbols(ctx context.Context) ([]string, error) {
	const cacheKey = "tradable_symbols"
	if cached, found := b.cache.Get(cacheKey); found {
		return cached.([]string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*b.opts.RequestTimeout)
	defer cancel()

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}

	symbols := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType == "PERPETUAL" && s.QuoteAsset == b.opts.QuoteAsset && s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}

	b.cache.Set(cacheKey, symbols, gocache.DefaultExpiration)
	b.logger.Debug().Int("count", len(symbols)).Msg("tradable symbol list refreshed")
	return symbols, nil
}

// FetchKlines returns historical candles for backfill.
func (b *Binance) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Kline, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*b.opts.RequestTimeout)
	defer cancel()

	svc := b.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	if !start.IsZero() {
		svc = svc.StartTime(start.UnixMilli())
	}
	if !end.IsZero() {
		svc = svc.EndTime(end.UnixMilli())
	}

	rows, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", symbol, err)
	}

	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		closePrice, err := decimal.NewFromString(row.Close)
		if err != nil {
			return nil, fmt.Errorf("parse kline close %s: %w", symbol, err)
		}
		high, err := decimal.NewFromString(row.High)
		if err != nil {
			return nil, fmt.Errorf("parse kline high %s: %w", symbol, err)
		}
		volume, err := decimal.NewFromString(row.Volume)
		if err != nil {
			return nil, fmt.Errorf("parse kline volume %s: %w", symbol, err)
		}
		klines = append(klines, Kline{
			Symbol:    symbol,
			OpenTime:  time.UnixMilli(row.OpenTime).UTC(),
			CloseTime: time.UnixMilli(row.CloseTime).UTC(),
			Close:     closePrice,
			High:      high,
			Volume:    volume,
		})
	}
	return klines, nil
}

var (
	_ PriceFetcher        = (*Binance)(nil)
	_ OpenInterestFetcher = (*Binance)(nil)
	_ FundingRateFetcher  = (*Binance)(nil)
	_ SymbolLister        = (*Binance)(nil)
	_ KlineFetcher        = (*Binance)(nil)
)
