package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFetcher retrieves live prices and 24h statistics.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchDayStats(ctx context.Context, symbol string) (DayStats, error)
}

// OpenInterestFetcher retrieves current and historical open interest.
type OpenInterestFetcher interface {
	FetchOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchOpenInterestHistory(ctx context.Context, symbol string, period string, limit int) ([]OpenInterestPoint, error)
}

// FundingRateFetcher retrieves the latest funding rate.
type FundingRateFetcher interface {
	FetchFundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SymbolLister enumerates the currently tradable symbols.
type SymbolLister interface {
	ListTradableSymbols(ctx context.Context) ([]string, error)
}

// KlineFetcher retrieves historical candles for backfill.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Kline, error)
}

// Kline is one historical candle used only by backfill.
type Kline struct {
	Symbol    string
	OpenTime  time.Time
	CloseTime time.Time
	Close     decimal.Decimal
	High      decimal.Decimal
	Volume    decimal.Decimal
}
