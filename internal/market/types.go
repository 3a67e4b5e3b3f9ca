package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies a fixed lookback window for extrema and ranking math.
type Timeframe string

const (
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe24h Timeframe = "24h"
	Timeframe7d  Timeframe = "7d"
	TimeframeAll Timeframe = "all_time"
)

// DetectionOrder lists timeframes longest first; breakthrough checks walk it
// so that every breached window surfaces its own event.
var DetectionOrder = []Timeframe{TimeframeAll, Timeframe7d, Timeframe24h, Timeframe4h, Timeframe1h}

// WindowedTimeframes are the timeframes with a finite trailing window.
var WindowedTimeframes = []Timeframe{Timeframe1h, Timeframe4h, Timeframe24h, Timeframe7d}

// Window returns the trailing duration of the timeframe. all_time has none.
func (t Timeframe) Window() (time.Duration, bool) {
	switch t {
	case Timeframe1h:
		return time.Hour, true
	case Timeframe4h:
		return 4 * time.Hour, true
	case Timeframe24h:
		return 24 * time.Hour, true
	case Timeframe7d:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// ParseTimeframe validates a timeframe tag.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case Timeframe1h, Timeframe4h, Timeframe24h, Timeframe7d, TimeframeAll:
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Granularity tags name the ledger series an observation belongs to.
const (
	GranularityPrice        = "price"
	GranularityOpenInterest = "open_interest"
)

// PriceSnapshot is one immutable market observation.
type PriceSnapshot struct {
	Symbol         string
	Price          decimal.Decimal
	Volume24h      decimal.Decimal
	PriceChange1h  decimal.Decimal
	PriceChange24h decimal.Decimal
	High24h        decimal.Decimal
	Granularity    string
	CapturedAt     time.Time
}

// Validate checks the fields a snapshot must carry before it may enter the ledger.
func (s PriceSnapshot) Validate() error {
	if s.Symbol == "" {
		return errors.New("snapshot symbol is empty")
	}
	if s.Granularity == "" {
		return errors.New("snapshot granularity is empty")
	}
	if s.CapturedAt.IsZero() {
		return errors.New("snapshot capturedAt is zero")
	}
	if s.Price.Sign() <= 0 {
		return fmt.Errorf("snapshot price %s is not positive", s.Price)
	}
	if s.Volume24h.Sign() < 0 {
		return fmt.Errorf("snapshot volume24h %s is negative", s.Volume24h)
	}
	if s.High24h.Sign() < 0 {
		return fmt.Errorf("snapshot high24h %s is negative", s.High24h)
	}
	return nil
}

// HistoricalHigh is the rolling maximum of one symbol within one timeframe.
type HistoricalHigh struct {
	Symbol      string
	Timeframe   Timeframe
	HighValue   decimal.Decimal
	LastUpdated time.Time
}

// BreakthroughEvent records a price exceeding a cached historical high.
// Produced by the detector, consumed once by the dispatcher.
type BreakthroughEvent struct {
	Symbol       string
	Timeframe    Timeframe
	OldHigh      decimal.Decimal
	NewHigh      decimal.Decimal
	BreakPercent decimal.Decimal
	DetectedAt   time.Time
}

// RankedSymbol is one row of a gainers view.
type RankedSymbol struct {
	Symbol        string
	PercentChange decimal.Decimal
	Rank          int
}

// RankingSnapshot is a derived top-gainers view for one timeframe.
type RankingSnapshot struct {
	Timeframe   Timeframe
	GeneratedAt time.Time
	Entries     []RankedSymbol
	MeanChange  decimal.Decimal
}

// DayStats bundles the 24h rolling statistics of one symbol.
type DayStats struct {
	Symbol         string
	LastPrice      decimal.Decimal
	PriceChangePct decimal.Decimal
	HighPrice      decimal.Decimal
	QuoteVolume    decimal.Decimal
}

// OpenInterestPoint is one open-interest observation.
type OpenInterestPoint struct {
	Symbol     string
	Value      decimal.Decimal
	CapturedAt time.Time
}
