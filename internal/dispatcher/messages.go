package dispatcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"market-sentry/internal/market"
	"market-sentry/internal/ranking"
)

func renderDigest(timeframes []market.Timeframe, results map[market.Timeframe]ranking.Result, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString("📊 Top Gainers Digest\n")
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", now.Format(time.RFC3339)))

	for _, tf := range timeframes {
		res, ok := results[tf]
		builder.WriteString(fmt.Sprintf("\n[%s]\n", tf))
		switch {
		case !ok || res.Err != nil:
			builder.WriteString("暂无数据\n")
		case len(res.Ranking.Entries) == 0:
			builder.WriteString("暂无数据\n")
		default:
			for _, entry := range res.Ranking.Entries {
				builder.WriteString(fmt.Sprintf("%d. %s %s%%\n", entry.Rank, entry.Symbol, signedPercent(entry.PercentChange)))
			}
			builder.WriteString(fmt.Sprintf("Mean: %s%%\n", signedPercent(res.Ranking.MeanChange)))
		}
	}
	return builder.String()
}

func renderTriggerAlert(tf market.Timeframe, fired []market.RankedSymbol, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("🚨 Gainer Alert (%s)\n", tf))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", now.Format(time.RFC3339)))
	for _, entry := range fired {
		builder.WriteString(fmt.Sprintf("#%d %s %s%%\n", entry.Rank, entry.Symbol, signedPercent(entry.PercentChange)))
	}
	return builder.String()
}

func renderOIAlert(tf market.Timeframe, lines []string, now time.Time) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("🎰 Open Interest Alert (%s)\n", tf))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", now.Format(time.RFC3339)))
	for _, line := range lines {
		builder.WriteString(line)
		builder.WriteString("\n")
	}
	return builder.String()
}

func renderBreakthrough(ev market.BreakthroughEvent, threshold decimal.Decimal) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("🚀 New High (%s)\n", ev.Timeframe))
	builder.WriteString(fmt.Sprintf("Symbol: %s\n", ev.Symbol))
	builder.WriteString(fmt.Sprintf("High: %s → %s\n", humanPrice(ev.OldHigh), humanPrice(ev.NewHigh)))
	builder.WriteString(fmt.Sprintf("Break: +%s%% (threshold %s%%)\n", ev.BreakPercent.StringFixed(2), threshold.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", ev.DetectedAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

func signedPercent(d decimal.Decimal) string {
	if d.Sign() > 0 {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

func humanPrice(d decimal.Decimal) string {
	return humanize.CommafWithDigits(d.InexactFloat64(), 4)
}
