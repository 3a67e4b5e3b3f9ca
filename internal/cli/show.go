package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-sentry/internal/app"
)

var (
	showTimeframe string
	showLimit     int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display top gainers from retained history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Timeframe: showTimeframe,
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showTimeframe, "timeframe", "24h", "Ranking timeframe (1h, 4h, 24h, 7d)")
	showCmd.Flags().IntVar(&showLimit, "limit", 10, "Number of symbols to display")
}
