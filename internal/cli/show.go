package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"candle-sync/internal/app"
)

var (
	showLimit       int
	showTo          string
	showGranularity time.Duration
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the most recent stored candles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:       showLimit,
			Granularity: showGranularity,
		}

		if showTo != "" {
			to, err := time.Parse(time.RFC3339, showTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of candles to display")
	showCmd.Flags().StringVar(&showTo, "to", "", "Newest timestamp to display (RFC3339, defaults to now)")
	showCmd.Flags().DurationVar(&showGranularity, "granularity", 0, "Key spacing (defaults to the series timeframe)")
}
