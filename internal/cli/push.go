package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"candle-sync/internal/app"
)

var (
	pushLimit  int
	pushDryRun bool
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Fetch one window of candles and upsert all of it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pushLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}

		opts := app.PushOptions{
			Limit:  pushLimit,
			DryRun: pushDryRun,
		}

		return getApp().Push(cmd.Context(), opts)
	},
}

func init() {
	pushCmd.Flags().IntVar(&pushLimit, "limit", 0, "Number of candles to fetch (defaults to source.window)")
	pushCmd.Flags().BoolVar(&pushDryRun, "dry-run", false, "Fetch without writing to storage")
}
