package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"candle-sync/internal/app"
)

var (
	generateEnd         string
	generatePeriods     int
	generateGranularity time.Duration
	generateSeed        int64
	generateDryRun      bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成确定性的模拟数据并写入存储",
	RunE: func(cmd *cobra.Command, args []string) error {
		if generatePeriods <= 0 {
			return errors.New("--periods 必须大于 0")
		}

		end := time.Now().UTC()
		if generateEnd != "" {
			parsed, err := time.Parse(time.RFC3339, generateEnd)
			if err != nil {
				return fmt.Errorf("invalid --end value: %w", err)
			}
			end = parsed
		}

		return getApp().Generate(cmd.Context(), app.GenerateOptions{
			End:         end,
			Periods:     generatePeriods,
			Granularity: generateGranularity,
			Seed:        generateSeed,
			DryRun:      generateDryRun,
		})
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateEnd, "end", "", "Timestamp of the newest row (RFC3339, defaults to now)")
	generateCmd.Flags().IntVar(&generatePeriods, "periods", 1440, "Number of rows")
	generateCmd.Flags().DurationVar(&generateGranularity, "granularity", time.Minute, "Row spacing")
	generateCmd.Flags().Int64Var(&generateSeed, "seed", 42, "Random seed")
	generateCmd.Flags().BoolVar(&generateDryRun, "dry-run", false, "Build the frame without writing it")
}
