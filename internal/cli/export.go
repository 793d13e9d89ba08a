package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"candle-sync/internal/app"
)

var (
	exportFrom        string
	exportTo          string
	exportGranularity time.Duration
	exportPNGPath     string
	exportCSVPath     string
	exportXLSXPath    string
	exportColumns     []string
	exportMaxPoints   int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored candles as CSV, XLSX and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			Granularity: exportGranularity,
			PNGPath:     exportPNGPath,
			CSVPath:     exportCSVPath,
			XLSXPath:    exportXLSXPath,
			Columns:     exportColumns,
			MaxPoints:   exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, inclusive)")
	exportCmd.Flags().DurationVar(&exportGranularity, "granularity", 0, "Key spacing (defaults to the series timeframe)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().StringVar(&exportXLSXPath, "xlsx", "", "Path to write XLSX workbook")
	exportCmd.Flags().StringSliceVar(&exportColumns, "columns", nil, "Numeric columns to plot (default close)")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
