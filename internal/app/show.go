package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"candle-sync/internal/storage"
)

// Show prints the last Limit items at the series granularity, read back by key.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Limit > maxExportKeys {
		return fmt.Errorf("limit %d exceeds %d", opts.Limit, maxExportKeys)
	}
	step, err := a.granularity(ctx, opts.Granularity)
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	to = to.Truncate(step)
	from := to.Add(-time.Duration(opts.Limit-1) * step)

	pipeline, closeStore, err := a.openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	items, err := pipeline.Get(ctx, pipeline.Keys().KeysBetween(from, to, step))
	if err != nil && !storage.IsPartial(err) {
		return err
	}
	if err != nil {
		a.Logger.Warn().Err(err).Msg("some keys could not be read")
	}
	if len(items) == 0 {
		fmt.Fprintln(os.Stdout, "no items found")
		return nil
	}

	return renderItems(os.Stdout, items)
}

func renderItems(out io.Writer, items []storage.Item) error {
	columns := storage.Columns(items)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key (UTC)\t"+strings.Join(columns, "\t"))

	for _, it := range items {
		row := make([]string, 0, len(columns)+1)
		row = append(row, it.Key)
		for _, col := range columns {
			row = append(row, sanitizeInline(it.Attributes[col].String()))
		}
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
