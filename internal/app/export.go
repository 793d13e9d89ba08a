package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"candle-sync/internal/frame"
	"candle-sync/internal/storage"
)

const xlsxSheet = "candles"

// maxExportKeys bounds how many keys one export may look up.
const maxExportKeys = 50000

// Export reads a key range back from the store and renders it as CSV, PNG and/or XLSX.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --png or --xlsx must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	step, err := a.granularity(ctx, opts.Granularity)
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	to = to.Truncate(step)

	from := to.Add(-time.Duration(opts.MaxPoints-1) * step)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if from.After(to) {
		return errors.New("from must not be after to")
	}
	if span := int64(to.Sub(from)/step) + 1; span > maxExportKeys {
		return fmt.Errorf("export range covers %d keys at %s, limit is %d; narrow --from/--to or raise --granularity", span, step, maxExportKeys)
	}

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
		a.Logger.Warn().Err(err).Msg("export continues with partial data")
	}
	if len(items) == 0 {
		a.Logger.Info().Msg("no items found for export window")
		return nil
	}

	downsampled := downsampleItems(items, opts.MaxPoints)
	a.Logger.Info().Int("total", len(items)).Int("exported", len(downsampled)).Msg("exporting items")

	if opts.CSVPath != "" {
		if err := writeItemsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.XLSXPath != "" {
		if err := writeItemsXLSX(opts.XLSXPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		columns := opts.Columns
		if len(columns) == 0 {
			columns = []string{"close"}
		}
		if err := writeItemsPNG(opts.PNGPath, downsampled, columns); err != nil {
			return err
		}
	}

	return nil
}

func downsampleItems(items []storage.Item, max int) []storage.Item {
	if max <= 0 || len(items) <= max {
		return items
	}
	if max == 1 {
		return items[len(items)-1:]
	}

	result := make([]storage.Item, 0, max)
	step := float64(len(items)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(items) {
			idx = len(items) - 1
		}
		result = append(result, items[idx])
	}
	return result
}

func itemRecord(it storage.Item, columns []string) []string {
	record := make([]string, 0, len(columns)+1)
	record = append(record, it.Key)
	for _, col := range columns {
		record = append(record, it.Attributes[col].String())
	}
	return record
}

func writeItemsCSV(path string, items []storage.Item) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	columns := storage.Columns(items)
	header := append([]string{storage.TimestampAttribute}, columns...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, it := range items {
		if err := writer.Write(itemRecord(it, columns)); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeItemsXLSX writes one row per item; numbers are stored as numeric cells.
func writeItemsXLSX(path string, items []storage.Item) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	book := excelize.NewFile()
	defer book.Close()

	if err := book.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	columns := storage.Columns(items)
	header := make([]interface{}, 0, len(columns)+1)
	header = append(header, storage.TimestampAttribute)
	for _, col := range columns {
		header = append(header, col)
	}
	if err := book.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	bold, err := book.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := book.SetRowStyle(xlsxSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("style header: %w", err)
	}

	for i, it := range items {
		row := make([]interface{}, 0, len(columns)+1)
		row = append(row, it.Key)
		for _, col := range columns {
			row = append(row, xlsxCell(it.Attributes[col]))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := book.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := book.SaveAs(path); err != nil {
		return fmt.Errorf("save xlsx: %w", err)
	}
	return nil
}

func xlsxCell(v frame.Value) interface{} {
	switch v.Kind() {
	case frame.KindNumber:
		d, _ := v.Decimal()
		return d.InexactFloat64()
	case frame.KindString:
		s, _ := v.Text()
		return s
	default:
		return nil
	}
}

func writeItemsPNG(path string, items []storage.Item, columns []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	series := make([]chart.Series, 0, len(columns))
	for _, col := range columns {
		x := make([]time.Time, 0, len(items))
		y := make([]float64, 0, len(items))
		for _, it := range items {
			d, ok := it.Attributes[col].Decimal()
			if !ok {
				continue
			}
			x = append(x, it.Timestamp)
			y = append(y, d.InexactFloat64())
		}
		if len(x) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: col, XValues: x, YValues: y})
	}
	if len(series) == 0 {
		return fmt.Errorf("no numeric data to plot for columns %v", columns)
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
