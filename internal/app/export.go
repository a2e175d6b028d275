package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"market-signal-engine/internal/alerting"
	"market-signal-engine/internal/indicator"
	"market-signal-engine/internal/market"
)

// ExportOptions hold parameters for exporting a symbol's history.
type ExportOptions struct {
	Symbol       string
	LookbackDays int
	PNGPath      string
	CSVPath      string
	MaxPoints    int
}

// exportRow is one price point with the Bollinger bands of the window
// ending at it. HasBands is false until the window is full.
type exportRow struct {
	Time     time.Time
	Price    float64
	Upper    float64
	Middle   float64
	Lower    float64
	HasBands bool
}

// Export renders a symbol's price history with indicator overlays as CSV
// and/or PNG. Without explicit paths both files go to export.dir.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.Symbol == "" {
		return errors.New("symbol is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		base := filepath.Join(a.Config.Export.Dir, market.NormalizeSymbol(opts.Symbol))
		opts.CSVPath = base + ".csv"
		opts.PNGPath = base + ".png"
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	rt, err := a.buildRuntime(ctx, alerting.NewLogSink(a.Logger), false)
	if err != nil {
		return err
	}
	defer rt.Close()

	lookback := opts.LookbackDays
	if lookback <= 0 {
		lookback = rt.service.LookbackDays()
	}
	snap, err := rt.service.GetMarketSnapshotFor(ctx, cliCaller, opts.Symbol, lookback)
	if err != nil {
		return withSuggestion(err)
	}
	if len(snap.Series) == 0 {
		a.Logger.Info().Str("symbol", snap.Symbol).Msg("no price history for export window")
		return nil
	}

	defaults := indicator.DefaultOptions()
	rows := buildExportRows(snap.Series, defaults.BollingerWindow, defaults.BollingerK)
	levels := indicator.SupportResistance(snap.Prices(), defaults.LevelWindow, defaults.MaxLevels)

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Str("symbol", snap.Symbol).Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "wrote %s\n", opts.CSVPath)
	}

	if opts.PNGPath != "" {
		if err := writeRowsPNG(opts.PNGPath, snap.Symbol, downsampled, levels); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "wrote %s\n", opts.PNGPath)
	}

	return nil
}

func buildExportRows(series []market.PricePoint, window int, k float64) []exportRow {
	prices := make([]float64, len(series))
	rows := make([]exportRow, len(series))
	for i, p := range series {
		prices[i] = p.Price
		rows[i] = exportRow{Time: p.Time, Price: p.Price}
		if i+1 < window {
			continue
		}
		bands, err := indicator.Bollinger(prices[:i+1], window, k)
		if err != nil {
			continue
		}
		rows[i].Upper = bands.Upper
		rows[i].Middle = bands.Middle
		rows[i].Lower = bands.Lower
		rows[i].HasBands = true
	}
	return rows
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRowsCSV(path string, rows []exportRow) error {
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

	header := []string{"time", "price_usd", "bollinger_upper", "bollinger_middle", "bollinger_lower"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Time.UTC().Format(time.RFC3339),
			strconv.FormatFloat(row.Price, 'f', -1, 64),
			"", "", "",
		}
		if row.HasBands {
			record[2] = strconv.FormatFloat(row.Upper, 'f', -1, 64)
			record[3] = strconv.FormatFloat(row.Middle, 'f', -1, 64)
			record[4] = strconv.FormatFloat(row.Lower, 'f', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRowsPNG(path, symbol string, rows []exportRow, levels indicator.Levels) error {
	if len(rows) < 2 {
		return errors.New("need at least two points to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	price := make([]float64, len(rows))
	var bandX []time.Time
	var upper, middle, lower []float64
	for i, row := range rows {
		x[i] = row.Time
		price[i] = row.Price
		if row.HasBands {
			bandX = append(bandX, row.Time)
			upper = append(upper, row.Upper)
			middle = append(middle, row.Middle)
			lower = append(lower, row.Lower)
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4g")
	}
	bandStyle := chart.Style{StrokeColor: chart.ColorAlternateGray, StrokeDashArray: []float64{4, 2}}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price",
			XValues: x,
			YValues: price,
		},
	}
	if len(bandX) >= 2 {
		series = append(series,
			chart.TimeSeries{Name: "Bollinger Upper", XValues: bandX, YValues: upper, Style: bandStyle},
			chart.TimeSeries{Name: "Bollinger Middle", XValues: bandX, YValues: middle, Style: chart.Style{StrokeColor: chart.ColorAlternateGray}},
			chart.TimeSeries{Name: "Bollinger Lower", XValues: bandX, YValues: lower, Style: bandStyle},
		)
	}
	edges := []time.Time{x[0], x[len(x)-1]}
	for _, s := range levels.Support {
		series = append(series, levelSeries("Support", edges, s, chart.ColorGreen))
	}
	for _, r := range levels.Resistance {
		series = append(series, levelSeries("Resistance", edges, r, chart.ColorRed))
	}

	graph := chart.Chart{
		Title:  fmt.Sprintf("%s (USD)", symbol),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
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

func levelSeries(name string, edges []time.Time, level float64, color drawing.Color) chart.TimeSeries {
	return chart.TimeSeries{
		Name:    fmt.Sprintf("%s %s", name, formatFloat(level)),
		XValues: edges,
		YValues: []float64{level, level},
		Style:   chart.Style{StrokeColor: color, StrokeDashArray: []float64{2, 2}},
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
