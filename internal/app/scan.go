package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"market-signal-engine/internal/alerting"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/service"
)

// ScanOptions configure the watchlist scan.
type ScanOptions struct {
	Symbols []string
	Workers int
}

// scanResult is the outcome for one symbol.
type scanResult struct {
	Symbol string
	Report service.SignalReport
	Err    error
}

// signalSource is the part of the service a scan needs.
type signalSource interface {
	GetSignal(ctx context.Context, callerID, symbol string) (service.SignalReport, error)
}

// Scan computes signals for a watchlist and prints them ranked by strength.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
	symbols := dedupeSymbols(opts.Symbols)
	if len(symbols) == 0 {
		return errors.New("扫描列表为空，请通过 --symbols 指定")
	}

	rt, err := a.buildRuntime(ctx, alerting.NewLogSink(a.Logger), false)
	if err != nil {
		return err
	}
	defer rt.Close()

	results, err := scanSignals(ctx, rt.service, symbols, opts.Workers)
	if err != nil {
		return err
	}
	renderScan(a.Out, results)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	a.Logger.Info().Int("symbols", len(results)).Int("failed", failed).Msg("扫描完成")
	if failed == len(results) {
		return errors.New("所有标的扫描失败，请检查日志")
	}
	return nil
}

// scanSignals fans the symbols out over at most workers goroutines. A failed
// symbol is recorded in its result and does not stop the scan.
func scanSignals(ctx context.Context, src signalSource, symbols []string, workers int) ([]scanResult, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]scanResult, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, symbol := range symbols {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report, err := src.GetSignal(gctx, cliCaller, symbol)
			results[i] = scanResult{Symbol: symbol, Report: report, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].Err == nil) != (results[j].Err == nil) {
			return results[i].Err == nil
		}
		return results[i].Report.Signal.Strength > results[j].Report.Signal.Strength
	})
	return results, nil
}

func dedupeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, raw := range symbols {
		s := market.NormalizeSymbol(raw)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func renderScan(w io.Writer, results []scanResult) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tSignal\tStrength\tRSI\tPrice\tSource\tNote")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\t%s\n", r.Symbol, sanitizeInline(r.Err.Error()))
			continue
		}
		rep := r.Report
		fmt.Fprintf(writer, "%s\t%s\t%+d\t%.1f\t%s\t%s\t%s\n",
			r.Symbol,
			rep.Signal.Direction,
			rep.Signal.Strength,
			rep.Indicators.RSI,
			formatFloat(rep.Indicators.LastPrice),
			formatProvenance(rep.Provenance),
			strings.Join(rep.Signal.Reasons, "; "),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
