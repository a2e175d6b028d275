package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"market-signal-engine/internal/alerting"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/service"
)

// cliCaller is the rate limit identity of one-shot CLI commands.
const cliCaller = "cli"

// ShowOptions configure the alert list command.
type ShowOptions struct {
	Limit  int
	Events bool
}

// Price prints the current quote for symbol.
func (a *App) Price(ctx context.Context, symbol string) error {
	rt, err := a.buildRuntime(ctx, alerting.NewLogSink(a.Logger), false)
	if err != nil {
		return err
	}
	defer rt.Close()

	quote, err := rt.service.GetPrice(ctx, cliCaller, symbol)
	if err != nil {
		return withSuggestion(err)
	}
	renderQuote(a.Out, quote)
	return nil
}

// Snapshot prints market statistics and a condensed history for symbol.
func (a *App) Snapshot(ctx context.Context, symbol string, lookbackDays int) error {
	rt, err := a.buildRuntime(ctx, alerting.NewLogSink(a.Logger), false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if lookbackDays <= 0 {
		lookbackDays = rt.service.LookbackDays()
	}
	snap, err := rt.service.GetMarketSnapshotFor(ctx, cliCaller, symbol, lookbackDays)
	if err != nil {
		return withSuggestion(err)
	}
	renderSnapshot(a.Out, snap)
	return nil
}

// Signal prints the trading signal, indicator readout and DCA plan.
func (a *App) Signal(ctx context.Context, symbol string) error {
	rt, err := a.buildRuntime(ctx, alerting.NewLogSink(a.Logger), false)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.service.GetSignal(ctx, cliCaller, symbol)
	if err != nil {
		return withSuggestion(err)
	}
	renderSignal(a.Out, report)
	return nil
}

// ShowAlerts prints recent alerts and optionally the trigger history.
func (a *App) ShowAlerts(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	defer closeStore()

	records, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
	} else {
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "ID\tToken\tDirection\tTarget\tState\tCreated (UTC)\tTriggered (UTC)\tPrice")
		for _, r := range records {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID,
				r.TokenAddress,
				r.Direction,
				r.Target.String(),
				r.State,
				r.CreatedAt.UTC().Format(time.RFC3339),
				formatTime(r.TriggeredAt),
				formatDecimal(r.TriggerPrice),
			)
		}
		writer.Flush()
	}

	if !opts.Events {
		return nil
	}
	events, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out)
	if len(events) == 0 {
		fmt.Fprintln(a.Out, "no trigger events recorded")
		return nil
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Event\tAlert\tToken\tObserved\tTriggered (UTC)")
	for _, e := range events {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.AlertID, e.Token, e.Observed.String(), e.TriggeredAt.UTC().Format(time.RFC3339))
	}
	writer.Flush()
	return nil
}

func renderQuote(w io.Writer, q market.PriceQuote) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Symbol\t%s\n", q.Symbol)
	fmt.Fprintf(writer, "Price (USD)\t%s\n", formatFloat(q.PriceUSD))
	fmt.Fprintf(writer, "24h Change\t%s\n", formatPct(q.Change24hPct))
	fmt.Fprintf(writer, "As Of (UTC)\t%s\n", q.AsOf.UTC().Format(time.RFC3339))
	fmt.Fprintf(writer, "Source\t%s\n", formatProvenance(q.Provenance))
	writer.Flush()
}

func renderSnapshot(w io.Writer, s market.MarketSnapshot) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Symbol\t%s\n", s.Symbol)
	if last, ok := s.LastPrice(); ok {
		fmt.Fprintf(writer, "Last Price\t%s\n", formatFloat(last))
	}
	fmt.Fprintf(writer, "Market Cap\t%s\n", formatOptional(s.MarketCap))
	fmt.Fprintf(writer, "24h Volume\t%s\n", formatOptional(s.Volume24h))
	fmt.Fprintf(writer, "24h High\t%s\n", formatOptional(s.High24h))
	fmt.Fprintf(writer, "24h Low\t%s\n", formatOptional(s.Low24h))
	fmt.Fprintf(writer, "24h Change\t%s\n", formatPct(s.Change24hPct))
	rank := "n/a"
	if s.Rank != nil {
		rank = strconv.Itoa(*s.Rank)
	}
	fmt.Fprintf(writer, "Rank\t%s\n", rank)
	fmt.Fprintf(writer, "History Points\t%d\n", len(s.Series))
	if n := len(s.Series); n > 0 {
		fmt.Fprintf(writer, "History Range\t%s .. %s\n",
			s.Series[0].Time.UTC().Format(time.DateOnly),
			s.Series[n-1].Time.UTC().Format(time.DateOnly))
	}
	fmt.Fprintf(writer, "Source\t%s\n", formatProvenance(s.Provenance))
	writer.Flush()
}

func renderSignal(w io.Writer, r service.SignalReport) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Symbol\t%s\n", r.Symbol)
	fmt.Fprintf(writer, "Signal\t%s (strength %+d)\n", r.Signal.Direction, r.Signal.Strength)
	fmt.Fprintf(writer, "Recommendation\t%s\n", r.Signal.Recommendation)
	for i, reason := range r.Signal.Reasons {
		label := ""
		if i == 0 {
			label = "Reasons"
		}
		fmt.Fprintf(writer, "%s\t- %s\n", label, reason)
	}
	writer.Flush()

	fmt.Fprintln(w)
	ind := r.Indicators
	writer = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Indicator\tValue")
	fmt.Fprintf(writer, "Last Price\t%s\n", formatFloat(ind.LastPrice))
	fmt.Fprintf(writer, "RSI\t%.2f\n", ind.RSI)
	fmt.Fprintf(writer, "MACD / Signal\t%.4f / %.4f\n", ind.MACDLine, ind.MACDSignal)
	fmt.Fprintf(writer, "Bollinger\t%s / %s / %s\n",
		formatFloat(ind.BollingerLower), formatFloat(ind.BollingerMiddle), formatFloat(ind.BollingerUpper))
	levelsTag := ""
	if ind.SyntheticLevels {
		levelsTag = " (estimated)"
	}
	fmt.Fprintf(writer, "Support\t%s%s\n", formatLevels(ind.SupportLevels), levelsTag)
	fmt.Fprintf(writer, "Resistance\t%s%s\n", formatLevels(ind.ResistanceLevels), levelsTag)
	fmt.Fprintf(writer, "Trend\t%+.2f%%\n", ind.TrendPct)
	writer.Flush()

	fmt.Fprintln(w)
	writer = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "DCA Entry\tAllocation")
	for _, e := range r.DCA.Entries {
		fmt.Fprintf(writer, "%s\t%.0f%%\n", formatFloat(e.Price), e.AllocationPct)
	}
	writer.Flush()
	fmt.Fprintf(w, "Risk: %s. %s\n", r.DCA.Risk, r.DCA.Explanation)
	fmt.Fprintf(w, "Schedule: %s\n", r.DCA.Schedule)

	source := formatProvenance(r.Provenance)
	if r.FromCache {
		source += " (cached)"
	}
	fmt.Fprintf(w, "Source: %s\n", source)
}

func withSuggestion(err error) error {
	if hint := service.Suggestion(err); hint != "" {
		return fmt.Errorf("%w\n%s", err, hint)
	}
	return err
}

func formatProvenance(p market.Provenance) string {
	if p.Provider == "" {
		return "unknown"
	}
	out := fmt.Sprintf("%s (tier %d)", p.Provider, p.Tier)
	if p.Fallback {
		out += " [fallback data]"
	}
	return out
}

func formatFloat(v float64) string {
	switch {
	case v == 0:
		return "0"
	case v >= 1:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case v >= 0.01:
		return strconv.FormatFloat(v, 'f', 4, 64)
	default:
		return strconv.FormatFloat(v, 'g', 6, 64)
	}
}

func formatOptional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return formatFloat(*v)
}

func formatPct(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", *v)
}

func formatLevels(levels []float64) string {
	if len(levels) == 0 {
		return "-"
	}
	parts := make([]string, len(levels))
	for i, l := range levels {
		parts[i] = formatFloat(l)
	}
	return strings.Join(parts, ", ")
}

func formatDecimal(v *decimal.Decimal) string {
	if v == nil {
		return "-"
	}
	return v.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
