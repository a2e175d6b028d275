package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"market-signal-engine/internal/app"
)

var (
	snapshotDays int
	scanSymbols  []string
	scanWorkers  int
)

var priceCmd = &cobra.Command{
	Use:   "price <symbol>",
	Short: "Show the current price of a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context(), args[0])
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <symbol>",
	Short: "Show market statistics and price history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Snapshot(cmd.Context(), args[0], snapshotDays)
	},
}

var signalCmd = &cobra.Command{
	Use:   "signal <symbol>",
	Short: "Show the trading signal, indicators and DCA plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Signal(cmd.Context(), args[0])
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [symbol...]",
	Short: "Rank trading signals across a watchlist",
	RunE: func(cmd *cobra.Command, args []string) error {
		symbols := append([]string{}, args...)
		for _, s := range scanSymbols {
			symbols = append(symbols, strings.Split(s, ",")...)
		}
		if scanWorkers <= 0 {
			return fmt.Errorf("--workers must be greater than zero")
		}
		return getApp().Scan(cmd.Context(), app.ScanOptions{Symbols: symbols, Workers: scanWorkers})
	},
}

func init() {
	snapshotCmd.Flags().IntVar(&snapshotDays, "days", 0, "Lookback in days (defaults to signal.lookback_days)")
	scanCmd.Flags().StringSliceVar(&scanSymbols, "symbols", nil, "Comma separated watchlist")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 4, "Concurrent lookups")
}
