package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"market-signal-engine/internal/app"
)

var (
	simulateToken     string
	simulateTarget    string
	simulateDirection string
	simulatePrice     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格穿越并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil || !price.IsPositive() {
			return errors.New("--price 必须为大于 0 的数字")
		}

		opts := app.AlertOptions{
			Token:     simulateToken,
			Target:    simulateTarget,
			Direction: simulateDirection,
		}
		return getApp().SimulateAlert(cmd.Context(), opts, price)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateToken, "token", "btc", "代币符号或合约地址")
	simulateCmd.Flags().StringVar(&simulateTarget, "target", "", "目标价格 (USD)")
	simulateCmd.Flags().StringVar(&simulateDirection, "direction", "above", "above 或 below")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "模拟观测价格 (USD)")
	_ = simulateCmd.MarkFlagRequired("target")
	_ = simulateCmd.MarkFlagRequired("price")
}
