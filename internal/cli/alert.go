package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-signal-engine/internal/app"
)

var (
	alertLimit  int
	alertEvents bool
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage price alerts",
}

var alertAddCmd = &cobra.Command{
	Use:   "add <token> <above|below> <target>",
	Short: "Register a one-shot price alert",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AddAlert(cmd.Context(), app.AlertOptions{
			Token:     args[0],
			Direction: args[1],
			Target:    args[2],
		})
	},
}

var alertCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an active alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CancelAlert(cmd.Context(), args[0])
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().ShowAlerts(cmd.Context(), app.ShowOptions{Limit: alertLimit, Events: alertEvents})
	},
}

func init() {
	alertListCmd.Flags().IntVar(&alertLimit, "limit", 20, "Number of alerts to display")
	alertListCmd.Flags().BoolVar(&alertEvents, "events", false, "Also show the trigger history")

	alertCmd.AddCommand(alertAddCmd, alertCancelCmd, alertListCmd)
}
