package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"market-signal-engine/internal/alerting"
	"market-signal-engine/internal/monitor"
)

// AlertOptions describe an alert to register or simulate.
type AlertOptions struct {
	Token     string
	Target    string
	Direction string
}

func (o AlertOptions) parse() (decimal.Decimal, monitor.Direction, error) {
	target, err := decimal.NewFromString(o.Target)
	if err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("invalid target %q: %w", o.Target, err)
	}
	dir, err := monitor.ParseDirection(o.Direction)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	return target, dir, nil
}

// errAlertsNeedDatabase is returned by the one-shot alert commands. The
// monitor only lives as long as the process, so the alert must be handed to
// a running `run` or `serve` through the database.
var errAlertsNeedDatabase = errors.New("database not configured; alert commands require database.dsn")

// AddAlert validates and persists a new alert for the running monitor.
func (a *App) AddAlert(ctx context.Context, opts AlertOptions) error {
	target, dir, err := opts.parse()
	if err != nil {
		return err
	}
	rt, err := a.buildRuntime(ctx, alerting.NewLogSink(a.Logger), true)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.store == nil {
		return errAlertsNeedDatabase
	}

	id, err := rt.service.RegisterAlert(ctx, opts.Token, target, dir)
	if err != nil {
		return withSuggestion(err)
	}
	fmt.Fprintf(a.Out, "alert %s registered: %s %s %s\n", id, opts.Token, dir, target.String())
	return nil
}

// CancelAlert marks an Active alert as removed.
func (a *App) CancelAlert(ctx context.Context, id string) error {
	rt, err := a.buildRuntime(ctx, alerting.NewLogSink(a.Logger), true)
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.store == nil {
		return errAlertsNeedDatabase
	}

	if _, err := rt.service.RestoreAlerts(ctx); err != nil {
		return err
	}
	if !rt.service.CancelAlert(ctx, id) {
		return fmt.Errorf("alert %s is unknown or no longer active", id)
	}
	fmt.Fprintf(a.Out, "alert %s cancelled\n", id)
	return nil
}
