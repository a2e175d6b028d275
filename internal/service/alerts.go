package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"market-signal-engine/internal/failover"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/monitor"
	"market-signal-engine/internal/storage"
)

var (
	// ErrTokenNotFound is returned when no provider knows the alert token.
	ErrTokenNotFound = errors.New("token not found")
	// ErrInvalidAlert is returned for a bad token, target or direction.
	ErrInvalidAlert = errors.New("invalid alert")
)

// RegisterAlert validates and resolves token, then starts monitoring it.
// The alert is persisted before it becomes visible to the monitor.
func (s *Service) RegisterAlert(ctx context.Context, token string, target decimal.Decimal, direction monitor.Direction) (string, error) {
	token, err := normalizeToken(token)
	if err != nil {
		return "", err
	}
	if !target.IsPositive() {
		return "", fmt.Errorf("%w: target must be positive, got %s", ErrInvalidAlert, target)
	}
	if direction != monitor.Above && direction != monitor.Below {
		return "", fmt.Errorf("%w: direction must be above or below", ErrInvalidAlert)
	}

	quote, err := s.source.FetchPrice(ctx, token)
	if err != nil {
		var exhausted *failover.ExhaustedError
		if errors.As(err, &exhausted) && exhausted.AllNotFound() {
			return "", fmt.Errorf("%w: %s", ErrTokenNotFound, token)
		}
		return "", fmt.Errorf("resolve token %s: %w", token, err)
	}

	alert := monitor.NewAlert(token, target, direction, s.now())
	if s.store != nil {
		if err := s.store.InsertAlert(ctx, toRecord(alert)); err != nil {
			return "", fmt.Errorf("persist alert: %w", err)
		}
	}
	if err := s.monitor.Register(alert); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("alert_id", alert.ID).
		Str("token", token).
		Str("direction", string(direction)).
		Str("target", target.String()).
		Float64("price", quote.PriceUSD).
		Str("provider", quote.Provenance.Provider).
		Msg("alert registered")
	return alert.ID, nil
}

// CancelAlert removes an Active alert. It reports false for unknown or
// already terminal alerts.
func (s *Service) CancelAlert(ctx context.Context, id string) bool {
	if !s.monitor.Cancel(id) {
		return false
	}
	if s.store != nil {
		if err := s.store.MarkRemoved(ctx, id, s.now().UTC()); err != nil {
			s.logger.Error().Err(err).Str("alert_id", id).Msg("persist cancellation failed")
		}
	}
	s.logger.Info().Str("alert_id", id).Msg("alert cancelled")
	return true
}

// Alert returns the alert with id.
func (s *Service) Alert(id string) (monitor.Alert, bool) {
	return s.monitor.Get(id)
}

// ListAlerts returns up to limit alerts, newest first. Persisted history is
// used when a store is configured, the in-memory set otherwise.
func (s *Service) ListAlerts(ctx context.Context, limit int) ([]monitor.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	if s.store != nil {
		records, err := s.store.ListRecentAlerts(ctx, limit)
		if err != nil {
			return nil, err
		}
		alerts := make([]monitor.Alert, 0, len(records))
		for _, rec := range records {
			a, err := fromRecord(rec)
			if err != nil {
				s.logger.Warn().Err(err).Str("alert_id", rec.ID).Msg("skip unreadable alert row")
				continue
			}
			alerts = append(alerts, a)
		}
		return alerts, nil
	}

	all := s.monitor.All()
	out := make([]monitor.Alert, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// TriggerHistory lists recent trigger audit rows.
func (s *Service) TriggerHistory(ctx context.Context, limit int) ([]storage.TriggerEvent, error) {
	if s.store == nil {
		return nil, storage.ErrNotConfigured
	}
	return s.store.ListRecentEvents(ctx, limit)
}

// RestoreAlerts loads persisted Active alerts into the monitor.
func (s *Service) RestoreAlerts(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	records, err := s.store.ListActiveAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active alerts: %w", err)
	}
	alerts := make([]monitor.Alert, 0, len(records))
	for _, rec := range records {
		a, err := fromRecord(rec)
		if err != nil {
			s.logger.Warn().Err(err).Str("alert_id", rec.ID).Msg("skip unreadable alert row")
			continue
		}
		alerts = append(alerts, a)
	}
	loaded := s.monitor.Load(alerts)
	s.logger.Info().Int("loaded", loaded).Msg("restored active alerts")
	return loaded, nil
}

// PruneAlerts deletes terminal alerts older than retention.
func (s *Service) PruneAlerts(ctx context.Context, retention time.Duration) (int64, error) {
	if s.store == nil || retention <= 0 {
		return 0, nil
	}
	return s.store.DeleteAlertsBefore(ctx, s.now().Add(-retention))
}

// normalizeToken validates token input. Hex addresses are checksummed and
// everything else is treated as a symbol or mint address.
func normalizeToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidAlert)
	}
	if strings.HasPrefix(token, "0x") || strings.HasPrefix(token, "0X") {
		if !common.IsHexAddress(token) {
			return "", fmt.Errorf("%w: %q is not a valid hex address", ErrInvalidAlert, token)
		}
		return common.HexToAddress(token).Hex(), nil
	}
	return market.NormalizeSymbol(token), nil
}

func toRecord(a monitor.Alert) storage.AlertRecord {
	return storage.AlertRecord{
		ID:           a.ID,
		TokenAddress: a.TokenAddress,
		Target:       a.Target,
		Direction:    strings.ToLower(string(a.Direction)),
		State:        strings.ToLower(string(a.State)),
		CreatedAt:    a.CreatedAt,
		TriggeredAt:  a.TriggeredAt,
		TriggerPrice: a.TriggerPrice,
	}
}

func fromRecord(rec storage.AlertRecord) (monitor.Alert, error) {
	dir, err := monitor.ParseDirection(rec.Direction)
	if err != nil {
		return monitor.Alert{}, err
	}
	var state monitor.State
	switch rec.State {
	case storage.StateActive:
		state = monitor.Active
	case storage.StateTriggered:
		state = monitor.Triggered
	case storage.StateRemoved:
		state = monitor.Removed
	default:
		return monitor.Alert{}, fmt.Errorf("unknown alert state %q", rec.State)
	}
	return monitor.Alert{
		ID:           rec.ID,
		TokenAddress: rec.TokenAddress,
		Target:       rec.Target,
		Direction:    dir,
		State:        state,
		CreatedAt:    rec.CreatedAt,
		TriggeredAt:  rec.TriggeredAt,
		TriggerPrice: rec.TriggerPrice,
	}, nil
}
