package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrAlertNotActive is returned when a transition targets a terminal alert.
	ErrAlertNotActive = errors.New("storage: alert not active")
)

const (
	insertAlertSQL = `INSERT INTO price_alerts (
        id,
        token_address,
        target_usd,
        direction,
        state,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (id) DO NOTHING;`

	alertColumns = `id,
        token_address,
        target_usd,
        direction,
        state,
        created_at,
        triggered_at,
        trigger_price,
        removed_at`

	listActiveAlertsSQL = `SELECT ` + alertColumns + `
    FROM price_alerts
    WHERE state = 'active'
    ORDER BY created_at;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM price_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	markTriggeredSQL = `UPDATE price_alerts
    SET state = 'triggered', triggered_at = $2, trigger_price = $3
    WHERE id = $1 AND state = 'active';`

	insertTriggerEventSQL = `INSERT INTO alert_events (
        alert_id,
        observed_usd,
        triggered_at
    ) VALUES ($1,$2,$3);`

	markRemovedSQL = `UPDATE price_alerts
    SET state = 'removed', removed_at = $2
    WHERE id = $1 AND state = 'active';`

	listRecentEventsSQL = `SELECT
        e.id,
        e.alert_id,
        a.token_address,
        e.observed_usd,
        e.triggered_at
    FROM alert_events e
    JOIN price_alerts a ON a.id = e.alert_id
    ORDER BY e.triggered_at DESC
    LIMIT $1;`

	deleteTerminalAlertsBeforeSQL = `DELETE FROM price_alerts
    WHERE state <> 'active'
      AND COALESCE(triggered_at, removed_at, created_at) < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines alert registry persistence.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) error
	MarkTriggered(ctx context.Context, id string, price decimal.Decimal, at time.Time) error
	MarkRemoved(ctx context.Context, id string, at time.Time) error
	ListActiveAlerts(ctx context.Context) ([]AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListRecentEvents(ctx context.Context, limit int) ([]TriggerEvent, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to alerts and their trigger audit.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists a newly registered alert. Re-inserting an id is a no-op.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	state := alert.State
	if state == "" {
		state = StateActive
	}
	if _, err := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.TokenAddress,
		alert.Target.String(),
		alert.Direction,
		state,
		alert.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// MarkTriggered records the Active to Triggered transition and its audit row
// in one transaction.
func (s *Store) MarkTriggered(ctx context.Context, id string, price decimal.Decimal, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markTriggeredSQL, id, at, price.String())
		if err != nil {
			return fmt.Errorf("mark alert triggered: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrAlertNotActive, id)
		}
		if _, err := tx.Exec(ctx, insertTriggerEventSQL, id, price.String(), at); err != nil {
			return fmt.Errorf("insert trigger event: %w", err)
		}
		return nil
	})
}

// MarkRemoved records a cancellation.
func (s *Store) MarkRemoved(ctx context.Context, id string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, markRemovedSQL, id, at)
	if err != nil {
		return fmt.Errorf("mark alert removed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlertNotActive, id)
	}
	return nil
}

// ListActiveAlerts lists alerts still waiting for a crossing, oldest first.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listActiveAlertsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListRecentAlerts lists the most recently created alerts in any state.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows)
}

// ListRecentEvents lists the most recent trigger audit rows.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]TriggerEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentEventsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	events := make([]TriggerEvent, 0, limit)
	for rows.Next() {
		var (
			ev          TriggerEvent
			observedStr string
		)
		if err := rows.Scan(&ev.ID, &ev.AlertID, &ev.Token, &observedStr, &ev.TriggeredAt); err != nil {
			return nil, err
		}
		if ev.Observed, err = decimal.NewFromString(observedStr); err != nil {
			return nil, fmt.Errorf("parse observed price: %w", err)
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteAlertsBefore drops terminal alerts whose last transition is older than
// olderThan. Active alerts are never deleted.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteTerminalAlertsBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectAlerts(rows pgx.Rows) ([]AlertRecord, error) {
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec        AlertRecord
		targetStr  string
		triggerStr *string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.TokenAddress,
		&targetStr,
		&rec.Direction,
		&rec.State,
		&rec.CreatedAt,
		&rec.TriggeredAt,
		&triggerStr,
		&rec.RemovedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	target, err := decimal.NewFromString(targetStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse target: %w", err)
	}
	rec.Target = target

	if triggerStr != nil {
		price, err := decimal.NewFromString(*triggerStr)
		if err != nil {
			return AlertRecord{}, fmt.Errorf("parse trigger price: %w", err)
		}
		rec.TriggerPrice = &price
	}
	return rec, nil
}

var (
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
