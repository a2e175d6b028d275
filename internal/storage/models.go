package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRecord is the persisted form of a price alert.
type AlertRecord struct {
	ID           string
	TokenAddress string
	Target       decimal.Decimal
	Direction    string
	State        string
	CreatedAt    time.Time
	TriggeredAt  *time.Time
	TriggerPrice *decimal.Decimal
	RemovedAt    *time.Time
}

// TriggerEvent audits one alert firing.
type TriggerEvent struct {
	ID          int64
	AlertID     string
	Token       string
	Observed    decimal.Decimal
	TriggeredAt time.Time
}

// Persisted alert states. They mirror the monitor lifecycle in lower case.
const (
	StateActive    = "active"
	StateTriggered = "triggered"
	StateRemoved   = "removed"
)
