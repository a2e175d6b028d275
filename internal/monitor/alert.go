package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the side of the target that fires an alert.
type Direction string

const (
	Above Direction = "Above"
	Below Direction = "Below"
)

// ParseDirection accepts above/below in any case, plus the > and < shorthands.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "above", ">", ">=":
		return Above, nil
	case "below", "<", "<=":
		return Below, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// State is the lifecycle position of an alert. Triggered and Removed are
// terminal.
type State string

const (
	Active    State = "Active"
	Triggered State = "Triggered"
	Removed   State = "Removed"
)

// Alert is a one-shot price threshold.
type Alert struct {
	ID           string           `json:"id"`
	TokenAddress string           `json:"token_address"`
	Target       decimal.Decimal  `json:"target"`
	Direction    Direction        `json:"direction"`
	State        State            `json:"state"`
	CreatedAt    time.Time        `json:"created_at"`
	TriggeredAt  *time.Time       `json:"triggered_at,omitempty"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
}

// NewAlert builds an Active alert with a fresh id.
func NewAlert(token string, target decimal.Decimal, dir Direction, now time.Time) Alert {
	return Alert{
		ID:           uuid.NewString(),
		TokenAddress: token,
		Target:       target,
		Direction:    dir,
		State:        Active,
		CreatedAt:    now.UTC(),
	}
}

// Crossed reports whether price satisfies the alert condition.
func (a Alert) Crossed(price decimal.Decimal) bool {
	switch a.Direction {
	case Above:
		return price.GreaterThanOrEqual(a.Target)
	case Below:
		return price.LessThanOrEqual(a.Target)
	}
	return false
}
