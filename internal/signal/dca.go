package signal

import (
	"math"

	"market-signal-engine/internal/indicator"
)

// Risk is a DCA risk tier.
type Risk string

const (
	RiskLow    Risk = "Low"
	RiskMedium Risk = "Medium"
	RiskHigh   Risk = "High"
)

// EntryPoint is one staged buy.
type EntryPoint struct {
	Price         float64 `msgpack:"price" json:"price"`
	AllocationPct float64 `msgpack:"allocation_pct" json:"allocation_pct"`
}

// DCAPlan is a dollar cost averaging schedule.
type DCAPlan struct {
	Entries     []EntryPoint `msgpack:"entries" json:"entries"`
	Risk        Risk         `msgpack:"risk" json:"risk"`
	Explanation string       `msgpack:"explanation" json:"explanation"`
	Schedule    string       `msgpack:"schedule" json:"schedule"`
}

// PlanDCA stages entries just under the price and at the two nearest
// supports. Risk grows with the distance of RSI from 50.
func PlanDCA(set indicator.Set) DCAPlan {
	entries := []EntryPoint{{Price: set.LastPrice * 0.98, AllocationPct: 20}}

	supports := set.SupportLevels
	switch {
	case len(supports) >= 2:
		entries = append(entries,
			EntryPoint{Price: supports[len(supports)-1], AllocationPct: 40},
			EntryPoint{Price: supports[len(supports)-2], AllocationPct: 40},
		)
	case len(supports) == 1:
		entries = append(entries, EntryPoint{Price: supports[0], AllocationPct: 80})
	default:
		entries[0].AllocationPct = 100
	}

	plan := DCAPlan{Entries: entries}
	switch momentum := math.Abs(set.RSI - 50); {
	case momentum > 20:
		plan.Risk = RiskHigh
		plan.Explanation = "Strong market momentum detected. Consider smaller position sizes."
		plan.Schedule = "Weekly small purchases spread across 6-8 weeks"
	case momentum > 10:
		plan.Risk = RiskMedium
		plan.Explanation = "Moderate market conditions. Standard position sizing recommended."
		plan.Schedule = "Bi-weekly purchases spread across 4-6 weeks"
	default:
		plan.Risk = RiskLow
		plan.Explanation = "Stable market conditions. Suitable for a regular DCA schedule."
		plan.Schedule = "Monthly purchases spread across 3-4 months"
	}
	return plan
}
