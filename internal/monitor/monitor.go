package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-signal-engine/internal/alerting"
	"market-signal-engine/internal/market"
)

// ErrDuplicateAlert is returned when registering an id twice.
var ErrDuplicateAlert = errors.New("alert already registered")

// PriceSource supplies current prices, normally the failover fetcher.
type PriceSource interface {
	FetchPrice(ctx context.Context, symbol string) (market.PriceQuote, error)
}

// Store persists trigger transitions.
type Store interface {
	MarkTriggered(ctx context.Context, id string, price decimal.Decimal, at time.Time) error
}

// Options configure a Monitor.
type Options struct {
	Store Store
	Now   func() time.Time
}

// TickResult summarises one polling pass.
type TickResult struct {
	Checked   int
	Triggered int
	Failed    int
}

// Monitor owns the alert set and evaluates it on each tick.
type Monitor struct {
	source PriceSource
	sink   alerting.Sink
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	alerts map[string]*Alert
}

// New constructs a Monitor. sink may be nil, in which case events are
// dropped after the state transition.
func New(source PriceSource, sink alerting.Sink, opts Options, logger zerolog.Logger) *Monitor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		source: source,
		sink:   sink,
		store:  opts.Store,
		logger: logger.With().Str("component", "monitor").Logger(),
		now:    opts.Now,
		alerts: make(map[string]*Alert),
	}
}

// Register adds an Active alert.
func (m *Monitor) Register(alert Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert id required")
	}
	if alert.State == "" {
		alert.State = Active
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAlert, alert.ID)
	}
	a := alert
	m.alerts[a.ID] = &a
	return nil
}

// Load restores persisted alerts. Non-Active alerts and known ids are ignored.
func (m *Monitor) Load(alerts []Alert) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, alert := range alerts {
		if alert.State != Active {
			continue
		}
		if _, ok := m.alerts[alert.ID]; ok {
			continue
		}
		a := alert
		m.alerts[a.ID] = &a
		loaded++
	}
	return loaded
}

// Cancel moves an Active alert to Removed. It reports false for unknown or
// already terminal alerts.
func (m *Monitor) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok || a.State != Active {
		return false
	}
	a.State = Removed
	return true
}

// Get returns a copy of the alert.
func (m *Monitor) Get(id string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// Active returns the Active alerts ordered by creation time.
func (m *Monitor) Active() []Alert {
	return m.filter(func(a *Alert) bool { return a.State == Active })
}

// All returns every known alert ordered by creation time.
func (m *Monitor) All() []Alert {
	return m.filter(func(*Alert) bool { return true })
}

func (m *Monitor) filter(keep func(*Alert) bool) []Alert {
	m.mu.Lock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if keep(a) {
			out = append(out, *a)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Tick runs one polling pass over the Active alerts. Each token is priced
// once. A failure for one token is logged and does not stop the pass.
func (m *Monitor) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	active := m.Active()
	if len(active) == 0 {
		return result, nil
	}

	byToken := make(map[string][]Alert)
	tokens := make([]string, 0)
	for _, a := range active {
		if _, ok := byToken[a.TokenAddress]; !ok {
			tokens = append(tokens, a.TokenAddress)
		}
		byToken[a.TokenAddress] = append(byToken[a.TokenAddress], a)
	}

	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		alerts := byToken[token]
		result.Checked += len(alerts)

		quote, err := m.source.FetchPrice(ctx, token)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			result.Failed += len(alerts)
			m.logger.Warn().Err(err).Str("token", token).Int("alerts", len(alerts)).Msg("price fetch failed, skipping alerts this tick")
			continue
		}

		price := decimal.NewFromFloat(quote.PriceUSD)
		for _, a := range alerts {
			if !a.Crossed(price) {
				continue
			}
			if m.fire(ctx, a, price, quote.Provenance) {
				result.Triggered++
			}
		}
	}
	return result, nil
}

// fire transitions the alert and delivers its event. It reports false when a
// concurrent Cancel won the race.
func (m *Monitor) fire(ctx context.Context, a Alert, price decimal.Decimal, prov market.Provenance) bool {
	at := m.now().UTC()

	m.mu.Lock()
	current, ok := m.alerts[a.ID]
	if !ok || current.State != Active {
		m.mu.Unlock()
		return false
	}
	current.State = Triggered
	current.TriggeredAt = &at
	observed := price
	current.TriggerPrice = &observed
	m.mu.Unlock()

	logger := m.logger.With().Str("alert_id", a.ID).Str("token", a.TokenAddress).Logger()

	if m.store != nil {
		if err := m.store.MarkTriggered(ctx, a.ID, price, at); err != nil {
			logger.Error().Err(err).Msg("persist trigger failed")
		}
	}

	if m.sink == nil {
		return true
	}
	event := alerting.Event{
		AlertID:      a.ID,
		TokenAddress: a.TokenAddress,
		Direction:    string(a.Direction),
		Target:       a.Target,
		Observed:     price,
		TriggeredAt:  at,
		Provider:     prov.Provider,
		Fallback:     prov.Fallback,
	}
	if err := m.sink.DeliverAlertEvent(ctx, event); err != nil {
		logger.Error().Err(err).Msg("alert delivery failed")
		return true
	}
	logger.Info().Str("observed", price.String()).Str("target", a.Target.String()).Msg("alert triggered")
	return true
}
