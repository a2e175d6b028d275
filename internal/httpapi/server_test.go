package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-signal-engine/internal/alerting"
	"market-signal-engine/internal/failover"
	"market-signal-engine/internal/fetcher"
	"market-signal-engine/internal/indicator"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/monitor"
	"market-signal-engine/internal/pipeline"
	"market-signal-engine/internal/service"
)

type fakeAPI struct {
	mu       sync.Mutex
	err      error
	alerts   map[string]monitor.Alert
	callers  []string
	lastDir  monitor.Direction
	lastGoal decimal.Decimal
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{alerts: map[string]monitor.Alert{}}
}

func (f *fakeAPI) GetPrice(_ context.Context, caller, symbol string) (market.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers = append(f.callers, caller)
	if f.err != nil {
		return market.PriceQuote{}, f.err
	}
	return market.PriceQuote{Symbol: symbol, PriceUSD: 123.5, Provenance: market.Provenance{Provider: "coingecko"}}, nil
}

func (f *fakeAPI) GetMarketSnapshot(_ context.Context, _, symbol string) (market.MarketSnapshot, error) {
	if f.err != nil {
		return market.MarketSnapshot{}, f.err
	}
	return market.MarketSnapshot{Symbol: symbol, Series: []market.PricePoint{{Time: time.Unix(0, 0).UTC(), Price: 1}}}, nil
}

func (f *fakeAPI) GetSignal(_ context.Context, _, symbol string) (service.SignalReport, error) {
	if f.err != nil {
		return service.SignalReport{}, f.err
	}
	return service.SignalReport{Symbol: symbol}, nil
}

func (f *fakeAPI) RegisterAlert(_ context.Context, token string, target decimal.Decimal, dir monitor.Direction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.lastDir, f.lastGoal = dir, target
	a := monitor.NewAlert(token, target, dir, time.Now())
	f.alerts[a.ID] = a
	return a.ID, nil
}

func (f *fakeAPI) CancelAlert(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok || a.State != monitor.Active {
		return false
	}
	a.State = monitor.Removed
	f.alerts[id] = a
	return true
}

func (f *fakeAPI) Alert(id string) (monitor.Alert, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	return a, ok
}

func (f *fakeAPI) ListAlerts(context.Context, int) ([]monitor.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]monitor.Alert, 0, len(f.alerts))
	for _, a := range f.alerts {
		out = append(out, a)
	}
	return out, nil
}

func newTestServer(api API, hub *Hub) *Server {
	return NewServer(api, hub, Options{Mode: gin.TestMode}, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetPrice(t *testing.T) {
	api := newFakeAPI()
	srv := newTestServer(api, nil)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/price/btc", "", map[string]string{CallerHeader: "bot-7"})
	require.Equal(t, http.StatusOK, rec.Code)

	var quote market.PriceQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.Equal(t, "btc", quote.Symbol)
	assert.Equal(t, 123.5, quote.PriceUSD)
	assert.Equal(t, []string{"bot-7"}, api.callers)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"rate limited", &pipeline.RateLimitedError{CallerID: "x", RetryAfter: 2500 * time.Millisecond}, http.StatusTooManyRequests},
		{"invalid symbol", fmt.Errorf("%w: blank", service.ErrInvalidSymbol), http.StatusBadRequest},
		{"not found everywhere", &failover.ExhaustedError{Attempts: []failover.ProviderAttempt{{Provider: "coingecko", Err: fetcher.ErrNotFound}}}, http.StatusNotFound},
		{"providers down", &failover.ExhaustedError{Attempts: []failover.ProviderAttempt{{Provider: "coingecko", Err: fetcher.ErrUnavailable}}}, http.StatusBadGateway},
		{"short series", fmt.Errorf("wrap: %w", indicator.ErrInsufficientData), http.StatusUnprocessableEntity},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newFakeAPI()
			api.err = tc.err
			srv := newTestServer(api, nil)

			rec := do(t, srv.Handler(), http.MethodGet, "/api/signal/eth", "", nil)
			require.Equal(t, tc.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
			if tc.status == http.StatusTooManyRequests {
				assert.Equal(t, "3", rec.Header().Get("Retry-After"))
				assert.Contains(t, body["suggestion"], "Please wait")
			}
		})
	}
}

func TestAlertCRUD(t *testing.T) {
	api := newFakeAPI()
	srv := newTestServer(api, nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/alerts", `{"token":"btc","target":"65000.5","direction":"above"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created monitor.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, monitor.Above, api.lastDir)
	assert.True(t, api.lastGoal.Equal(decimal.RequireFromString("65000.5")))

	rec = do(t, h, http.MethodGet, "/api/alerts/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/alerts?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = do(t, h, http.MethodDelete, "/api/alerts/"+created.ID, "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/alerts/"+created.ID, "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/alerts/missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAlertRejectsBadInput(t *testing.T) {
	srv := newTestServer(newFakeAPI(), nil)
	h := srv.Handler()

	for _, body := range []string{
		`{"token":"btc","target":"abc","direction":"above"}`,
		`{"token":"btc","target":"10","direction":"sideways"}`,
		`{"token":"btc"}`,
		`not json`,
	} {
		rec := do(t, h, http.MethodPost, "/api/alerts", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := do(t, h, http.MethodGet, "/api/alerts?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebsocketReceivesAlertEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(10, zerolog.Nop())
	go hub.Run(ctx)

	srv := newTestServer(newFakeAPI(), hub)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	event := alerting.Event{
		AlertID:      "a-1",
		TokenAddress: "btc",
		Direction:    "Above",
		Target:       decimal.NewFromInt(100),
		Observed:     decimal.NewFromInt(101),
		TriggeredAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Provider:     "coingecko",
	}
	require.NoError(t, hub.DeliverAlertEvent(ctx, event))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, messageAlertTriggered, msg.Type)
	assert.Equal(t, "a-1", msg.Event.AlertID)
	assert.True(t, msg.Event.Observed.Equal(decimal.NewFromInt(101)))
	assert.Contains(t, msg.Text, "Alert ID: a-1")
}

func TestHubClosedRejectsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(0, zerolog.Nop())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	err := hub.DeliverAlertEvent(context.Background(), alerting.Event{AlertID: "x"})
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(newFakeAPI(), NewHub(0, zerolog.Nop()))
	rec := do(t, srv.Handler(), http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
