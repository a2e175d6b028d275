package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-signal-engine/internal/failover"
	"market-signal-engine/internal/indicator"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/monitor"
	"market-signal-engine/internal/pipeline"
	"market-signal-engine/internal/service"
)

// API is the inbound surface served over HTTP.
type API interface {
	GetPrice(ctx context.Context, callerID, symbol string) (market.PriceQuote, error)
	GetMarketSnapshot(ctx context.Context, callerID, symbol string) (market.MarketSnapshot, error)
	GetSignal(ctx context.Context, callerID, symbol string) (service.SignalReport, error)
	RegisterAlert(ctx context.Context, token string, target decimal.Decimal, direction monitor.Direction) (string, error)
	CancelAlert(ctx context.Context, id string) bool
	Alert(id string) (monitor.Alert, bool)
	ListAlerts(ctx context.Context, limit int) ([]monitor.Alert, error)
}

// Options configure the HTTP server.
type Options struct {
	Addr            string
	Mode            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// CallerHeader identifies the caller for rate limiting. The client IP is
// used when it is absent.
const CallerHeader = "X-Caller-ID"

// Server exposes the API over REST and streams alert events over websocket.
type Server struct {
	api    API
	hub    *Hub
	opts   Options
	engine *gin.Engine
	logger zerolog.Logger

	upgrader websocket.Upgrader
}

// NewServer builds the gin engine and routes. hub may be nil, in which case
// /ws is not served.
func NewServer(api API, hub *Hub, opts Options, logger zerolog.Logger) *Server {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		api:    api,
		hub:    hub,
		opts:   opts,
		engine: gin.New(),
		logger: logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/price/:symbol", s.getPrice)
	api.GET("/snapshot/:symbol", s.getSnapshot)
	api.GET("/signal/:symbol", s.getSignal)
	api.GET("/alerts", s.listAlerts)
	api.GET("/alerts/:id", s.getAlert)
	api.POST("/alerts", s.createAlert)
	api.DELETE("/alerts/:id", s.deleteAlert)

	if s.hub != nil {
		s.engine.GET("/ws", s.handleWebSocket)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully. The hub is
// run alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return ctx.Err()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func callerID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader(CallerHeader)); id != "" {
		return id
	}
	return c.ClientIP()
}

func (s *Server) getHealth(c *gin.Context) {
	connections := 0
	if s.hub != nil {
		connections = s.hub.Clients()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": connections,
	})
}

func (s *Server) getPrice(c *gin.Context) {
	quote, err := s.api.GetPrice(c.Request.Context(), callerID(c), c.Param("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) getSnapshot(c *gin.Context) {
	snap, err := s.api.GetMarketSnapshot(c.Request.Context(), callerID(c), c.Param("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getSignal(c *gin.Context) {
	report, err := s.api.GetSignal(c.Request.Context(), callerID(c), c.Param("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type createAlertRequest struct {
	Token     string `json:"token" binding:"required"`
	Target    string `json:"target" binding:"required"`
	Direction string `json:"direction" binding:"required"`
}

func (s *Server) createAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := decimal.NewFromString(strings.TrimSpace(req.Target))
	if err != nil {
		s.writeError(c, errors.Join(service.ErrInvalidAlert, err))
		return
	}
	dir, err := monitor.ParseDirection(req.Direction)
	if err != nil {
		s.writeError(c, errors.Join(service.ErrInvalidAlert, err))
		return
	}

	id, err := s.api.RegisterAlert(c.Request.Context(), req.Token, target, dir)
	if err != nil {
		s.writeError(c, err)
		return
	}
	alert, _ := s.api.Alert(id)
	c.JSON(http.StatusCreated, alert)
}

func (s *Server) getAlert(c *gin.Context) {
	alert, ok := s.api.Alert(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) deleteAlert(c *gin.Context) {
	if !s.api.CancelAlert(c.Request.Context(), c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active alert with this id"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listAlerts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	alerts, err := s.api.ListAlerts(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := &client{
		hub:    s.hub,
		conn:   conn,
		send:   make(chan Message, 64),
		remote: c.ClientIP(),
	}
	if !s.hub.join(cl) {
		_ = conn.Close()
		return
	}

	go cl.writePump()
	go cl.readPump()
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var exhausted *failover.ExhaustedError
	switch {
	case errors.Is(err, pipeline.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrInvalidSymbol), errors.Is(err, service.ErrInvalidAlert):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.As(err, &exhausted) && exhausted.AllNotFound():
		return http.StatusNotFound
	case errors.Is(err, failover.ErrAllProvidersExhausted):
		return http.StatusBadGateway
	case errors.Is(err, indicator.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)

	var limited *pipeline.RateLimitedError
	if errors.As(err, &limited) {
		secs := int(limited.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}

	body := gin.H{"error": err.Error()}
	if hint := service.Suggestion(err); hint != "" {
		body["suggestion"] = hint
	}
	c.JSON(status, body)
}
