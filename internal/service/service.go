package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"market-signal-engine/internal/cache"
	"market-signal-engine/internal/indicator"
	"market-signal-engine/internal/market"
	"market-signal-engine/internal/monitor"
	"market-signal-engine/internal/pipeline"
	"market-signal-engine/internal/scheduler"
	"market-signal-engine/internal/signal"
	"market-signal-engine/internal/storage"
)

// ErrInvalidSymbol is returned for blank symbols.
var ErrInvalidSymbol = errors.New("invalid symbol")

// MarketSource is the resilient market data backend, normally the failover
// fetcher.
type MarketSource interface {
	FetchPrice(ctx context.Context, symbol string) (market.PriceQuote, error)
	FetchMarketSnapshot(ctx context.Context, symbol string, lookbackDays int) (market.MarketSnapshot, error)
}

// Options wire a Service. Limiter, Cache, Store, Locker and Scheduler are
// optional.
type Options struct {
	Source       MarketSource
	Monitor      *monitor.Monitor
	Limiter      pipeline.Admitter
	Cache        *cache.Cache[pipeline.Response]
	CacheTTL     time.Duration
	Store        storage.AlertStore
	Locker       storage.AdvisoryLocker
	LockKey      int64
	Scheduler    *scheduler.Scheduler
	LookbackDays int
	Indicators   indicator.Options
	Now          func() time.Time
}

// SignalReport is the result of GetSignal.
type SignalReport struct {
	Symbol     string            `json:"symbol"`
	Signal     signal.Signal     `json:"signal"`
	Indicators indicator.Set     `json:"indicators"`
	DCA        signal.DCAPlan    `json:"dca"`
	Provenance market.Provenance `json:"provenance"`
	FromCache  bool              `json:"from_cache"`
}

// Service is the inbound API over market data, signals and alerts.
type Service struct {
	source     MarketSource
	monitor    *monitor.Monitor
	store      storage.AlertStore
	locker     storage.AdvisoryLocker
	lockKey    int64
	scheduler  *scheduler.Scheduler
	lookback   int
	indicators indicator.Options
	now        func() time.Time
	handler    pipeline.Handler
	logger     zerolog.Logger
}

// New constructs the service and assembles its request pipeline.
func New(opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 90
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	locker := opts.Locker
	if locker == nil {
		if l, ok := opts.Store.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}

	s := &Service{
		source:     opts.Source,
		monitor:    opts.Monitor,
		store:      opts.Store,
		locker:     locker,
		lockKey:    opts.LockKey,
		scheduler:  opts.Scheduler,
		lookback:   opts.LookbackDays,
		indicators: opts.Indicators,
		now:        opts.Now,
		logger:     logger.With().Str("component", "service").Logger(),
	}

	mws := []pipeline.Middleware{pipeline.Logging(logger)}
	if opts.Limiter != nil {
		mws = append(mws, pipeline.RateLimit(opts.Limiter))
	}
	if opts.Cache != nil {
		mws = append(mws, pipeline.Cache(opts.Cache, opts.CacheTTL))
	}
	s.handler = pipeline.Chain(pipeline.HandlerFunc(s.handle), mws...)
	return s
}

// LookbackDays returns the default indicator lookback.
func (s *Service) LookbackDays() int {
	return s.lookback
}

// GetPrice returns the current price of symbol.
func (s *Service) GetPrice(ctx context.Context, callerID, symbol string) (market.PriceQuote, error) {
	resp, err := s.serve(ctx, callerID, pipeline.OpPrice, symbol, 0)
	if err != nil {
		return market.PriceQuote{}, err
	}
	return *resp.Quote, nil
}

// GetMarketSnapshot returns market statistics and the default lookback series.
func (s *Service) GetMarketSnapshot(ctx context.Context, callerID, symbol string) (market.MarketSnapshot, error) {
	return s.GetMarketSnapshotFor(ctx, callerID, symbol, s.lookback)
}

// GetMarketSnapshotFor is GetMarketSnapshot with an explicit lookback.
func (s *Service) GetMarketSnapshotFor(ctx context.Context, callerID, symbol string, lookbackDays int) (market.MarketSnapshot, error) {
	if lookbackDays <= 0 {
		lookbackDays = s.lookback
	}
	resp, err := s.serve(ctx, callerID, pipeline.OpSnapshot, symbol, lookbackDays)
	if err != nil {
		return market.MarketSnapshot{}, err
	}
	return *resp.Snapshot, nil
}

// GetSignal computes indicators over the lookback series and scores them.
func (s *Service) GetSignal(ctx context.Context, callerID, symbol string) (SignalReport, error) {
	resp, err := s.serve(ctx, callerID, pipeline.OpSignal, symbol, s.lookback)
	if err != nil {
		return SignalReport{}, err
	}
	return SignalReport{
		Symbol:     resp.Snapshot.Symbol,
		Signal:     *resp.Signal,
		Indicators: *resp.Indicators,
		DCA:        *resp.DCA,
		Provenance: resp.Snapshot.Provenance,
		FromCache:  resp.FromCache,
	}, nil
}

func (s *Service) serve(ctx context.Context, callerID string, op pipeline.Op, symbol string, lookbackDays int) (pipeline.Response, error) {
	symbol = market.NormalizeSymbol(symbol)
	if symbol == "" {
		return pipeline.Response{}, fmt.Errorf("%w: symbol is required", ErrInvalidSymbol)
	}
	if strings.TrimSpace(callerID) == "" {
		callerID = "anonymous"
	}
	return s.handler.Handle(ctx, pipeline.Request{
		CallerID:     callerID,
		Op:           op,
		Symbol:       symbol,
		LookbackDays: lookbackDays,
	})
}

// handle is the innermost pipeline stage.
func (s *Service) handle(ctx context.Context, req pipeline.Request) (pipeline.Response, error) {
	switch req.Op {
	case pipeline.OpPrice:
		quote, err := s.source.FetchPrice(ctx, req.Symbol)
		if err != nil {
			return pipeline.Response{}, err
		}
		return pipeline.Response{Quote: &quote}, nil

	case pipeline.OpSnapshot:
		snap, err := s.source.FetchMarketSnapshot(ctx, req.Symbol, req.LookbackDays)
		if err != nil {
			return pipeline.Response{}, err
		}
		return pipeline.Response{Snapshot: &snap}, nil

	case pipeline.OpSignal:
		snap, err := s.source.FetchMarketSnapshot(ctx, req.Symbol, req.LookbackDays)
		if err != nil {
			return pipeline.Response{}, err
		}
		set, err := indicator.Compute(snap.Prices(), s.indicators)
		if err != nil {
			return pipeline.Response{}, fmt.Errorf("%s via %s: %w", req.Symbol, snap.Provenance.Provider, err)
		}
		sig := signal.Generate(set)
		plan := signal.PlanDCA(set)
		return pipeline.Response{Snapshot: &snap, Signal: &sig, Indicators: &set, DCA: &plan}, nil
	}
	return pipeline.Response{}, fmt.Errorf("unsupported op %q", req.Op)
}

// Run drives the alert monitor on the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单次告警轮询。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := s.monitor.Tick(ctx)
	if err != nil {
		return fmt.Errorf("monitor tick: %w", err)
	}

	evt := s.logger.Debug()
	if result.Triggered > 0 || result.Failed > 0 {
		evt = s.logger.Info()
	}
	evt.Time("bucket", bucket).
		Int("checked", result.Checked).
		Int("triggered", result.Triggered).
		Int("failed", result.Failed).
		Msg("alert tick complete")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
