package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-signal-engine/internal/alerting"
	"market-signal-engine/internal/cache"
	"market-signal-engine/internal/config"
	"market-signal-engine/internal/failover"
	"market-signal-engine/internal/fetcher"
	"market-signal-engine/internal/httpapi"
	"market-signal-engine/internal/monitor"
	"market-signal-engine/internal/pipeline"
	"market-signal-engine/internal/ratelimit"
	"market-signal-engine/internal/retry"
	"market-signal-engine/internal/scheduler"
	"market-signal-engine/internal/service"
	"market-signal-engine/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// runtime is the assembled engine shared by every command.
type runtime struct {
	service *service.Service
	monitor *monitor.Monitor
	limiter *ratelimit.Limiter
	cache   *cache.Cache[pipeline.Response]
	store   *storage.Store
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) newProviders() ([]fetcher.Provider, error) {
	pc := a.Config.Providers
	httpOpts := func(p config.ProviderConfig) fetcher.HTTPOptions {
		return fetcher.HTTPOptions{
			BaseURL:   p.BaseURL,
			APIKey:    p.APIKey,
			Timeout:   p.RequestTimeout,
			UserAgent: p.UserAgent,
		}
	}

	providers := make([]fetcher.Provider, 0, len(pc.Order))
	for _, name := range pc.Order {
		switch name {
		case fetcher.NameCoinGecko:
			if pc.CoinGecko.Enabled {
				providers = append(providers, fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
					HTTPOptions: httpOpts(pc.CoinGecko.ProviderConfig),
					IDs:         pc.CoinGecko.IDs,
				}, a.Logger))
			}
		case fetcher.NameDexScreener:
			if pc.DexScreener.Enabled {
				providers = append(providers, fetcher.NewDexScreener(httpOpts(pc.DexScreener), a.Logger))
			}
		case fetcher.NameYahoo:
			if pc.Yahoo.Enabled {
				providers = append(providers, fetcher.NewYahoo(fetcher.YahooOptions{
					HTTPOptions: httpOpts(pc.Yahoo.ProviderConfig),
					Tickers:     pc.Yahoo.Tickers,
				}, a.Logger))
			}
		case fetcher.NameChainlink:
			if !pc.Chainlink.Enabled {
				continue
			}
			if pc.Chainlink.RPCURL == "" {
				a.Logger.Debug().Msg("providers.chainlink.rpc_url not configured; on-chain tier disabled")
				continue
			}
			providers = append(providers, fetcher.NewChainlink(fetcher.ChainlinkOptions{
				RPCURL:        pc.Chainlink.RPCURL,
				Feeds:         pc.Chainlink.Feeds,
				HistoryRounds: pc.Chainlink.HistoryRounds,
				Timeout:       pc.Chainlink.RequestTimeout,
			}, a.Logger))
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("no market data provider enabled")
	}
	return providers, nil
}

func (a *App) newFetcher() (*failover.Fetcher, error) {
	providers, err := a.newProviders()
	if err != nil {
		return nil, err
	}
	rc := a.Config.Retry
	policy := failover.NewPolicy(retry.Config{
		MaxAttempts:          rc.MaxAttempts,
		BaseDelay:            rc.BaseDelay,
		RateLimitedBaseDelay: rc.RateLimitedBaseDelay,
		MaxDelay:             rc.MaxDelay,
		Jitter:               rc.Jitter,
	})
	return failover.New(providers, policy, a.Logger), nil
}

func (a *App) newCache(ctx context.Context) (*cache.Cache[pipeline.Response], func(), error) {
	cc := a.Config.Cache
	if cc.Backend != "redis" {
		return cache.New[pipeline.Response](cache.NewMemoryBackend(), cache.Options{}, a.Logger), func() {}, nil
	}
	backend, err := cache.NewRedisBackend(ctx, cache.RedisOptions{
		Addr:        cc.Redis.Addr,
		Password:    cc.Redis.Password,
		DB:          cc.Redis.DB,
		Prefix:      cc.Redis.Prefix,
		DialTimeout: cc.Redis.DialTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return cache.New[pipeline.Response](backend, cache.Options{}, a.Logger), func() { _ = backend.Close() }, nil
}

// newSink builds the configured delivery channels. hub may be nil outside
// of serve.
func (a *App) newSink(hub *httpapi.Hub) alerting.Sink {
	var sinks alerting.MultiSink
	for _, ch := range a.Config.Alerting.Channels {
		switch ch {
		case config.ChannelLog:
			sinks = append(sinks, alerting.NewLogSink(a.Logger))
		case config.ChannelTelegram:
			tc := a.Config.Alerting.Telegram
			sinks = append(sinks, alerting.NewTelegramSink(tc.BotToken, tc.ChatID, tc.APIBase, tc.Timeout, a.Logger))
		case config.ChannelWebsocket:
			if hub != nil {
				sinks = append(sinks, hub)
			}
		}
	}
	if len(sinks) == 0 {
		return alerting.NewLogSink(a.Logger)
	}
	return sinks
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// buildRuntime wires fetcher, cache, limiter, store and monitor into a
// Service. The store is only opened when withStore is set. The caller must
// Close the runtime.
func (a *App) buildRuntime(ctx context.Context, sink alerting.Sink, withStore bool) (*runtime, error) {
	rt := &runtime{}

	source, err := a.newFetcher()
	if err != nil {
		return nil, err
	}

	respCache, closeCache, err := a.newCache(ctx)
	if err != nil {
		return nil, err
	}
	rt.cache = respCache
	rt.closers = append(rt.closers, closeCache)

	var store *storage.Store
	if withStore {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if closeStore != nil {
			rt.closers = append(rt.closers, closeStore)
		}
		store = s
	}
	rt.store = store

	rt.limiter = ratelimit.New(ratelimit.Options{
		Calls:  a.Config.RateLimit.Calls,
		Window: a.Config.RateLimit.Window,
	})

	monOpts := monitor.Options{}
	svcOpts := service.Options{
		Source:       source,
		Limiter:      rt.limiter,
		Cache:        respCache,
		CacheTTL:     a.Config.Cache.TTL,
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		LookbackDays: a.Config.Signal.LookbackDays,
		Scheduler: scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			Immediate:    true,
		}, a.Logger),
	}
	// typed nil pointers must not leak into the interfaces
	if store != nil {
		monOpts.Store = store
		svcOpts.Store = store
		svcOpts.Locker = store
	}
	rt.monitor = monitor.New(source, sink, monOpts, a.Logger)
	svcOpts.Monitor = rt.monitor
	rt.service = service.New(svcOpts, a.Logger)
	return rt, nil
}

// Run executes the long-running alert monitor without the HTTP surface.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.buildRuntime(ctx, a.newSink(nil), true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alerts live only in memory")
	}
	if _, err := rt.service.RestoreAlerts(ctx); err != nil {
		return err
	}

	stop, err := a.startMaintenance(ctx, rt)
	if err != nil {
		return err
	}
	defer stop()

	a.Logger.Info().Msg("starting alert monitor")
	err = rt.service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert monitor stopped")
	return nil
}

// Serve runs the alert monitor together with the REST and websocket API.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := httpapi.NewHub(20, a.Logger)
	rt, err := a.buildRuntime(ctx, a.newSink(hub), true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.service.RestoreAlerts(ctx); err != nil {
		return err
	}
	stop, err := a.startMaintenance(ctx, rt)
	if err != nil {
		return err
	}
	defer stop()

	hc := a.Config.HTTP
	server := httpapi.NewServer(rt.service, hub, httpapi.Options{
		Addr:            hc.Addr,
		Mode:            hc.Mode,
		ReadTimeout:     hc.ReadTimeout,
		WriteTimeout:    hc.WriteTimeout,
		ShutdownTimeout: hc.ShutdownTimeout,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.service.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}

// Migrate applies the SQL migrations under database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法执行迁移")
	}
	defer closeStore()

	applied, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", name)
	}
	return nil
}
