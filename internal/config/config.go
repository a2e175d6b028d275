package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"market-signal-engine/internal/logging"
)

// EnvPrefix namespaces environment overrides, e.g. SIGNALWATCH_CACHE_TTL.
const EnvPrefix = "SIGNALWATCH"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// RateLimitConfig sizes the per-caller sliding window.
type RateLimitConfig struct {
	Calls     int           `mapstructure:"calls"`
	Window    time.Duration `mapstructure:"window"`
	IdleEvict time.Duration `mapstructure:"idle_evict"`
}

// CacheConfig selects the response cache backend.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	Backend       string        `mapstructure:"backend"`
	Redis         RedisConfig   `mapstructure:"redis"`
}

// RedisConfig covers the shared cache backend.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// RetryConfig tunes backoff between provider attempts.
type RetryConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	RateLimitedBaseDelay time.Duration `mapstructure:"rate_limited_base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	Jitter               float64       `mapstructure:"jitter"`
}

// SchedulerConfig governs the alert polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ProvidersConfig lists upstreams in failover priority order.
type ProvidersConfig struct {
	Order       []string        `mapstructure:"order"`
	CoinGecko   CoinGeckoConfig `mapstructure:"coingecko"`
	DexScreener ProviderConfig  `mapstructure:"dexscreener"`
	Yahoo       YahooConfig     `mapstructure:"yahoo"`
	Chainlink   ChainlinkConfig `mapstructure:"chainlink"`
}

// ProviderConfig is shared by the HTTP providers.
type ProviderConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// CoinGeckoConfig adds symbol to coin id overrides.
type CoinGeckoConfig struct {
	ProviderConfig `mapstructure:",squash"`
	IDs            map[string]string `mapstructure:"ids"`
}

// YahooConfig adds symbol to ticker overrides.
type YahooConfig struct {
	ProviderConfig `mapstructure:",squash"`
	Tickers        map[string]string `mapstructure:"tickers"`
}

// ChainlinkConfig covers on-chain feed access.
type ChainlinkConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	RPCURL         string            `mapstructure:"rpc_url"`
	Feeds          map[string]string `mapstructure:"feeds"`
	HistoryRounds  int               `mapstructure:"history_rounds"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// SignalConfig sets the indicator lookback.
type SignalConfig struct {
	LookbackDays int `mapstructure:"lookback_days"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	Retention       time.Duration `mapstructure:"retention"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HTTPConfig controls the REST and websocket listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int    `mapstructure:"max_data_points"`
	Dir           string `mapstructure:"dir"`
}

// Alert delivery channels.
const (
	ChannelLog       = "log"
	ChannelTelegram  = "telegram"
	ChannelWebsocket = "websocket"
)

var dotenvOnce sync.Once

// loadDotenv populates the process environment from .env, or from the file
// named by SIGNALWATCH_ENV_FILE. Variables already set are left alone and a
// missing file is not an error.
func loadDotenv() {
	dotenvOnce.Do(func() {
		path := os.Getenv(EnvPrefix + "_ENV_FILE")
		if path == "" {
			path = ".env"
		}
		_ = godotenv.Load(path)
	})
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	loadDotenv()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "signalwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ratelimit.calls", 60)
	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.idle_evict", "10m")

	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.prune_interval", "1m")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis.prefix", "signalwatch:")
	v.SetDefault("cache.redis.dial_timeout", "5s")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "1.5s")
	v.SetDefault("retry.rate_limited_base_delay", "5s")
	v.SetDefault("retry.max_delay", "1m")
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x7369676e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("providers.order", []string{"coingecko", "dexscreener", "yahoo", "chainlink"})
	for _, name := range []string{"coingecko", "dexscreener", "yahoo"} {
		v.SetDefault("providers."+name+".enabled", true)
		v.SetDefault("providers."+name+".request_timeout", "10s")
		v.SetDefault("providers."+name+".user_agent", "signalwatch/1.0")
	}
	v.SetDefault("providers.chainlink.enabled", true)
	v.SetDefault("providers.chainlink.history_rounds", 48)
	v.SetDefault("providers.chainlink.request_timeout", "10s")

	v.SetDefault("signal.lookback_days", 90)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.retention", "720h")

	v.SetDefault("alerting.channels", []string{ChannelLog, ChannelWebsocket})
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 2000)
	v.SetDefault("export.dir", "exports")
}

// bindEnv registers keys that have no default so AutomaticEnv can still
// resolve them during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"database.dsn",
		"cache.redis.addr",
		"cache.redis.password",
		"cache.redis.db",
		"providers.coingecko.api_key",
		"providers.coingecko.base_url",
		"providers.dexscreener.base_url",
		"providers.yahoo.base_url",
		"providers.chainlink.rpc_url",
		"alerting.telegram.bot_token",
		"alerting.telegram.chat_id",
	} {
		_ = v.BindEnv(key)
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var knownProviders = map[string]bool{
	"coingecko":   true,
	"dexscreener": true,
	"yahoo":       true,
	"chainlink":   true,
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.RateLimit.Calls <= 0 {
		return fmt.Errorf("ratelimit.calls must be greater than zero")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be greater than zero")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be greater than zero")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.RateLimitedBaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays cannot be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("providers.order must list at least one provider")
	}
	seen := make(map[string]bool, len(c.Providers.Order))
	for _, name := range c.Providers.Order {
		if !knownProviders[name] {
			return fmt.Errorf("providers.order: unknown provider %q", name)
		}
		if seen[name] {
			return fmt.Errorf("providers.order: %q listed twice", name)
		}
		seen[name] = true
	}
	if c.Signal.LookbackDays <= 0 {
		return fmt.Errorf("signal.lookback_days must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for _, ch := range c.Alerting.Channels {
		switch ch {
		case ChannelLog, ChannelWebsocket:
		case ChannelTelegram:
			if c.Alerting.Telegram.BotToken == "" {
				return fmt.Errorf("alerting.telegram.bot_token 必须配置")
			}
			if c.Alerting.Telegram.ChatID == "" {
				return fmt.Errorf("alerting.telegram.chat_id 必须配置")
			}
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
	}
	return nil
}

// HasChannel reports whether alerts are routed to ch.
func (c *Config) HasChannel(ch string) bool {
	for _, existing := range c.Alerting.Channels {
		if existing == ch {
			return true
		}
	}
	return false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
