package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "signalwatch", cfg.App.Name)
	assert.Equal(t, 60, cfg.RateLimit.Calls)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.RateLimitedBaseDelay)
	assert.Equal(t, time.Minute, cfg.Retry.MaxDelay)
	assert.InDelta(t, 0.2, cfg.Retry.Jitter, 1e-9)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"coingecko", "dexscreener", "yahoo", "chainlink"}, cfg.Providers.Order)
	assert.True(t, cfg.Providers.CoinGecko.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Providers.Yahoo.RequestTimeout)
	assert.Equal(t, 48, cfg.Providers.Chainlink.HistoryRounds)
	assert.Equal(t, 90, cfg.Signal.LookbackDays)
	assert.True(t, cfg.HasChannel(ChannelLog))
	assert.False(t, cfg.HasChannel(ChannelTelegram))
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
ratelimit:
  calls: 10
  window: 30s
providers:
  order: [yahoo, coingecko]
  coingecko:
    ids:
      wif: dogwifcoin
  chainlink:
    feeds:
      eth: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
signal:
  lookback_days: 30
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SIGNALWATCH_CACHE_TTL", "90s")
	t.Setenv("SIGNALWATCH_DATABASE_DSN", "postgres://localhost/signalwatch")
	t.Setenv("SIGNALWATCH_PROVIDERS_CHAINLINK_RPC_URL", "http://127.0.0.1:8545")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.RateLimit.Calls)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, []string{"yahoo", "coingecko"}, cfg.Providers.Order)
	assert.Equal(t, "dogwifcoin", cfg.Providers.CoinGecko.IDs["wif"])
	assert.Equal(t, "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419", cfg.Providers.Chainlink.Feeds["eth"])
	assert.Equal(t, 30, cfg.Signal.LookbackDays)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "postgres://localhost/signalwatch", cfg.Database.DSN)
	assert.Equal(t, "http://127.0.0.1:8545", cfg.Providers.Chainlink.RPCURL)
}

func validConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{Calls: 60, Window: time.Minute},
		Cache:     CacheConfig{TTL: time.Minute, Backend: "memory"},
		Retry:     RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, Jitter: 0.2},
		Scheduler: SchedulerConfig{Interval: time.Minute},
		Providers: ProvidersConfig{Order: []string{"coingecko"}},
		Signal:    SignalConfig{LookbackDays: 90},
		Export:    ExportConfig{MaxDataPoints: 10},
		Alerting:  AlertingConfig{Channels: []string{ChannelLog}},
	}
}

func TestValidate(t *testing.T) {
	base := validConfig()
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero calls", func(c *Config) { c.RateLimit.Calls = 0 }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis" }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"jitter too large", func(c *Config) { c.Retry.Jitter = 1 }},
		{"negative delay", func(c *Config) { c.Retry.MaxDelay = -time.Second }},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }},
		{"empty order", func(c *Config) { c.Providers.Order = nil }},
		{"unknown provider", func(c *Config) { c.Providers.Order = []string{"binance"} }},
		{"duplicate provider", func(c *Config) { c.Providers.Order = []string{"yahoo", "yahoo"} }},
		{"zero lookback", func(c *Config) { c.Signal.LookbackDays = 0 }},
		{"zero export points", func(c *Config) { c.Export.MaxDataPoints = 0 }},
		{"unknown channel", func(c *Config) { c.Alerting.Channels = []string{"sms"} }},
		{"telegram without token", func(c *Config) {
			c.Alerting.Channels = []string{ChannelTelegram}
			c.Alerting.Telegram.ChatID = "1"
		}},
		{"telegram without chat", func(c *Config) {
			c.Alerting.Channels = []string{ChannelTelegram}
			c.Alerting.Telegram.BotToken = "t"
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 10, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 3, cfg.ResolveMaxPoints(3))
}
