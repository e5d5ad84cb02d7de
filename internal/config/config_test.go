package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
exchange:
  base_url: https://api.example.com
  api_key: key
  api_secret: secret
hub:
  ws_url: wss://hub.example.com/ws
  http_url: https://hub.example.com
  key: hubkey
trading:
  primary_wallet: margin
  long_funds: borrow-min
  is_trade_margin_enabled: true
  is_trade_short_enabled: true
  wallet_buffer: 0.05
  strategy_loss_limit: 4
  strategy_limit_threshold: 0.5
  exclude_coins: "doge, shib"
  virtual_wallet_funds: 0.1
  reference_symbol: ETHBTC
store:
  data_dir: /tmp/hubtrader-test
ops:
  enabled: true
  port: 8080
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "key", cfg.Exchange.APIKey)
	require.Equal(t, "wss://hub.example.com/ws", cfg.Hub.WSURL)
	require.Equal(t, FundsBorrowMin, cfg.Trading.LongFunds)
	require.True(t, cfg.Trading.IsTradeShortEnabled)
	require.Equal(t, 4, cfg.Trading.StrategyLossLimit)

	// Defaults fill the gaps the file leaves.
	require.Equal(t, 0.1, cfg.Trading.TakerFeePercent)
	require.Equal(t, 5*time.Minute, cfg.Timing.BackgroundInterval)
	require.Equal(t, 250*time.Millisecond, cfg.Timing.QueueMinInterval)
	require.Equal(t, 5000, cfg.Store.MaxDatabaseRows)
	require.Equal(t, "info", cfg.Notify.MinLevel)

	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("HUB_EXCHANGE_API_SECRET", "env-secret")
	t.Setenv("HUB_HUB_KEY", "env-hub-key")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, "env-secret", cfg.Exchange.APISecret)
	require.Equal(t, "env-hub-key", cfg.Hub.Key)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api key", func(c *Config) { c.Exchange.APIKey = "" }},
		{"missing hub key", func(c *Config) { c.Hub.Key = "" }},
		{"bad wallet", func(c *Config) { c.Trading.PrimaryWallet = "futures" }},
		{"bad funding model", func(c *Config) { c.Trading.LongFunds = "steal" }},
		{"borrow without margin", func(c *Config) {
			c.Trading.IsTradeMarginEnabled = false
			c.Trading.IsTradeShortEnabled = false
		}},
		{"short without margin", func(c *Config) {
			c.Trading.LongFunds = FundsNone
			c.Trading.IsTradeMarginEnabled = false
		}},
		{"buffer out of range", func(c *Config) { c.Trading.WalletBuffer = 1.0 }},
		{"negative loss limit", func(c *Config) { c.Trading.StrategyLossLimit = -1 }},
		{"threshold out of range", func(c *Config) { c.Trading.StrategyLimitThreshold = 1.5 }},
		{"virtual without reference", func(c *Config) { c.Trading.ReferenceSymbol = "" }},
		{"zero database rows", func(c *Config) { c.Store.MaxDatabaseRows = 0 }},
		{"ops without port", func(c *Config) { c.Ops.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestExcludedCoins(t *testing.T) {
	t.Parallel()

	c := &Config{}
	c.Trading.ExcludeCoins = "doge, shib ,,PEPE"
	require.Equal(t, map[string]bool{"DOGE": true, "SHIB": true, "PEPE": true}, c.ExcludedCoins())

	c.Trading.ExcludeCoins = ""
	require.Empty(t, c.ExcludedCoins())
}
