// Package config defines all configuration for the trade executor.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via HUB_* environment variables. A .env file
// in the working directory is honoured when present (loaded by main).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Funding model names for trading.long_funds. See internal/funding.
const (
	FundsNone           = "none"
	FundsBorrowMin      = "borrow-min"
	FundsBorrowAll      = "borrow-all"
	FundsSellAll        = "sell-all"
	FundsSellLargest    = "sell-largest"
	FundsSellLargestPnL = "sell-largest-pnl"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Hub      HubConfig      `mapstructure:"hub"`
	Trading  TradingConfig  `mapstructure:"trading"`
	FeeToken FeeTokenConfig `mapstructure:"fee_token"`
	Timing   TimingConfig   `mapstructure:"timing"`
	Store    StoreConfig    `mapstructure:"store"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds exchange API credentials and endpoints.
type ExchangeConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// HubConfig holds the signal hub connection settings. WSURL carries the
// long-lived socket; HTTPURL serves the two list calls (user open trades,
// strategy open trades).
type HubConfig struct {
	WSURL   string `mapstructure:"ws_url"`
	HTTPURL string `mapstructure:"http_url"`
	Key     string `mapstructure:"key"`
}

// TradingConfig tunes the trade lifecycle engine.
//
//   - PrimaryWallet: preferred wallet for long entries (spot or margin).
//   - LongFunds: funding model for long entries (none, borrow-min, borrow-all,
//     sell-all, sell-largest, sell-largest-pnl).
//   - IsFundsNoLoss: rebalancing never partially closes a trade at a loss.
//   - WalletBuffer: fraction of each wallet withheld from new trades.
//   - MaxLongTrades / MaxShortTrades: open-trade caps, 0 = unlimited.
//   - StrategyLossLimit: consecutive losses before a strategy is stopped.
//   - StrategyLimitThreshold: fraction of the loss limit at which new entries
//     are throttled against the number of already-open trades.
//   - TakerFeePercent: taker fee leg in percent (0.1 = 0.1%).
//   - MinCostBuffer: fraction added to exchange min-cost when sizing.
//   - VirtualWalletFunds: seed balance per quote for virtual trading.
//   - ReferenceSymbol: market whose min-cost scales virtual seeds for other quotes.
type TradingConfig struct {
	PrimaryWallet          string   `mapstructure:"primary_wallet"`
	LongFunds              string   `mapstructure:"long_funds"`
	IsFundsNoLoss          bool     `mapstructure:"is_funds_no_loss"`
	IsTradeMarginEnabled   bool     `mapstructure:"is_trade_margin_enabled"`
	IsTradeShortEnabled    bool     `mapstructure:"is_trade_short_enabled"`
	IsBuyQtyFraction       bool     `mapstructure:"is_buy_qty_fraction"`
	IsPayInterestEnabled   bool     `mapstructure:"is_pay_interest_enabled"`
	IsAutoCloseEnabled     bool     `mapstructure:"is_auto_close_enabled"`
	WalletBuffer           float64  `mapstructure:"wallet_buffer"`
	MaxLongTrades          int      `mapstructure:"max_long_trades"`
	MaxShortTrades         int      `mapstructure:"max_short_trades"`
	StrategyLossLimit      int      `mapstructure:"strategy_loss_limit"`
	StrategyLimitThreshold float64  `mapstructure:"strategy_limit_threshold"`
	ExcludeCoins           string   `mapstructure:"exclude_coins"`
	TakerFeePercent        float64  `mapstructure:"taker_fee_percent"`
	MinCostBuffer          float64  `mapstructure:"min_cost_buffer"`
	VirtualWalletFunds     float64  `mapstructure:"virtual_wallet_funds"`
	ReferenceSymbol        string   `mapstructure:"reference_symbol"`
}

// FeeTokenConfig controls the BNB fee-token reserve watcher.
// AutoTopUp names the quote asset and wallet ("BTC:spot") used to buy back
// FreeFloat worth of the fee token when the reserve runs low; empty disables.
type FeeTokenConfig struct {
	Asset         string  `mapstructure:"asset"`
	FreeThreshold float64 `mapstructure:"free_threshold"`
	FreeFloat     float64 `mapstructure:"free_float"`
	AutoTopUp     string  `mapstructure:"auto_top_up"`
}

// TimingConfig groups the engine's delay knobs.
type TimingConfig struct {
	BalanceSyncDelay   time.Duration `mapstructure:"balance_sync_delay"`
	BackgroundInterval time.Duration `mapstructure:"background_interval"`
	QueueMinInterval   time.Duration `mapstructure:"queue_min_interval"`
}

// StoreConfig sets where snapshots and the transaction log are persisted.
type StoreConfig struct {
	DataDir         string `mapstructure:"data_dir"`
	MaxDatabaseRows int    `mapstructure:"max_database_rows"`
}

// OpsConfig controls the operator/diagnostics HTTP surface.
type OpsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
}

// NotifyConfig controls the notifier hub and its optional telegram sink.
type NotifyConfig struct {
	MinLevel       string `mapstructure:"min_level"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: HUB_EXCHANGE_API_KEY, HUB_EXCHANGE_API_SECRET,
// HUB_HUB_KEY, HUB_OPS_PASSWORD, HUB_NOTIFY_TELEGRAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("trading.primary_wallet", "margin")
	v.SetDefault("trading.long_funds", FundsNone)
	v.SetDefault("trading.taker_fee_percent", 0.1)
	v.SetDefault("trading.min_cost_buffer", 0.02)
	v.SetDefault("timing.balance_sync_delay", 2500*time.Millisecond)
	v.SetDefault("timing.background_interval", 5*time.Minute)
	v.SetDefault("timing.queue_min_interval", 250*time.Millisecond)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.max_database_rows", 5000)
	v.SetDefault("notify.min_level", "info")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("HUB_EXCHANGE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("HUB_EXCHANGE_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if key := os.Getenv("HUB_HUB_KEY"); key != "" {
		cfg.Hub.Key = key
	}
	if pass := os.Getenv("HUB_OPS_PASSWORD"); pass != "" {
		cfg.Ops.Password = pass
	}
	if tok := os.Getenv("HUB_NOTIFY_TELEGRAM_TOKEN"); tok != "" {
		cfg.Notify.TelegramToken = tok
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_key and exchange.api_secret are required (set HUB_EXCHANGE_API_KEY / HUB_EXCHANGE_API_SECRET)")
	}
	if c.Hub.WSURL == "" || c.Hub.HTTPURL == "" {
		return fmt.Errorf("hub.ws_url and hub.http_url are required")
	}
	if c.Hub.Key == "" {
		return fmt.Errorf("hub.key is required (set HUB_HUB_KEY)")
	}
	switch c.Trading.PrimaryWallet {
	case "spot", "margin":
	default:
		return fmt.Errorf("trading.primary_wallet must be spot or margin, got %q", c.Trading.PrimaryWallet)
	}
	switch c.Trading.LongFunds {
	case FundsNone, FundsBorrowMin, FundsBorrowAll, FundsSellAll, FundsSellLargest, FundsSellLargestPnL:
	default:
		return fmt.Errorf("trading.long_funds must be one of none, borrow-min, borrow-all, sell-all, sell-largest, sell-largest-pnl")
	}
	if (c.Trading.LongFunds == FundsBorrowMin || c.Trading.LongFunds == FundsBorrowAll) && !c.Trading.IsTradeMarginEnabled {
		return fmt.Errorf("trading.long_funds=%s requires trading.is_trade_margin_enabled", c.Trading.LongFunds)
	}
	if c.Trading.IsTradeShortEnabled && !c.Trading.IsTradeMarginEnabled {
		return fmt.Errorf("trading.is_trade_short_enabled requires trading.is_trade_margin_enabled")
	}
	if c.Trading.WalletBuffer < 0 || c.Trading.WalletBuffer >= 1 {
		return fmt.Errorf("trading.wallet_buffer must be in [0, 1), got %v", c.Trading.WalletBuffer)
	}
	if c.Trading.MaxLongTrades < 0 || c.Trading.MaxShortTrades < 0 {
		return fmt.Errorf("trade count limits must be >= 0")
	}
	if c.Trading.StrategyLossLimit < 0 {
		return fmt.Errorf("trading.strategy_loss_limit must be >= 0")
	}
	if c.Trading.StrategyLimitThreshold < 0 || c.Trading.StrategyLimitThreshold > 1 {
		return fmt.Errorf("trading.strategy_limit_threshold must be in [0, 1], got %v", c.Trading.StrategyLimitThreshold)
	}
	if c.Trading.TakerFeePercent < 0 {
		return fmt.Errorf("trading.taker_fee_percent must be >= 0")
	}
	if c.Trading.ReferenceSymbol == "" && c.Trading.VirtualWalletFunds > 0 {
		return fmt.Errorf("trading.reference_symbol is required when virtual trading is funded")
	}
	if c.Store.MaxDatabaseRows <= 0 {
		return fmt.Errorf("store.max_database_rows must be > 0")
	}
	if c.Ops.Enabled && c.Ops.Port == 0 {
		return fmt.Errorf("ops.port is required when ops.enabled")
	}
	return nil
}

// PrimaryWallet returns the configured preferred wallet as a typed value.
func (c *Config) PrimaryWallet() string { return c.Trading.PrimaryWallet }

// WalletBuffer returns the wallet buffer as a decimal fraction.
func (c *Config) WalletBuffer() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.WalletBuffer)
}

// TakerFee returns the taker fee leg as a decimal percent (0.1 = 0.1%).
func (c *Config) TakerFee() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.TakerFeePercent)
}

// MinCostBuffer returns the min-cost inflation fraction as a decimal.
func (c *Config) MinCostBuffer() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.MinCostBuffer)
}

// VirtualFunds returns the virtual wallet seed as a decimal.
func (c *Config) VirtualFunds() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.VirtualWalletFunds)
}

// ExcludedCoins parses trading.exclude_coins into a set of upper-cased assets.
func (c *Config) ExcludedCoins() map[string]bool {
	out := make(map[string]bool)
	for _, coin := range strings.Split(c.Trading.ExcludeCoins, ",") {
		coin = strings.ToUpper(strings.TrimSpace(coin))
		if coin != "" {
			out[coin] = true
		}
	}
	return out
}
