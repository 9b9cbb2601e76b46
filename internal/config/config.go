// Package config defines all configuration for the trading control plane.
//
// Configuration is assembled from three documents:
//
//   - configs/default_config.yaml — built-in defaults, always present
//   - config.local.yaml           — optional operator overrides, deep-merged last
//   - configs/trading_limits.yaml — hard limits, kill-switch conditions, and the
//     recovery protocol; immutable at runtime and never overridable by the
//     local document
//
// Credentials come from GROWW_API_KEY / GROWW_SECRET environment variables.
// The FORCE_PAPER_MODE environment flag (default "1") makes `trading.mode: live`
// a load error, so live trading requires an explicit opt-out.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML structure.
type Config struct {
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	API        APIConfig        `mapstructure:"api"`
	KillSwitch KillSwitchConfig `mapstructure:"kill_switch"`
	GTT        GTTConfig        `mapstructure:"gtt"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// Limits is loaded from the separate trading_limits.yaml document and is
	// read-only for the lifetime of the process.
	Limits LimitsConfig `mapstructure:"-"`
}

// TradingConfig selects the execution mode and default venue.
type TradingConfig struct {
	Mode     string `mapstructure:"mode"` // "paper" or "live"
	Exchange string `mapstructure:"exchange"`
	Segment  string `mapstructure:"segment"`
	Product  string `mapstructure:"product"`
}

// PaperMode reports whether orders are simulated instead of forwarded.
func (t TradingConfig) PaperMode() bool {
	return t.Mode != "live"
}

// RiskConfig holds the operator-tunable soft limits. Each must be at or
// below its hard counterpart in LimitsConfig; Validate enforces this.
type RiskConfig struct {
	MaxPortfolioValue float64 `mapstructure:"max_portfolio_value"`
	MaxPositionSize   float64 `mapstructure:"max_position_size"`
	MaxDailyLoss      float64 `mapstructure:"max_daily_loss"`
	MaxOpenPositions  int     `mapstructure:"max_open_positions"`
}

// APIConfig holds broker connectivity, credentials, and rate-limit sizing.
// Credentials are normally supplied via GROWW_API_KEY / GROWW_SECRET.
type APIConfig struct {
	BaseURL    string           `mapstructure:"base_url"`
	APIKey     string           `mapstructure:"api_key"`
	APISecret  string           `mapstructure:"api_secret"`
	TimeoutSec int              `mapstructure:"timeout_seconds"`
	RateLimits RateLimitsConfig `mapstructure:"rate_limits"`
}

// RateLimitsConfig sizes the three request buckets, strictly below the
// broker's published quotas.
type RateLimitsConfig struct {
	OrdersPerSecond     int `mapstructure:"orders_per_second"`
	LiveDataPerSecond   int `mapstructure:"live_data_per_second"`
	NonTradingPerSecond int `mapstructure:"non_trading_per_second"`
}

// KillSwitchConfig tunes the automatic trip conditions and the recovery gate.
type KillSwitchConfig struct {
	ConsecutiveLossThreshold int              `mapstructure:"consecutive_loss_threshold"`
	APIErrorRateThreshold    float64          `mapstructure:"api_error_rate_threshold"`
	NetworkTimeoutSeconds    int              `mapstructure:"network_timeout_seconds"`
	CheckIntervalSeconds     int              `mapstructure:"check_interval_seconds"`
	Recovery                 RecoveryProtocol `mapstructure:"recovery_protocol"`
}

// RecoveryProtocol gates kill-switch deactivation: both the approval code
// and the cooldown must be satisfied.
type RecoveryProtocol struct {
	RequireManualRestart  bool   `mapstructure:"require_manual_restart"`
	RequireAdminApproval  bool   `mapstructure:"require_admin_approval"`
	CooldownPeriodMinutes int    `mapstructure:"cooldown_period_minutes"`
	ApprovalCode          string `mapstructure:"approval_code"`
}

// GTTConfig controls the conditional-order engine.
type GTTConfig struct {
	DBPath                 string `mapstructure:"db_path"`
	MonitorIntervalSeconds int    `mapstructure:"monitor_interval_seconds"`
	PriceCacheTTLSeconds   int    `mapstructure:"price_cache_ttl_seconds"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LimitsConfig mirrors trading_limits.yaml. These bounds can never be
// raised by the operator-local document or at runtime.
type LimitsConfig struct {
	Hard       HardLimits           `mapstructure:"absolute_limits"`
	Conditions KillSwitchConditions `mapstructure:"kill_switch_conditions"`
}

// HardLimits are the absolute trading bounds.
type HardLimits struct {
	MaxSingleOrderValue float64  `mapstructure:"max_single_order_value"`
	MaxDailyOrders      int      `mapstructure:"max_daily_orders"`
	MaxPortfolioValue   float64  `mapstructure:"max_portfolio_value"`
	MaxDailyLossHard    float64  `mapstructure:"max_daily_loss_hard"`
	MinAccountBalance   float64  `mapstructure:"min_account_balance"`
	AllowedExchanges    []string `mapstructure:"allowed_exchanges"`
	ForbiddenSegments   []string `mapstructure:"forbidden_segments"`
	ForbiddenProducts   []string `mapstructure:"forbidden_products"`
}

// SegmentForbidden reports whether a segment is on the deny-list.
func (h HardLimits) SegmentForbidden(segment string) bool {
	for _, s := range h.ForbiddenSegments {
		if strings.EqualFold(s, segment) {
			return true
		}
	}
	return false
}

// ProductForbidden reports whether a product type is on the deny-list.
func (h HardLimits) ProductForbidden(product string) bool {
	for _, p := range h.ForbiddenProducts {
		if strings.EqualFold(p, product) {
			return true
		}
	}
	return false
}

// ExchangeAllowed reports whether orders may be routed to the exchange.
func (h HardLimits) ExchangeAllowed(exchange string) bool {
	for _, e := range h.AllowedExchanges {
		if strings.EqualFold(e, exchange) {
			return true
		}
	}
	return false
}

// KillSwitchConditions are the privileged-document defaults for automatic
// trips; the kill_switch section of the main config may tighten but not
// loosen them (Validate enforces the direction).
type KillSwitchConditions struct {
	ConsecutiveLossThreshold int     `mapstructure:"consecutive_loss_threshold"`
	APIErrorRateThreshold    float64 `mapstructure:"api_error_rate_threshold"`
	NetworkTimeoutSeconds    int     `mapstructure:"network_timeout_seconds"`
}

// Load assembles the configuration: defaults document, optional local
// overrides (deep-merged last), the hard-limits document, then environment
// overrides.
func Load(defaultPath, localPath, limitsPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(defaultPath)
	v.SetEnvPrefix("GROWW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}

	// Local overrides are optional; a missing file is not an error.
	if localPath != "" {
		if _, err := os.Stat(localPath); err == nil {
			v.SetConfigFile(localPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merge local config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	limits, err := loadLimits(limitsPath)
	if err != nil {
		return nil, err
	}
	cfg.Limits = *limits

	// Override sensitive fields from env
	if key := os.Getenv("GROWW_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
	if secret := os.Getenv("GROWW_SECRET"); secret != "" {
		cfg.API.APISecret = secret
	}

	// FORCE_PAPER_MODE defaults to on: live mode is a load error unless the
	// operator has explicitly set the flag to 0.
	force := os.Getenv("FORCE_PAPER_MODE")
	if force == "" {
		force = "1"
	}
	if force == "1" && cfg.Trading.Mode == "live" {
		return nil, fmt.Errorf("trading.mode is live but FORCE_PAPER_MODE=1; set FORCE_PAPER_MODE=0 to allow live trading")
	}

	return &cfg, nil
}

// loadLimits reads the privileged hard-limits document.
func loadLimits(path string) (*LimitsConfig, error) {
	lv := viper.New()
	lv.SetConfigFile(path)
	if err := lv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read trading limits: %w", err)
	}
	var limits LimitsConfig
	if err := lv.Unmarshal(&limits); err != nil {
		return nil, fmt.Errorf("unmarshal trading limits: %w", err)
	}
	return &limits, nil
}

// Validate checks required fields, value ranges, and the soft ≤ hard
// invariant for every risk limit.
func (c *Config) Validate() error {
	switch c.Trading.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("trading.mode must be paper or live, got %q", c.Trading.Mode)
	}
	if !c.Limits.Hard.ExchangeAllowed(c.Trading.Exchange) {
		return fmt.Errorf("trading.exchange %q is not in allowed_exchanges %v",
			c.Trading.Exchange, c.Limits.Hard.AllowedExchanges)
	}
	if c.Limits.Hard.SegmentForbidden(c.Trading.Segment) {
		return fmt.Errorf("trading.segment %q is forbidden", c.Trading.Segment)
	}
	if c.Limits.Hard.ProductForbidden(c.Trading.Product) {
		return fmt.Errorf("trading.product %q is forbidden", c.Trading.Product)
	}

	if c.Risk.MaxPortfolioValue <= 0 {
		return fmt.Errorf("risk.max_portfolio_value must be > 0")
	}
	if c.Risk.MaxPortfolioValue > c.Limits.Hard.MaxPortfolioValue {
		return fmt.Errorf("risk.max_portfolio_value %.0f exceeds hard limit %.0f",
			c.Risk.MaxPortfolioValue, c.Limits.Hard.MaxPortfolioValue)
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxPositionSize > c.Limits.Hard.MaxSingleOrderValue {
		return fmt.Errorf("risk.max_position_size %.0f exceeds hard limit %.0f",
			c.Risk.MaxPositionSize, c.Limits.Hard.MaxSingleOrderValue)
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxDailyLoss > c.Limits.Hard.MaxDailyLossHard {
		return fmt.Errorf("risk.max_daily_loss %.0f exceeds hard limit %.0f",
			c.Risk.MaxDailyLoss, c.Limits.Hard.MaxDailyLossHard)
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}

	rl := c.API.RateLimits
	if rl.OrdersPerSecond <= 0 || rl.OrdersPerSecond > 15 {
		return fmt.Errorf("api.rate_limits.orders_per_second must be in 1..15, got %d", rl.OrdersPerSecond)
	}
	if rl.LiveDataPerSecond <= 0 || rl.LiveDataPerSecond > 10 {
		return fmt.Errorf("api.rate_limits.live_data_per_second must be in 1..10, got %d", rl.LiveDataPerSecond)
	}
	if rl.NonTradingPerSecond <= 0 || rl.NonTradingPerSecond > 20 {
		return fmt.Errorf("api.rate_limits.non_trading_per_second must be in 1..20, got %d", rl.NonTradingPerSecond)
	}

	ks := c.KillSwitch
	if ks.ConsecutiveLossThreshold <= 0 {
		return fmt.Errorf("kill_switch.consecutive_loss_threshold must be > 0")
	}
	if cond := c.Limits.Conditions.ConsecutiveLossThreshold; cond > 0 && ks.ConsecutiveLossThreshold > cond {
		return fmt.Errorf("kill_switch.consecutive_loss_threshold %d looser than limits document %d",
			ks.ConsecutiveLossThreshold, cond)
	}
	if ks.APIErrorRateThreshold <= 0 || ks.APIErrorRateThreshold > 1 {
		return fmt.Errorf("kill_switch.api_error_rate_threshold must be in (0,1], got %v", ks.APIErrorRateThreshold)
	}
	if ks.Recovery.ApprovalCode == "" {
		return fmt.Errorf("kill_switch.recovery_protocol.approval_code is required")
	}
	if ks.Recovery.CooldownPeriodMinutes <= 0 {
		return fmt.Errorf("kill_switch.recovery_protocol.cooldown_period_minutes must be > 0")
	}

	if c.GTT.DBPath == "" {
		return fmt.Errorf("gtt.db_path is required")
	}
	if c.GTT.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("gtt.monitor_interval_seconds must be > 0")
	}
	return nil
}
