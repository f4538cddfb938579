// config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// EvaluationConfig controls the composite signal evaluator.
type EvaluationConfig struct {
	Mode             string             `yaml:"mode"` // "strict" or "soft"
	LongThreshold    float64            `yaml:"long_threshold"`
	ShortThreshold   float64            `yaml:"short_threshold"`
	VolatileBonus    float64            `yaml:"volatile_regime_bonus"`
	FilterWeights    map[string]float64 `yaml:"filter_weights"`
	HardBlockFilters []string           `yaml:"hard_block_filters"`
}

// RiskConfig holds the portfolio risk gate limits.
type RiskConfig struct {
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxCorrelation         float64 `yaml:"max_correlation"`
	MaxExposurePct         float64 `yaml:"max_exposure_pct"`
	BaseRiskPct            float64 `yaml:"base_risk_pct"`
	MaxRiskPct             float64 `yaml:"max_risk_pct"` // hard ceiling per position
	DrawdownWarningPct     float64 `yaml:"drawdown_warning_pct"`
	DrawdownStopPct        float64 `yaml:"drawdown_stop_pct"`
	DailyLossLimitPct      float64 `yaml:"daily_loss_limit_pct"`
	ZeroAllocationHalt     int     `yaml:"zero_allocation_halt"`
	MonitorIntervalSeconds int     `yaml:"monitor_interval_seconds"`
}

// LifecycleConfig tunes position management: protective levels, DCA and trailing.
type LifecycleConfig struct {
	BaseStopLossPct      float64 `yaml:"base_stop_loss_pct"`
	TP1ATRMultiplier     float64 `yaml:"tp1_atr_multiplier"`
	TP2ATRMultiplier     float64 `yaml:"tp2_atr_multiplier"`
	TP1MinPct            float64 `yaml:"tp1_min_pct"`
	TP1MaxPct            float64 `yaml:"tp1_max_pct"`
	TP2MinPct            float64 `yaml:"tp2_min_pct"`
	TP2MaxPct            float64 `yaml:"tp2_max_pct"`
	TP1CloseFraction     float64 `yaml:"tp1_close_fraction"`
	MaxDCAEntries        int     `yaml:"max_dca_entries"`
	DCAStepPct           float64 `yaml:"dca_step_pct"`
	DCATightenFactor     float64 `yaml:"dca_tighten_factor"`
	TrailingActivatePct  float64 `yaml:"trailing_activate_pct"`
	BreakevenBufferPct   float64 `yaml:"breakeven_buffer_pct"`
	TrailingDistancePct  float64 `yaml:"trailing_distance_pct"`
	MaxPlacementAttempts int     `yaml:"max_placement_attempts"`
	BackoffBaseMillis    int     `yaml:"backoff_base_millis"`
}

// GuardConfig drives the protective order monitor.
type GuardConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	MaxRepairAttempts    int `yaml:"max_repair_attempts"`
}

// MarketConfig configures the market data and sentiment clients.
type MarketConfig struct {
	DataBaseURL     string `yaml:"data_base_url"`
	ScorerBaseURL   string `yaml:"scorer_base_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	WindowSize      int    `yaml:"window_size"`
	Timeframe       string `yaml:"timeframe"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds general, non-strategy-specific configuration.
type NormalConfig struct {
	HTTPTimeoutSeconds       int    `yaml:"http_timeout_seconds"`
	RecvWindowSeconds        int    `yaml:"recv_window_seconds"`
	EvalIntervalSeconds      int    `yaml:"eval_interval_seconds"`
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	TimeSyncIntervalMinutes  int    `yaml:"time_sync_interval_minutes"`
	LogDirectory             string `yaml:"log_directory"`
	StateDirectory           string `yaml:"state_directory"`
	AuditDirectory           string `yaml:"audit_directory"`
}

// NotifyConfig configures the fire-and-forget notification sink.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Enabled    bool   `yaml:"enabled"`
}

// Config is the top-level configuration structure.
type Config struct {
	AccountID       string            `yaml:"account_id"`
	Symbols         []string          `yaml:"symbols"`
	ReferenceSymbol string            `yaml:"reference_symbol"`
	Equity          float64           `yaml:"equity_usdt"`
	UseSimulation   bool              `yaml:"use_simulation"`
	Evaluation      *EvaluationConfig `yaml:"evaluation"`
	Risk            *RiskConfig       `yaml:"risk"`
	Lifecycle       *LifecycleConfig  `yaml:"lifecycle"`
	Guard           *GuardConfig      `yaml:"guard"`
	Market          *MarketConfig     `yaml:"market"`
	Normal          *NormalConfig     `yaml:"normal_config"`
	Notify          *NotifyConfig     `yaml:"notify"`
	Logs            *LogConfig        `yaml:"logs"`
}

// NewConfig allocates nested blocks and sets only safe, non-strategy defaults.
// All critical trading parameters MUST come from config.yaml.
func NewConfig() *Config {
	return &Config{
		ReferenceSymbol: "BTCUSDT",
		UseSimulation:   false,
		Evaluation:      &EvaluationConfig{Mode: "soft", FilterWeights: map[string]float64{}},
		Risk:            &RiskConfig{},
		Lifecycle:       &LifecycleConfig{},
		Guard:           &GuardConfig{},
		Market:          &MarketConfig{Timeframe: "1h", WindowSize: 250},
		Normal:          &NormalConfig{},
		Notify:          &NotifyConfig{},
		Logs:            &LogConfig{},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Error: Config file not found at %s. Engine cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the logical consistency and completeness of the entire configuration.
func (c *Config) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("Critical config missing: 'account_id' must be explicitly specified in config.yaml")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("Critical config missing: 'symbols' must list at least one trading pair")
	}
	if c.ReferenceSymbol == "" {
		return fmt.Errorf("Critical config missing: 'reference_symbol' must be specified (e.g., 'BTCUSDT')")
	}
	if c.Equity <= 0 {
		return fmt.Errorf("Critical config missing: 'equity_usdt' must be explicitly specified and be positive")
	}

	if c.Evaluation == nil {
		return fmt.Errorf("Critical config missing: 'evaluation' block must be provided in config.yaml")
	}
	if c.Evaluation.Mode != "strict" && c.Evaluation.Mode != "soft" {
		return fmt.Errorf("Config error: evaluation.mode must be 'strict' or 'soft'")
	}
	if c.Evaluation.Mode == "soft" {
		if c.Evaluation.LongThreshold <= 0 || c.Evaluation.LongThreshold > 1 {
			return fmt.Errorf("Config error: evaluation.long_threshold must be in (0, 1]")
		}
		if c.Evaluation.ShortThreshold <= 0 || c.Evaluation.ShortThreshold > 1 {
			return fmt.Errorf("Config error: evaluation.short_threshold must be in (0, 1]")
		}
	}

	if c.Risk == nil {
		return fmt.Errorf("Critical config missing: 'risk' block must be provided in config.yaml")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.max_concurrent_positions' must be positive")
	}
	if c.Risk.MaxCorrelation <= 0 || c.Risk.MaxCorrelation > 1 {
		return fmt.Errorf("Config error: risk.max_correlation must be in (0, 1]")
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 100 {
		return fmt.Errorf("Config error: risk.max_exposure_pct must be in (0, 100]")
	}
	if c.Risk.BaseRiskPct <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.base_risk_pct' must be positive")
	}
	if c.Risk.MaxRiskPct < c.Risk.BaseRiskPct {
		return fmt.Errorf("Config error: risk.max_risk_pct (%.2f) must be >= risk.base_risk_pct (%.2f)", c.Risk.MaxRiskPct, c.Risk.BaseRiskPct)
	}
	if c.Risk.DrawdownStopPct <= c.Risk.DrawdownWarningPct {
		return fmt.Errorf("Config error: risk.drawdown_stop_pct must be greater than risk.drawdown_warning_pct")
	}
	if c.Risk.DailyLossLimitPct <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.daily_loss_limit_pct' must be positive")
	}
	if c.Risk.ZeroAllocationHalt <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.zero_allocation_halt' must be positive")
	}
	if c.Risk.MonitorIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.monitor_interval_seconds' must be positive")
	}

	if c.Lifecycle == nil {
		return fmt.Errorf("Critical config missing: 'lifecycle' block must be provided in config.yaml")
	}
	if c.Lifecycle.BaseStopLossPct <= 0 {
		return fmt.Errorf("Critical config missing: 'lifecycle.base_stop_loss_pct' must be positive")
	}
	if c.Lifecycle.TP1CloseFraction <= 0 || c.Lifecycle.TP1CloseFraction >= 1 {
		return fmt.Errorf("Config error: lifecycle.tp1_close_fraction must be in (0, 1)")
	}
	if c.Lifecycle.MaxDCAEntries < 0 {
		return fmt.Errorf("Config error: lifecycle.max_dca_entries cannot be negative")
	}
	if c.Lifecycle.MaxDCAEntries > 0 && c.Lifecycle.DCAStepPct <= 0 {
		return fmt.Errorf("Critical config missing: 'lifecycle.dca_step_pct' must be positive when DCA is enabled")
	}
	if c.Lifecycle.TP1MinPct <= 0 || c.Lifecycle.TP1MaxPct <= c.Lifecycle.TP1MinPct {
		return fmt.Errorf("Config error: lifecycle TP1 bounds must satisfy 0 < tp1_min_pct < tp1_max_pct")
	}
	if c.Lifecycle.TP2MinPct <= 0 || c.Lifecycle.TP2MaxPct <= c.Lifecycle.TP2MinPct {
		return fmt.Errorf("Config error: lifecycle TP2 bounds must satisfy 0 < tp2_min_pct < tp2_max_pct")
	}
	if c.Lifecycle.TrailingActivatePct <= 0 {
		return fmt.Errorf("Critical config missing: 'lifecycle.trailing_activate_pct' must be positive")
	}
	if c.Lifecycle.TrailingDistancePct <= 0 {
		return fmt.Errorf("Critical config missing: 'lifecycle.trailing_distance_pct' must be positive")
	}
	if c.Lifecycle.MaxPlacementAttempts <= 0 {
		return fmt.Errorf("Critical config missing: 'lifecycle.max_placement_attempts' must be positive")
	}
	if c.Lifecycle.BackoffBaseMillis <= 0 {
		return fmt.Errorf("Critical config missing: 'lifecycle.backoff_base_millis' must be positive")
	}

	if c.Guard == nil || c.Guard.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'guard.sweep_interval_seconds' must be positive")
	}
	if c.Guard.MaxRepairAttempts <= 0 {
		return fmt.Errorf("Critical config missing: 'guard.max_repair_attempts' must be positive")
	}

	if c.Market == nil {
		return fmt.Errorf("Critical config missing: 'market' block must be provided in config.yaml")
	}
	if c.Market.Timeframe == "" {
		return fmt.Errorf("Critical config missing: 'market.timeframe' must be specified (e.g., '1h')")
	}
	if c.Market.WindowSize < 30 {
		return fmt.Errorf("Config error: market.window_size must be at least 30 candles for indicator warm-up")
	}
	if c.Market.CacheTTLSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'market.cache_ttl_seconds' must be positive")
	}

	if c.Normal == nil {
		return fmt.Errorf("Critical config missing: 'normal_config' block must be provided in config.yaml")
	}
	if c.Normal.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.http_timeout_seconds' must be positive")
	}
	if c.Normal.RecvWindowSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.recv_window_seconds' must be positive")
	}
	if c.Normal.EvalIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.eval_interval_seconds' must be positive")
	}
	if c.Normal.HeartbeatIntervalMinutes <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.heartbeat_interval_minutes' must be positive")
	}
	if c.Normal.TimeSyncIntervalMinutes <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.time_sync_interval_minutes' must be positive")
	}
	if c.Normal.LogDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.log_directory' must be specified (e.g., 'logs')")
	}
	if c.Normal.StateDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.state_directory' must be specified (e.g., 'state')")
	}
	if c.Normal.AuditDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.audit_directory' must be specified (e.g., 'audit')")
	}

	if c.Logs == nil {
		return fmt.Errorf("Critical config missing: 'logs' block must be provided in config.yaml")
	}
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("Critical config missing: 'logs.log_level' must be specified (e.g., 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_size_mb' must be positive")
	}
	if c.Logs.MaxBackups <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_backups' must be positive")
	}
	if c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_age_days' must be positive")
	}

	if c.Notify != nil && c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("Config error: notify.webhook_url must be set when notify.enabled is true")
	}

	return nil
}

type EnvConfig struct {
	ApiKey    string
	ApiSecret string
	BaseURL   string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		ApiKey:    os.Getenv("BINANCE_API_KEY"),
		ApiSecret: os.Getenv("BINANCE_SECRET_KEY"),
		BaseURL:   os.Getenv("BINANCE_FUTURES_BASE_URL"),
	}
}
