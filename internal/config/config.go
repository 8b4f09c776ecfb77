// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/broker/paper"
	"github.com/tathienbao/exit-engine/internal/engine"
	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/monitor"
	"github.com/tathienbao/exit-engine/internal/reconcile"
	"github.com/tathienbao/exit-engine/internal/replay"
	"github.com/tathienbao/exit-engine/internal/risk"
	"github.com/tathienbao/exit-engine/internal/scaleout"
	"github.com/tathienbao/exit-engine/internal/trailing"
	"github.com/tathienbao/exit-engine/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Broker      BrokerConfig      `yaml:"broker"`
	Market      MarketConfig      `yaml:"market"`
	Exits       ExitsConfig       `yaml:"exits"`
	Session     SessionConfig     `yaml:"session"`
	Risk        RiskConfig        `yaml:"risk"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Entries     []EntryConfig     `yaml:"entries"`
}

// EntryConfig is an entry submitted when the engine starts.
type EntryConfig struct {
	Symbol        string  `yaml:"symbol"`
	Side          string  `yaml:"side"` // long|buy or short|sell
	Quantity      int     `yaml:"quantity"`
	Type          string  `yaml:"type"` // MKT or LMT
	LimitPrice    float64 `yaml:"limit_price"`
	TrailDistance float64 `yaml:"trail_distance"`
	TakeProfit    float64 `yaml:"take_profit"`
}

// BrokerConfig holds broker settings.
type BrokerConfig struct {
	Type               string  `yaml:"type"` // paper
	Slippage           float64 `yaml:"slippage"`
	FillDelayMs        int     `yaml:"fill_delay_ms"`
	RateLimitPerSecond int     `yaml:"rate_limit_per_second"`
}

// MarketConfig holds market data settings.
type MarketConfig struct {
	Timeframe string       `yaml:"timeframe"`
	Replay    ReplayConfig `yaml:"replay"`
}

// ReplayConfig feeds CSV bars into the paper broker.
type ReplayConfig struct {
	Files      []ReplayFile `yaml:"files"`
	IntervalMs int          `yaml:"interval_ms"`
}

// ReplayFile is one CSV file of bars.
type ReplayFile struct {
	Symbol string `yaml:"symbol"`
	Path   string `yaml:"path"`
}

// ExitsConfig holds the exit-management settings.
type ExitsConfig struct {
	TickIntervalSec int            `yaml:"tick_interval_sec"`
	BarLookback     int            `yaml:"bar_lookback"`
	CooldownMin     int            `yaml:"cooldown_min"`
	Monitor         MonitorConfig  `yaml:"monitor"`
	Sweep           SweepConfig    `yaml:"sweep"`
	Trailing        TrailingConfig `yaml:"trailing"`
	ScaleOut        ScaleOutConfig `yaml:"scale_out"`
}

// MonitorConfig holds fill monitor settings.
type MonitorConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	TimeoutSec     int `yaml:"timeout_sec"`
}

// SweepConfig holds reconciliation sweep settings.
type SweepConfig struct {
	IntervalSec     int `yaml:"interval_sec"`
	Window          int `yaml:"window"`
	ArchiveAfterSec int `yaml:"archive_after_sec"`
}

// TrailingConfig holds the trailing stop ladder.
type TrailingConfig struct {
	BreakevenBars int     `yaml:"breakeven_bars"`
	BarByBarBars  int     `yaml:"bar_by_bar_bars"`
	MA8Bars       int     `yaml:"ma8_bars"`
	FastEMA       int     `yaml:"fast_ema"`
	SlowEMA       int     `yaml:"slow_ema"`
	Buffer        float64 `yaml:"buffer"`
	WideBuffer    float64 `yaml:"wide_buffer"`
}

// ScaleOutConfig holds the scale-out targets.
type ScaleOutConfig struct {
	T1R        float64 `yaml:"t1_r"`
	T2R        float64 `yaml:"t2_r"`
	T3R        float64 `yaml:"t3_r"`
	T1Fraction float64 `yaml:"t1_fraction"`
	T2Fraction float64 `yaml:"t2_fraction"`
}

// SessionConfig holds the daily cutoff.
type SessionConfig struct {
	ForceCloseAt string `yaml:"force_close_at"` // HH:MM, empty disables
	Timezone     string `yaml:"timezone"`
}

// RiskConfig holds the entry gate limits.
type RiskConfig struct {
	StartingEquity   float64 `yaml:"starting_equity"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
	MaxDailyLoss     float64 `yaml:"max_daily_loss"`
	MaxDrawdownPct   float64 `yaml:"max_drawdown_pct"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Console  bool            `yaml:"console"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Port       int    `yaml:"port"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec               int  `yaml:"timeout_sec"`
	ClosePositionsOnShutdown bool `yaml:"close_positions_on_shutdown"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment variables
// are expanded before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate fills defaults and validates the configuration.
func (c *Config) Validate() error {
	c.applyDefaults()

	var errs []string

	if c.Broker.Type != "paper" {
		errs = append(errs, fmt.Sprintf("broker.type '%s' is not supported", c.Broker.Type))
	}
	if c.Broker.Slippage < 0 {
		errs = append(errs, "broker.slippage must not be negative")
	}

	for i, f := range c.Market.Replay.Files {
		if f.Symbol == "" || f.Path == "" {
			errs = append(errs, fmt.Sprintf("market.replay.files[%d] needs symbol and path", i))
		}
	}

	t := c.Exits.Trailing
	if t.BreakevenBars <= 0 || t.BarByBarBars < t.BreakevenBars || t.MA8Bars < t.BarByBarBars {
		errs = append(errs, "exits.trailing bar thresholds must be positive and non-decreasing")
	}
	if t.FastEMA <= 0 || t.SlowEMA <= t.FastEMA {
		errs = append(errs, "exits.trailing.slow_ema must be greater than fast_ema")
	}
	if t.Buffer < 0 || t.WideBuffer < 0 {
		errs = append(errs, "exits.trailing buffers must not be negative")
	}

	s := c.Exits.ScaleOut
	if s.T1R <= 0 || s.T2R <= s.T1R || s.T3R <= s.T2R {
		errs = append(errs, "exits.scale_out targets must be positive and ascending")
	}
	if s.T1Fraction <= 0 || s.T2Fraction <= 0 || s.T1Fraction+s.T2Fraction >= 1 {
		errs = append(errs, "exits.scale_out fractions must be positive and leave a runner")
	}

	if c.Session.ForceCloseAt != "" {
		if _, err := time.Parse("15:04", c.Session.ForceCloseAt); err != nil {
			errs = append(errs, fmt.Sprintf("session.force_close_at '%s' must be HH:MM", c.Session.ForceCloseAt))
		}
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("session.timezone '%s' is unknown", c.Session.Timezone))
	}

	if c.Risk.StartingEquity <= 0 {
		errs = append(errs, "risk.starting_equity must be positive")
	}
	if c.Risk.MaxOpenPositions < 0 || c.Risk.MaxDailyLoss < 0 {
		errs = append(errs, "risk limits must not be negative")
	}
	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct > 1 {
		errs = append(errs, "risk.max_drawdown_pct must be between 0 and 1")
	}

	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	for i, ch := range c.Alerting.Channels {
		if ch.Type != "telegram" {
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type '%s' is not supported", i, ch.Type))
			continue
		}
		if c.Alerting.Enabled && (ch.BotToken == "" || ch.ChatID == 0) {
			errs = append(errs, fmt.Sprintf("alerting.channels[%d] needs bot_token and chat_id", i))
		}
	}

	for i, e := range c.Entries {
		if _, err := e.Request(); err != nil {
			errs = append(errs, fmt.Sprintf("entries[%d]: %v", i, err))
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Broker.Type == "" {
		c.Broker.Type = "paper"
	}
	if c.Broker.RateLimitPerSecond <= 0 {
		c.Broker.RateLimitPerSecond = 10
	}
	if c.Market.Timeframe == "" {
		c.Market.Timeframe = "5m"
	}

	e := &c.Exits
	if e.TickIntervalSec <= 0 {
		e.TickIntervalSec = 15
	}
	if e.BarLookback <= 0 {
		e.BarLookback = 50
	}
	if e.CooldownMin <= 0 {
		e.CooldownMin = 60
	}
	if e.Monitor.PollIntervalMs <= 0 {
		e.Monitor.PollIntervalMs = 500
	}
	if e.Monitor.TimeoutSec <= 0 {
		e.Monitor.TimeoutSec = 300
	}
	if e.Sweep.IntervalSec <= 0 {
		e.Sweep.IntervalSec = 90
	}
	if e.Sweep.Window <= 0 {
		e.Sweep.Window = 100
	}
	if e.Sweep.ArchiveAfterSec <= 0 {
		e.Sweep.ArchiveAfterSec = 600
	}
	if e.Trailing == (TrailingConfig{}) {
		e.Trailing = TrailingConfig{
			BreakevenBars: 2,
			BarByBarBars:  4,
			MA8Bars:       5,
			FastEMA:       8,
			SlowEMA:       20,
			Buffer:        0.01,
			WideBuffer:    0.05,
		}
	}
	if e.ScaleOut == (ScaleOutConfig{}) {
		e.ScaleOut = ScaleOutConfig{T1R: 1.5, T2R: 2.5, T3R: 4, T1Fraction: 0.3, T2Fraction: 0.4}
	}

	if c.Session.Timezone == "" {
		c.Session.Timezone = "America/New_York"
	}
	if c.Risk.StartingEquity == 0 {
		c.Risk.StartingEquity = 100000
	}
	if c.Persistence.Path == "" {
		c.Persistence.Path = "exit-engine.db"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 30
	}
}

// EngineConfig converts to engine.Config.
func (c *Config) EngineConfig() engine.Config {
	e := c.Exits
	return engine.Config{
		Timeframe:    c.Market.Timeframe,
		TickInterval: seconds(e.TickIntervalSec),
		BarLookback:  e.BarLookback,
		Monitor: monitor.Config{
			PollInterval: time.Duration(e.Monitor.PollIntervalMs) * time.Millisecond,
			Timeout:      seconds(e.Monitor.TimeoutSec),
		},
		Sweep: reconcile.Config{
			Interval:     seconds(e.Sweep.IntervalSec),
			Window:       e.Sweep.Window,
			ArchiveAfter: seconds(e.Sweep.ArchiveAfterSec),
		},
		Trailing: trailing.Config{
			BreakevenBars: e.Trailing.BreakevenBars,
			BarByBarBars:  e.Trailing.BarByBarBars,
			MA8Bars:       e.Trailing.MA8Bars,
			FastEMA:       e.Trailing.FastEMA,
			SlowEMA:       e.Trailing.SlowEMA,
			Buffer:        decimal.NewFromFloat(e.Trailing.Buffer),
			WideBuffer:    decimal.NewFromFloat(e.Trailing.WideBuffer),
		},
		ScaleOut: scaleout.Config{
			T1R:        decimal.NewFromFloat(e.ScaleOut.T1R),
			T2R:        decimal.NewFromFloat(e.ScaleOut.T2R),
			T3R:        decimal.NewFromFloat(e.ScaleOut.T3R),
			T1Fraction: decimal.NewFromFloat(e.ScaleOut.T1Fraction),
			T2Fraction: decimal.NewFromFloat(e.ScaleOut.T2Fraction),
		},
		Cooldown: time.Duration(e.CooldownMin) * time.Minute,
		Session: engine.SessionConfig{
			ForceCloseAt: c.Session.ForceCloseAt,
			Timezone:     c.Session.Timezone,
		},
	}
}

// PaperConfig converts to paper.Config.
func (c *Config) PaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	cfg.Slippage = decimal.NewFromFloat(c.Broker.Slippage)
	cfg.FillDelay = time.Duration(c.Broker.FillDelayMs) * time.Millisecond
	return cfg
}

// RiskConfig converts to risk.Config. The daily loss resets on the session
// timezone's day boundary.
func (c *Config) RiskConfig() risk.Config {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return risk.Config{
		MaxOpenPositions: c.Risk.MaxOpenPositions,
		MaxDailyLoss:     decimal.NewFromFloat(c.Risk.MaxDailyLoss),
		MaxDrawdownPct:   decimal.NewFromFloat(c.Risk.MaxDrawdownPct),
		StartingEquity:   decimal.NewFromFloat(c.Risk.StartingEquity),
		Location:         loc,
	}
}

// MetricsServerConfig converts to metrics.ServerConfig.
func (c *Config) MetricsServerConfig() metrics.ServerConfig {
	return metrics.ServerConfig{
		Port:        c.Metrics.Port,
		MetricsPath: c.Metrics.Path,
		HealthPath:  c.Metrics.HealthPath,
	}
}

// ReplaySources returns the configured replay files.
func (c *Config) ReplaySources() []replay.Source {
	out := make([]replay.Source, 0, len(c.Market.Replay.Files))
	for _, f := range c.Market.Replay.Files {
		out = append(out, replay.Source{Path: f.Path, Symbol: f.Symbol})
	}
	return out
}

// ReplayInterval returns the pause between replayed bars.
func (c *Config) ReplayInterval() time.Duration {
	return time.Duration(c.Market.Replay.IntervalMs) * time.Millisecond
}

// Request converts to an engine entry request.
func (e EntryConfig) Request() (engine.EntryRequest, error) {
	side, _ := types.ParseSide(e.Side)
	req := engine.EntryRequest{
		Symbol:          e.Symbol,
		Side:            side,
		Quantity:        e.Quantity,
		Type:            broker.OrderType(strings.ToUpper(e.Type)),
		LimitPrice:      decimal.NewFromFloat(e.LimitPrice),
		TrailDistance:   decimal.NewFromFloat(e.TrailDistance),
		TakeProfitPrice: decimal.NewFromFloat(e.TakeProfit),
	}
	return req, req.Validate()
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return seconds(c.Shutdown.TimeoutSec)
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
