package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/types"
)

func TestLoadFromBytes_Valid(t *testing.T) {
	yaml := `
broker:
  type: paper
  slippage: 0.02
  fill_delay_ms: 250
  rate_limit_per_second: 5

market:
  timeframe: "1m"
  replay:
    interval_ms: 100
    files:
      - symbol: AAPL
        path: data/aapl.csv

exits:
  tick_interval_sec: 10
  bar_lookback: 40
  cooldown_min: 30
  monitor:
    poll_interval_ms: 200
    timeout_sec: 60
  sweep:
    interval_sec: 45
    window: 50
    archive_after_sec: 300
  scale_out:
    t1_r: 1.0
    t2_r: 2.0
    t3_r: 3.0
    t1_fraction: 0.25
    t2_fraction: 0.25

session:
  force_close_at: "15:55"
  timezone: "America/New_York"

risk:
  starting_equity: 25000
  max_open_positions: 3
  max_daily_loss: 500
  max_drawdown_pct: 0.15

persistence:
  enabled: true
  path: state.db
`

	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Broker.RateLimitPerSecond != 5 {
		t.Errorf("RateLimitPerSecond = %d, want 5", cfg.Broker.RateLimitPerSecond)
	}
	if cfg.Exits.Sweep.Window != 50 {
		t.Errorf("Sweep.Window = %d, want 50", cfg.Exits.Sweep.Window)
	}
	if cfg.Exits.ScaleOut.T1Fraction != 0.25 {
		t.Errorf("T1Fraction = %f, want 0.25", cfg.Exits.ScaleOut.T1Fraction)
	}
	// Trailing was omitted, so the default ladder applies.
	if cfg.Exits.Trailing.BreakevenBars != 2 || cfg.Exits.Trailing.SlowEMA != 20 {
		t.Errorf("Trailing = %+v, want defaults", cfg.Exits.Trailing)
	}
	if len(cfg.ReplaySources()) != 1 || cfg.ReplaySources()[0].Symbol != "AAPL" {
		t.Errorf("ReplaySources() = %+v", cfg.ReplaySources())
	}
	if cfg.ReplayInterval() != 100*time.Millisecond {
		t.Errorf("ReplayInterval() = %v", cfg.ReplayInterval())
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}

	if cfg.Broker.Type != "paper" {
		t.Errorf("Broker.Type = %s, want paper", cfg.Broker.Type)
	}
	if cfg.Session.Timezone != "America/New_York" {
		t.Errorf("Timezone = %s", cfg.Session.Timezone)
	}
	if cfg.Metrics.Path != "/metrics" || cfg.Metrics.Port != 9090 {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.ShutdownTimeout() != 30*time.Second {
		t.Errorf("ShutdownTimeout() = %v, want 30s", cfg.ShutdownTimeout())
	}
}

func TestLoadFromBytes_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unsupported broker",
			yaml:    "broker:\n  type: ibkr\n",
			wantErr: "broker.type",
		},
		{
			name: "descending targets",
			yaml: `
exits:
  scale_out:
    t1_r: 2.0
    t2_r: 1.5
    t3_r: 4.0
    t1_fraction: 0.3
    t2_fraction: 0.4
`,
			wantErr: "ascending",
		},
		{
			name: "fractions leave no runner",
			yaml: `
exits:
  scale_out:
    t1_r: 1.5
    t2_r: 2.5
    t3_r: 4.0
    t1_fraction: 0.5
    t2_fraction: 0.5
`,
			wantErr: "runner",
		},
		{
			name: "trailing thresholds out of order",
			yaml: `
exits:
  trailing:
    breakeven_bars: 4
    bar_by_bar_bars: 2
    ma8_bars: 5
    fast_ema: 8
    slow_ema: 20
`,
			wantErr: "non-decreasing",
		},
		{
			name:    "bad cutoff",
			yaml:    "session:\n  force_close_at: \"3pm\"\n",
			wantErr: "force_close_at",
		},
		{
			name:    "unknown timezone",
			yaml:    "session:\n  timezone: \"Mars/Olympus\"\n",
			wantErr: "timezone",
		},
		{
			name:    "drawdown over 100%",
			yaml:    "risk:\n  max_drawdown_pct: 1.5\n",
			wantErr: "max_drawdown_pct",
		},
		{
			name: "telegram without token",
			yaml: `
alerting:
  enabled: true
  channels:
    - type: telegram
`,
			wantErr: "bot_token",
		},
		{
			name: "replay file without path",
			yaml: `
market:
  replay:
    files:
      - symbol: AAPL
`,
			wantErr: "market.replay.files[0]",
		},
		{
			name:    "invalid yaml",
			yaml:    "exits: [",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_WrapsInvalidConfig(t *testing.T) {
	cfg := &Config{Broker: BrokerConfig{Type: "ibkr"}}
	if err := cfg.Validate(); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
	}
}

func TestConfig_EngineConfig(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
exits:
  tick_interval_sec: 20
  cooldown_min: 45
  monitor:
    poll_interval_ms: 250
session:
  force_close_at: "15:50"
`))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}

	ec := cfg.EngineConfig()
	if ec.TickInterval != 20*time.Second {
		t.Errorf("TickInterval = %v", ec.TickInterval)
	}
	if ec.Cooldown != 45*time.Minute {
		t.Errorf("Cooldown = %v", ec.Cooldown)
	}
	if ec.Monitor.PollInterval != 250*time.Millisecond {
		t.Errorf("Monitor.PollInterval = %v", ec.Monitor.PollInterval)
	}
	if ec.Sweep.Interval != 90*time.Second || ec.Sweep.Window != 100 {
		t.Errorf("Sweep = %+v", ec.Sweep)
	}
	if !ec.Trailing.Buffer.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("Trailing.Buffer = %s", ec.Trailing.Buffer)
	}
	if !ec.ScaleOut.T2R.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("ScaleOut.T2R = %s", ec.ScaleOut.T2R)
	}
	if ec.Session.ForceCloseAt != "15:50" || ec.Session.Timezone != "America/New_York" {
		t.Errorf("Session = %+v", ec.Session)
	}
	if err := ec.ScaleOut.Validate(); err != nil {
		t.Errorf("ScaleOut.Validate() error = %v", err)
	}
}

func TestConfig_RiskConfig(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
risk:
  starting_equity: 50000
  max_open_positions: 4
  max_daily_loss: 750
  max_drawdown_pct: 0.2
`))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}

	rc := cfg.RiskConfig()
	if rc.MaxOpenPositions != 4 {
		t.Errorf("MaxOpenPositions = %d", rc.MaxOpenPositions)
	}
	if !rc.StartingEquity.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("StartingEquity = %s", rc.StartingEquity)
	}
	if !rc.MaxDailyLoss.Equal(decimal.NewFromInt(750)) {
		t.Errorf("MaxDailyLoss = %s", rc.MaxDailyLoss)
	}
	if rc.Location == nil || rc.Location.String() != "America/New_York" {
		t.Errorf("Location = %v", rc.Location)
	}
}

func TestConfig_PaperConfig(t *testing.T) {
	cfg := &Config{Broker: BrokerConfig{Slippage: 0.05, FillDelayMs: 100}}
	pc := cfg.PaperConfig()
	if !pc.Slippage.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("Slippage = %s", pc.Slippage)
	}
	if pc.FillDelay != 100*time.Millisecond {
		t.Errorf("FillDelay = %v", pc.FillDelay)
	}
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yaml := `
metrics:
  enabled: true
  port: 9191
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if sc := cfg.MetricsServerConfig(); sc.Port != 9191 || sc.HealthPath != "/health" {
		t.Errorf("MetricsServerConfig() = %+v", sc)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error for nonexistent file")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "my-secret-token")

	yaml := `
alerting:
  enabled: true
  channels:
    - type: telegram
      bot_token: "${TEST_BOT_TOKEN}"
      chat_id: 12345
`
	cfg, err := LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}
	if cfg.Alerting.Channels[0].BotToken != "my-secret-token" {
		t.Errorf("BotToken = %s, want my-secret-token", cfg.Alerting.Channels[0].BotToken)
	}
}

func TestConfig_Entries(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
entries:
  - symbol: AAPL
    side: long
    quantity: 100
    type: lmt
    limit_price: 189.5
    trail_distance: 1.25
    take_profit: 195
`))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}

	req, err := cfg.Entries[0].Request()
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.Side != types.SideLong || req.Type != broker.OrderTypeLimit || req.Quantity != 100 {
		t.Errorf("Request() = %+v", req)
	}
	if !req.TrailDistance.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("TrailDistance = %s", req.TrailDistance)
	}

	_, err = LoadFromBytes([]byte(`
entries:
  - symbol: AAPL
    side: sideways
    quantity: 100
    trail_distance: 1
`))
	if err == nil || !strings.Contains(err.Error(), "entries[0]") {
		t.Errorf("invalid side error = %v", err)
	}
}

func TestConfig_IsAlertEventEnabled(t *testing.T) {
	tests := []struct {
		name    string
		cfg     AlertingConfig
		event   string
		enabled bool
	}{
		{"disabled", AlertingConfig{Enabled: false}, "stop_exit", false},
		{"no filter", AlertingConfig{Enabled: true}, "stop_exit", true},
		{"listed", AlertingConfig{Enabled: true, Events: []string{"stop_exit"}}, "stop_exit", true},
		{"not listed", AlertingConfig{Enabled: true, Events: []string{"stop_exit"}}, "scale_out", false},
		{"all", AlertingConfig{Enabled: true, Events: []string{"all"}}, "scale_out", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Alerting: tt.cfg}
			if got := cfg.IsAlertEventEnabled(tt.event); got != tt.enabled {
				t.Errorf("IsAlertEventEnabled(%s) = %v, want %v", tt.event, got, tt.enabled)
			}
		})
	}
}
