// Package main is the entry point for the position exit-management engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tathienbao/exit-engine/internal/alerting"
	"github.com/tathienbao/exit-engine/internal/broker"
	"github.com/tathienbao/exit-engine/internal/broker/paper"
	"github.com/tathienbao/exit-engine/internal/config"
	"github.com/tathienbao/exit-engine/internal/engine"
	"github.com/tathienbao/exit-engine/internal/metrics"
	"github.com/tathienbao/exit-engine/internal/persistence"
	"github.com/tathienbao/exit-engine/internal/replay"
	"github.com/tathienbao/exit-engine/internal/risk"
	"golang.org/x/term"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`exitd - Position Exit-Management Engine

Usage:
  exitd <command> [options]

Commands:
  run        Start the exit engine against the paper broker
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  exitd run --config config.yaml
  exitd run --config config.yaml --env .env --verbose
  exitd validate --config config.yaml

Use "exitd <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("exitd version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envPath := fs.String("env", ".env", "Path to .env file (optional)")
	fs.Parse(args)

	if err := loadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "Environment error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	s := cfg.Exits.ScaleOut
	fmt.Println("Configuration is valid!")
	fmt.Printf("  Broker: %s (rate limit %d/s)\n", cfg.Broker.Type, cfg.Broker.RateLimitPerSecond)
	fmt.Printf("  Scale-out: %.1fR / %.1fR / %.1fR selling %.0f%% then %.0f%%\n",
		s.T1R, s.T2R, s.T3R, s.T1Fraction*100, s.T2Fraction*100)
	fmt.Printf("  Sweep: every %ds over %d orders\n", cfg.Exits.Sweep.IntervalSec, cfg.Exits.Sweep.Window)
	fmt.Printf("  Cooldown: %d min\n", cfg.Exits.CooldownMin)
	if cfg.Session.ForceCloseAt != "" {
		fmt.Printf("  Session cutoff: %s %s\n", cfg.Session.ForceCloseAt, cfg.Session.Timezone)
	}
	fmt.Printf("  Replay files: %d, startup entries: %d\n", len(cfg.Market.Replay.Files), len(cfg.Entries))
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	envPath := fs.String("env", ".env", "Path to .env file (optional)")
	verbose := fs.Bool("verbose", false, "Debug logging")
	fs.Parse(args)

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	if err := loadEnv(*envPath); err != nil {
		slog.Error("failed to load .env", "path", *envPath, "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("exitd starting",
		"version", Version,
		"broker", cfg.Broker.Type,
		"timeframe", cfg.Market.Timeframe,
	)

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("exitd failed", "err", err)
		os.Exit(1)
	}
	slog.Info("exitd shutdown complete")
}

// app holds the running components for shutdown.
type app struct {
	cfg     *config.Config
	paper   *paper.Broker
	engine  *engine.Engine
	server  *metrics.Server
	repo    *persistence.SQLiteRepository
	replays chan error
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a := &app{cfg: cfg}

	a.paper = paper.NewBroker(cfg.PaperConfig(), logger.With("component", "paper"))
	if err := a.paper.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	gw := broker.NewLimitedGateway(a.paper, cfg.Broker.RateLimitPerSecond)

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		repo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return fmt.Errorf("migrate database: %w", err)
		}
		a.repo = repo
		store = persistence.NewStore(repo, nil, logger.With("component", "store"))
	}

	alerter, err := buildAlerter(cfg, logger)
	if err != nil {
		return err
	}

	gate := risk.NewGate(cfg.RiskConfig(), logger.With("component", "risk"))

	a.engine, err = engine.New(cfg.EngineConfig(), gw, a.paper, gate, store, alerter, logger.With("component", "engine"))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	rep, err := a.engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	slog.Info("state recovered",
		"pending_entries", rep.PendingEntries,
		"positions", rep.Positions,
		"cooldowns", rep.Cooldowns,
	)

	if cfg.Metrics.Enabled {
		a.server = metrics.NewServer(cfg.MetricsServerConfig(), logger.With("component", "metrics"))
		a.server.RegisterHealthCheck("broker", metrics.ConnectedCheck(a.paper.IsConnected))
		sweepEvery := a.engine.SweepInterval()
		a.server.RegisterHealthCheck("sweep", metrics.FreshnessCheck(a.engine.LastSweep, 3*sweepEvery, sweepEvery))
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if err := a.startReplay(ctx, logger); err != nil {
		a.shutdown()
		return err
	}
	a.submitEntries(ctx)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-a.replays:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("bar replay failed", "err", err)
		}
		// Keep managing positions on the last prices until signalled.
		<-ctx.Done()
		slog.Info("shutdown signal received")
	}

	a.shutdown()
	return nil
}

func (a *app) startReplay(ctx context.Context, logger *slog.Logger) error {
	a.replays = make(chan error, 1)
	sources := a.cfg.ReplaySources()
	if len(sources) == 0 {
		return nil
	}

	r, err := replay.New(sources, a.cfg.ReplayInterval(), a.paper, logger.With("component", "replay"))
	if err != nil {
		return fmt.Errorf("load replay: %w", err)
	}
	go func() {
		a.replays <- r.Run(ctx)
	}()
	return nil
}

func (a *app) submitEntries(ctx context.Context) {
	for _, ec := range a.cfg.Entries {
		req, err := ec.Request()
		if err != nil {
			slog.Warn("skipping entry", "symbol", ec.Symbol, "err", err)
			continue
		}
		ticket, err := a.engine.SubmitEntry(ctx, req)
		if err != nil {
			slog.Warn("entry not submitted", "symbol", req.Symbol, "err", err)
			continue
		}
		slog.Info("entry submitted",
			"symbol", req.Symbol,
			"order_id", ticket.OrderID,
			"trade_id", ticket.TradeID,
		)
	}
}

func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := shutdown(ctx, a); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

func shutdown(ctx context.Context, a *app) error {
	slog.Info("starting graceful shutdown",
		"timeout", a.cfg.ShutdownTimeout(),
		"close_positions", a.cfg.Shutdown.ClosePositionsOnShutdown,
	)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"close positions", func() error {
			if !a.cfg.Shutdown.ClosePositionsOnShutdown {
				return nil
			}
			var errs []error
			for _, res := range a.engine.CloseAll(ctx, "shutdown") {
				if !res.OK() {
					errs = append(errs, fmt.Errorf("%s: %w", res.Symbol, res.Err))
				}
			}
			return errors.Join(errs...)
		}},
		{"stop engine", func() error {
			return a.engine.Stop(ctx)
		}},
		{"stop metrics server", func() error {
			if a.server == nil {
				return nil
			}
			return a.server.Shutdown(ctx)
		}},
		{"close database", func() error {
			if a.repo == nil {
				return nil
			}
			return a.repo.Close()
		}},
		{"close connections", func() error {
			return a.paper.Shutdown(ctx)
		}},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout during: %s", step.name)
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
			}
		}
	}

	// Small delay to allow final log messages
	time.Sleep(100 * time.Millisecond)

	return nil
}

// newLogger writes text to an interactive terminal and JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadEnv loads a .env file into the environment. A missing file is not an
// error; variables already set are kept.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// buildAlerter returns nil when alerting is disabled.
func buildAlerter(cfg *config.Config, logger *slog.Logger) (alerting.Alerter, error) {
	if !cfg.Alerting.Enabled {
		return nil, nil
	}

	multi := alerting.NewMultiAlerter(logger)
	if cfg.Alerting.Console {
		multi.AddAlerter(alerting.NewConsoleAlerter(logger.With("component", "alerts")))
	}
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			tg, err := alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			})
			if err != nil {
				return nil, fmt.Errorf("telegram alerter: %w", err)
			}
			multi.AddAlerter(tg)
		}
	}
	return alerting.NewFilteredAlerter(multi, cfg.IsAlertEventEnabled), nil
}
