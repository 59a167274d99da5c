// Command gatewayd runs the protocol gateway: it accepts game WebSocket
// connections, routes their messages through per-game decision logic,
// and dispatches generated actions back out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nugget/gary-gateway/internal/audit"
	"github.com/nugget/gary-gateway/internal/buildinfo"
	"github.com/nugget/gary-gateway/internal/config"
	"github.com/nugget/gary-gateway/internal/game"
	"github.com/nugget/gary-gateway/internal/gateway"
	"github.com/nugget/gary-gateway/internal/generator"
	"github.com/nugget/gary-gateway/internal/gwevents"
	"github.com/nugget/gary-gateway/internal/registry"
	"github.com/nugget/gary-gateway/internal/rules"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfgPath, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
	}

	var cfg *config.Config
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting gatewayd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	bus := gwevents.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditPath := cfg.Audit.Path
		if auditPath == "" {
			auditPath = filepath.Join(cfg.DataDir, "audit.db")
		}
		auditStore, err = audit.Open(auditPath)
		if err != nil {
			logger.Error("failed to open audit store", "path", auditPath, "error", err)
			os.Exit(1)
		}
		defer auditStore.Close()
		go auditStore.Listen(ctx, bus, logger.With("component", "audit"))
		logger.Info("audit log enabled", "path", auditPath)
	} else {
		logger.Info("audit log disabled")
	}

	newGenerator := func(gameName string) (generator.Generator, error) {
		switch cfg.LLM.Engine {
		case "llama_cpp":
			return generator.NewTransparentKV(cfg.Gateway.TokenLimit), nil
		case "opaque", "":
			return generator.NewOpaque(cfg.Gateway.TokenLimit), nil
		default:
			return nil, fmt.Errorf("unsupported llm.engine %q", cfg.LLM.Engine)
		}
	}

	gameOptions := func(gameName string) game.Options {
		return game.Options{
			AllowYapping:       cfg.Gateway.AllowYapping,
			EnforceSchema:      cfg.Gateway.EnforceSchema,
			Temperature:        cfg.Gateway.Temperature,
			TokenLimit:         cfg.Gateway.TokenLimit,
			IdleTimeoutTry:     secondsToDuration(cfg.Gateway.Scheduler.IdleTimeoutTrySeconds),
			IdleTimeoutForce:   secondsToDuration(cfg.Gateway.Scheduler.IdleTimeoutForceSeconds),
			SleepAfterSay:      sleepAfterSayDuration(cfg.Gateway.Scheduler.SleepAfterSay),
			ExistingConnPolicy: cfg.Gateway.ExistingConnectionPolicy,
			CustomRules:        loadCustomRules(cfg.RulesDir, gameName, logger),
			Logger:             logger.With("game", gameName),
			Bus:                bus,
		}
	}

	reg := registry.New(logger.With("component", "registry"), bus, newGenerator, gameOptions)
	srv := gateway.New(logger.With("component", "gateway"), reg)

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		reg.Destroy()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("gatewayd stopped")
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// sleepAfterSayDuration turns the sleep_after_say flag into the pause a
// game enqueues after a try_action say: a fixed 2 seconds when enabled,
// whatever the length of the message.
func sleepAfterSayDuration(enabled bool) time.Duration {
	if !enabled {
		return 0
	}
	return 2 * time.Second
}

func loadCustomRules(rulesDir, gameName string, logger *slog.Logger) string {
	if rulesDir == "" {
		return ""
	}
	path := filepath.Join(rulesDir, gameName+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read custom rules", "game", gameName, "path", path, "error", err)
		}
		return ""
	}
	text, err := rules.Render(data)
	if err != nil {
		logger.Warn("failed to render custom rules", "game", gameName, "path", path, "error", err)
		return string(data)
	}
	return text
}
