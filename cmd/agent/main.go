// Command agent is the composition root (§9 "composition root"): it wires
// config, logging, storage, the exchange adapter, the LLM gateway, and the
// Session Supervisor together, then blocks until told to shut down. There is
// no HTTP API surface in this build (see DESIGN.md) — a session is put into
// motion either by AUTO_START env vars or left idle for a future caller of
// the Supervisor directly.
package main

import (
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"futuresagent/assembler"
	"futuresagent/config"
	"futuresagent/exchange"
	"futuresagent/llm"
	"futuresagent/logger"
	"futuresagent/store"
	"futuresagent/supervisor"
)

func main() {
	_ = godotenv.Load()

	logger.Init(nil)
	logger.Info("🚀 starting futuresagent")

	config.Init()
	cfg := config.Get()
	logger.Info("✅ configuration loaded")

	if cfg.DBType == "sqlite" {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				logger.Errorf("❌ failed to create data directory: %v", err)
			}
		}
	}

	dbType := store.DBTypeSQLite
	if cfg.DBType == "postgres" {
		dbType = store.DBTypePostgres
	}
	st, err := store.NewWithConfig(store.DBConfig{
		Type:     dbType,
		Path:     cfg.DBPath,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		logger.Fatalf("❌ failed to initialize database: %v", err)
	}
	defer st.Close()

	adapter := newAdapter(cfg)

	gateway := llm.NewHTTPGateway(llm.Config{
		Provider: llm.Provider(cfg.LLMProvider),
		APIKey:   cfg.LLMAPIKey,
		BaseURL:  cfg.LLMBaseURL,
		Model:    cfg.LLMModel,
		Logger:   logger.NewGatewayLogger(),
	})

	sup := supervisor.New(st, adapter, gateway, 0.3, assembler.Config{Logger: logger.NewGatewayLogger()}).
		WithStopTimeout(time.Duration(cfg.StopTimeoutSeconds) * time.Second)

	if n, err := sup.Recover(); err != nil {
		logger.Errorf("❌ failed to recover orphaned sessions: %v", err)
	} else if n > 0 {
		logger.Warnf("⚠️ recovered %d orphaned running session(s) as crashed", n)
	}

	if cfg.AutoStart {
		startAuto(sup, cfg)
	} else {
		logger.Info("📴 AUTO_START not set, supervisor idle; start a session externally")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("✅ system started successfully, waiting for trading commands...")
	<-quit
	logger.Info("📴 shutdown signal received, stopping sessions")

	sup.Shutdown()
	logger.Info("✅ system shut down safely")
}

// newAdapter builds the exchange.Adapter selected by cfg.Exchange (§4.1,
// "one Adapter implementation per supported venue").
func newAdapter(cfg *config.Config) exchange.Adapter {
	switch cfg.Exchange {
	case "bybit":
		logger.Info("📡 using Bybit exchange adapter")
		return exchange.NewBybitAdapter(cfg.BybitAPIKey, cfg.BybitSecretKey)
	default:
		logger.Info("📡 using Binance exchange adapter")
		return exchange.NewBinanceAdapter(cfg.BinanceAPIKey, cfg.BinanceSecretKey)
	}
}

// startAuto opens the one session AUTO_START configures. A rejection because
// a session is already active (P1, e.g. surviving a restart without
// AUTO_START having been cleared) is logged, not fatal.
func startAuto(sup *supervisor.Supervisor, cfg *config.Config) {
	if len(cfg.Instruments) == 0 {
		logger.Warn("⚠️ AUTO_START set but SESSION_INSTRUMENTS is empty, skipping")
		return
	}

	sess, err := sup.Start(supervisor.StartRequest{
		InitialCapital:  cfg.InitialCapital,
		Instruments:     cfg.Instruments,
		IntervalSeconds: cfg.DecisionIntervalSec,
		Risk: store.RiskParams{
			MaxLeverage:         cfg.MaxLeverage,
			MaxNotionalPerTrade: cfg.MaxNotionalPerTrade,
			MaxDrawdownPct:      cfg.MaxDrawdownPct,
			MaxPositions:        cfg.MaxPositions,
			MaxTotalExposure:    cfg.MaxTotalExposure,
		},
	})
	if err != nil {
		if errors.Is(err, store.ErrActiveSessionExists) {
			logger.Warn("⚠️ AUTO_START: a session is already active, leaving it running")
			return
		}
		logger.Errorf("❌ AUTO_START: failed to start session: %v", err)
		return
	}
	logger.Infof("🤖 AUTO_START: session %d started on %v", sess.ID, cfg.Instruments)
}
