// Package config loads the process-wide configuration from the environment.
// Session-specific parameters (instruments, risk limits, interval) travel
// through StartSession requests; the only copy of them here is the AutoStart
// block, which the composition root turns into one such request.
package config

import (
	"os"
	"strconv"
	"strings"
)

var global *Config

// Config is the global configuration, loaded once from .env + environment.
type Config struct {
	// Database configuration
	DBType     string // sqlite or postgres
	DBPath     string // SQLite database file path
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// LLM provider credentials. The composition root builds one gateway
	// from them, shared by every session; sessions cannot override them.
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string

	// Exchange selects which venue adapter the composition root builds:
	// "binance" or "bybit".
	Exchange string

	// Exchange credentials for the two supported venues.
	BinanceAPIKey    string
	BinanceSecretKey string
	BybitAPIKey      string
	BybitSecretKey   string

	// StopTimeoutSeconds bounds how long the supervisor waits for a
	// cancelled worker to drain before finalizing the stop without it.
	StopTimeoutSeconds int

	// AutoStart, when true, has the composition root immediately open a
	// session on process start using the fields below, instead of sitting
	// idle until something external calls StartSession (§6). There is no
	// API surface in this build (see DESIGN.md), so this is the only way
	// to put a session into motion.
	AutoStart          bool
	Instruments        []string
	InitialCapital     float64
	DecisionIntervalSec int
	MaxLeverage         float64
	MaxNotionalPerTrade float64
	MaxDrawdownPct      float64
	MaxPositions        int
	MaxTotalExposure    float64
}

// Init populates the global configuration from environment variables.
func Init() {
	cfg := &Config{
		DBType:             "sqlite",
		DBPath:             "data/data.db",
		DBHost:             "localhost",
		DBPort:             5432,
		DBUser:             "postgres",
		DBName:             "futuresagent",
		DBSSLMode:          "disable",
		LLMProvider:        "deepseek",
		StopTimeoutSeconds: 10,
		Exchange:           "binance",
		DecisionIntervalSec: 60,
		MaxLeverage:         5,
		MaxNotionalPerTrade: 1000,
		MaxDrawdownPct:      10,
		MaxPositions:        3,
		MaxTotalExposure:    5000,
	}

	if v := os.Getenv("DB_TYPE"); v != "" {
		cfg.DBType = strings.ToLower(v)
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.DBPort = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.DBSSLMode = v
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = strings.ToLower(v)
	}
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.LLMBaseURL = os.Getenv("LLM_BASE_URL")
	cfg.LLMModel = os.Getenv("LLM_MODEL")

	if v := os.Getenv("EXCHANGE"); v != "" {
		cfg.Exchange = strings.ToLower(v)
	}
	cfg.BinanceAPIKey = os.Getenv("BINANCE_API_KEY")
	cfg.BinanceSecretKey = os.Getenv("BINANCE_SECRET_KEY")
	cfg.BybitAPIKey = os.Getenv("BYBIT_API_KEY")
	cfg.BybitSecretKey = os.Getenv("BYBIT_SECRET_KEY")

	if v := os.Getenv("STOP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StopTimeoutSeconds = n
		}
	}

	if v := os.Getenv("AUTO_START"); v == "1" || strings.ToLower(v) == "true" {
		cfg.AutoStart = true
	}
	if v := os.Getenv("SESSION_INSTRUMENTS"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.Instruments = append(cfg.Instruments, s)
			}
		}
	}
	cfg.InitialCapital = envFloat("SESSION_INITIAL_CAPITAL", 10000)
	cfg.DecisionIntervalSec = envInt("SESSION_INTERVAL_SECONDS", cfg.DecisionIntervalSec)
	cfg.MaxLeverage = envFloat("RISK_MAX_LEVERAGE", cfg.MaxLeverage)
	cfg.MaxNotionalPerTrade = envFloat("RISK_MAX_NOTIONAL_PER_TRADE", cfg.MaxNotionalPerTrade)
	cfg.MaxDrawdownPct = envFloat("RISK_MAX_DRAWDOWN_PCT", cfg.MaxDrawdownPct)
	cfg.MaxPositions = envInt("RISK_MAX_POSITIONS", cfg.MaxPositions)
	cfg.MaxTotalExposure = envFloat("RISK_MAX_TOTAL_EXPOSURE", cfg.MaxTotalExposure)

	global = cfg
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Get returns the global configuration, calling Init first if it has not
// been called yet.
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}
