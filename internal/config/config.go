// Package config loads the immutable, process-wide configuration from
// environment variables (spec §6, §9 "Global mutable state"). Configuration
// is read once at startup; there is no reload path, matching the teacher's
// internal/config package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven option spec §6 enumerates.
type Config struct {
	DatabaseURL string

	OKXIsDemo  bool
	OKXTDMode  string
	OKXPosMode string

	OKXAPIKey     string
	OKXAPISecret  string
	OKXPassphrase string

	TradingEnabled  bool
	APIWriteEnabled bool

	RiskMaxNotional   float64
	RiskMaxLeverage   float64
	RiskMinConfidence float64

	RegimeADXThreshold     float64
	RegimeBBWidthThreshold float64

	PortfolioGlobalLeverage float64
	PortfolioDiffThresholdBps float64
	PortfolioMinNotional      float64

	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMTimeout  time.Duration

	AccountInterval time.Duration
	OrderInterval   time.Duration
	IngestInterval  time.Duration

	LogLevel string
	Pretty   bool

	ArtifactBucket string // optional S3-compatible bucket for backtest artifacts
}

// Load reads configuration from a .env file (if present) and the process
// environment, applying the defaults spec §6 implies.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "./data/perpcore.db"),

		OKXIsDemo:  getEnvBool("OKX_IS_DEMO", true),
		OKXTDMode:  getEnv("OKX_TD_MODE", "cross"),
		OKXPosMode: getEnv("OKX_POS_MODE", "net_mode"),

		OKXAPIKey:     getEnv("OKX_API_KEY", ""),
		OKXAPISecret:  getEnv("OKX_API_SECRET", ""),
		OKXPassphrase: getEnv("OKX_PASSPHRASE", ""),

		TradingEnabled:  getEnvBool("TRADING_ENABLED", false),
		APIWriteEnabled: getEnvBool("API_WRITE_ENABLED", false),

		RiskMaxNotional:   getEnvFloat("RISK_MAX_NOTIONAL", 50000),
		RiskMaxLeverage:   getEnvFloat("RISK_MAX_LEVERAGE", 3),
		RiskMinConfidence: getEnvFloat("RISK_MIN_CONFIDENCE", 0.55),

		RegimeADXThreshold:     getEnvFloat("REGIME_ADX_THRESHOLD", 20),
		RegimeBBWidthThreshold: getEnvFloat("REGIME_BB_WIDTH_THRESHOLD", 0.04),

		PortfolioGlobalLeverage:   getEnvFloat("PORTFOLIO_GLOBAL_LEVERAGE", 1.0),
		PortfolioDiffThresholdBps: getEnvFloat("PORTFOLIO_DIFF_THRESHOLD", 25),
		PortfolioMinNotional:      getEnvFloat("PORTFOLIO_MIN_NOTIONAL", 50),

		LLMProvider: getEnv("LLM_PROVIDER", ""),
		LLMAPIKey:   getEnv("LLM_API_KEY", ""),
		LLMBaseURL:  getEnv("LLM_BASE_URL", ""),
		LLMTimeout:  getEnvDuration("LLM_TIMEOUT_SECONDS", 20*time.Second),

		AccountInterval: getEnvDuration("ACCOUNT_INTERVAL", 60*time.Second),
		OrderInterval:   getEnvDuration("ORDER_INTERVAL", 15*time.Second),
		IngestInterval:  getEnvDuration("INGEST_INTERVAL", 60*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		Pretty:   getEnvBool("LOG_PRETTY", true),

		ArtifactBucket: getEnv("ARTIFACT_BUCKET", ""),
	}

	if cfg.RiskMaxLeverage <= 0 {
		return nil, fmt.Errorf("config: RISK_MAX_LEVERAGE must be positive, got %v", cfg.RiskMaxLeverage)
	}
	if cfg.PortfolioGlobalLeverage <= 0 {
		return nil, fmt.Errorf("config: PORTFOLIO_GLOBAL_LEVERAGE must be positive, got %v", cfg.PortfolioGlobalLeverage)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
