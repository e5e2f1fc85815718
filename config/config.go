package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"workflowTrader/internal/adapters/logger" // Import the logger package for LogLevel
)

// Execution modes select the order-execution adapter.
const (
	ModePaper    = "paper"
	ModeBinance  = "binance"
	ModeDisabled = "disabled"
)

// Prediction sources select how probability events arrive.
const (
	SourceWS   = "ws"
	SourcePoll = "poll"
	SourceNone = "none"
)

// Config holds all application configuration.
type Config struct {
	// General
	LogLevel      logger.LogLevel // Use the LogLevel type from the logger adapter
	DBPath        string
	HTTPAddr      string // empty disables the HTTP API
	ExecutionMode string // paper | binance | disabled
	PaperSlippage float64

	// Binance API
	APIKey        string
	SecretKey     string
	IsTestnet     bool
	QuoteAsset    string   // e.g. "USDT"
	PriceAssets   []string // assets streamed as price ticks, e.g. BONK,WIF
	KlineInterval string

	// Predictions
	PredictionSource       string // ws | poll | none
	PredictionWSURL        string
	PredictionPollURL      string
	PredictionPollInterval time.Duration

	// Engine
	OrderTimeout       time.Duration
	OrderRatePerSecond float64
	EngineWorkers      int
	PredictionBuffer   int
	PriceBuffer        int
	WorkflowRefresh    time.Duration

	// Locking; Redis is used when RedisAddr is set, in-process locks otherwise
	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration
	NodeID        string

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// General
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.DBPath = getEnv("DB_PATH", "./data/workflow_trader.db")
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	cfg.ExecutionMode = strings.ToLower(getEnv("EXECUTION_MODE", ModePaper))
	switch cfg.ExecutionMode {
	case ModePaper, ModeBinance, ModeDisabled:
	default:
		errs = append(errs, fmt.Sprintf("EXECUTION_MODE must be one of paper, binance, disabled; got %q", cfg.ExecutionMode))
	}

	cfg.PaperSlippage, err = getEnvAsFloatRequired("PAPER_SLIPPAGE_PERCENT", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_SLIPPAGE_PERCENT: %v", err))
	} else if cfg.PaperSlippage < 0 {
		errs = append(errs, "PAPER_SLIPPAGE_PERCENT cannot be negative")
	}

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety
	if cfg.ExecutionMode == ModeBinance {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set when EXECUTION_MODE=binance")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set when EXECUTION_MODE=binance")
		}
	}
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))
	cfg.PriceAssets = getEnvAsList("PRICE_ASSETS")
	cfg.KlineInterval = getEnv("KLINE_INTERVAL", "1m")

	// Predictions
	cfg.PredictionSource = strings.ToLower(getEnv("PREDICTION_SOURCE", SourceNone))
	cfg.PredictionWSURL = getEnv("PREDICTION_WS_URL", "")
	cfg.PredictionPollURL = getEnv("PREDICTION_POLL_URL", "")
	switch cfg.PredictionSource {
	case SourceWS:
		if cfg.PredictionWSURL == "" {
			errs = append(errs, "PREDICTION_WS_URL must be set when PREDICTION_SOURCE=ws")
		}
	case SourcePoll:
		if cfg.PredictionPollURL == "" {
			errs = append(errs, "PREDICTION_POLL_URL must be set when PREDICTION_SOURCE=poll")
		}
	case SourceNone:
	default:
		errs = append(errs, fmt.Sprintf("PREDICTION_SOURCE must be one of ws, poll, none; got %q", cfg.PredictionSource))
	}
	cfg.PredictionPollInterval, err = getEnvAsSeconds("PREDICTION_POLL_INTERVAL_SECONDS", 5)
	if err != nil {
		errs = append(errs, err.Error())
	}

	// Engine
	cfg.OrderTimeout, err = getEnvAsSeconds("ORDER_TIMEOUT_SECONDS", 15)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.OrderRatePerSecond, err = getEnvAsFloatRequired("ORDER_RATE_PER_SECOND", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ORDER_RATE_PER_SECOND: %v", err))
	} else if cfg.OrderRatePerSecond < 0 {
		errs = append(errs, "ORDER_RATE_PER_SECOND cannot be negative")
	}
	for _, p := range []struct {
		key string
		dst *int
		def int
	}{
		{"ENGINE_WORKERS", &cfg.EngineWorkers, 4},
		{"PREDICTION_BUFFER", &cfg.PredictionBuffer, 256},
		{"PRICE_BUFFER", &cfg.PriceBuffer, 64},
	} {
		*p.dst, err = getEnvAsIntRequired(p.key, p.def)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", p.key, err))
		} else if *p.dst <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", p.key))
		}
	}
	refresh, err := getEnvAsIntRequired("WORKFLOW_REFRESH_SECONDS", 30)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid WORKFLOW_REFRESH_SECONDS: %v", err))
	} else if refresh < 0 {
		errs = append(errs, "WORKFLOW_REFRESH_SECONDS cannot be negative")
	}
	cfg.WorkflowRefresh = time.Duration(refresh) * time.Second

	// Locking
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.LockTTL, err = getEnvAsSeconds("LOCK_TTL_SECONDS", 60)
	if err != nil {
		errs = append(errs, err.Error())
	}
	hostname, _ := os.Hostname()
	cfg.NodeID = getEnv("NODE_ID", hostname)
	if cfg.NodeID == "" {
		cfg.NodeID = "node"
	}

	// Connection Settings
	cfg.ReconnectDelay, err = getEnvAsSeconds("RECONNECT_DELAY_SECONDS", 5)
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// getEnvAsSeconds reads a positive number of seconds.
func getEnvAsSeconds(key string, defaultValue int) (time.Duration, error) {
	n, err := getEnvAsIntRequired(key, defaultValue)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return time.Duration(n) * time.Second, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, upper-casing and dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
