package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all startup configuration for the safety core
type Config struct {
	LogLevel string

	Risk       RiskConfig
	Breakers   BreakerConfig
	Sources    SourceConfig
	Audit      AuditConfig
	Controller ControllerConfig
	Alert      AlertConfig
}

// RiskConfig holds thresholds for the risk policy layers
type RiskConfig struct {
	MaxPositionValue    float64 // absolute cap per position, USD
	MaxPositionPct      float64 // fraction of account value per position
	MaxTotalExposure    float64 // absolute cap across all positions, USD
	MaxSymbolConcPct    float64 // fraction of account value per symbol
	MaxDrawdown         float64 // fraction of peak account value
	DailyLossLimit      float64 // fraction of account value per day
	VolatilityCeiling   float64 // volatility above which size is cut
	MaxVolatilityShrink float64 // largest fraction of quantity the volatility layer may cut
}

// BreakerConfig holds thresholds and cooldowns for the circuit breakers
type BreakerConfig struct {
	DailyLossThreshold  float64
	DailyLossWarning    float64
	ConsecutiveLosses   int
	VolatilityThreshold float64
	VolatilityWarning   float64
	ErrorRateThreshold  float64
	Cooldown            time.Duration
	AutoReset           bool
}

// SourceConfig holds aggregator-wide market-data settings
type SourceConfig struct {
	MaxSources     int
	FetchTimeout   time.Duration
	CacheTTL       time.Duration
	ErrorThreshold int           // consecutive errors before a source is disabled
	ProbeInterval  time.Duration // how often disabled sources are health-checked
}

// AuditConfig holds audit logger settings
type AuditConfig struct {
	Dir           string
	BufferSize    int
	FlushInterval time.Duration
	MaxFileSize   int64
	RetentionDays int
}

// ControllerConfig holds trading controller settings
type ControllerConfig struct {
	Mode         string
	AccountValue float64
	SlippageBps  float64
	FeeBps       float64
	MinQuality   float64
}

// AlertConfig holds operator alerting settings; alerting is disabled
// when the token is empty
type AlertConfig struct {
	TelegramToken  string
	TelegramChatID int64
}

// Load initializes configuration from environment variables
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg(".env file not found, relying on actual environment variables")
	}

	cfg := &Config{
		LogLevel: getEnvWithDefault("LOG_LEVEL", "info"),
		Risk: RiskConfig{
			MaxPositionValue:    getEnvFloatWithDefault("RISK_MAX_POSITION_VALUE", 100000),
			MaxPositionPct:      getEnvFloatWithDefault("RISK_MAX_POSITION_PCT", 0.10),
			MaxTotalExposure:    getEnvFloatWithDefault("RISK_MAX_TOTAL_EXPOSURE", 500000),
			MaxSymbolConcPct:    getEnvFloatWithDefault("RISK_MAX_SYMBOL_CONC_PCT", 0.20),
			MaxDrawdown:         getEnvFloatWithDefault("RISK_MAX_DRAWDOWN", 0.15),
			DailyLossLimit:      getEnvFloatWithDefault("RISK_DAILY_LOSS_LIMIT", 0.03),
			VolatilityCeiling:   getEnvFloatWithDefault("RISK_VOLATILITY_CEILING", 0.60),
			MaxVolatilityShrink: getEnvFloatWithDefault("RISK_MAX_VOL_SHRINK", 0.80),
		},
		Breakers: BreakerConfig{
			DailyLossThreshold:  getEnvFloatWithDefault("BREAKER_DAILY_LOSS", 0.05),
			DailyLossWarning:    getEnvFloatWithDefault("BREAKER_DAILY_LOSS_WARNING", 0.03),
			ConsecutiveLosses:   getEnvIntWithDefault("BREAKER_CONSECUTIVE_LOSSES", 5),
			VolatilityThreshold: getEnvFloatWithDefault("BREAKER_VOLATILITY", 1.0),
			VolatilityWarning:   getEnvFloatWithDefault("BREAKER_VOLATILITY_WARNING", 0.75),
			ErrorRateThreshold:  getEnvFloatWithDefault("BREAKER_ERROR_RATE", 0.25),
			Cooldown:            getEnvDurationWithDefault("BREAKER_COOLDOWN", 30*time.Minute),
			AutoReset:           getEnvBoolWithDefault("BREAKER_AUTO_RESET", true),
		},
		Sources: SourceConfig{
			MaxSources:     getEnvIntWithDefault("SOURCES_MAX", 3),
			FetchTimeout:   getEnvDurationWithDefault("SOURCES_FETCH_TIMEOUT", 10*time.Second),
			CacheTTL:       getEnvDurationWithDefault("SOURCES_CACHE_TTL", 30*time.Second),
			ErrorThreshold: getEnvIntWithDefault("SOURCES_ERROR_THRESHOLD", 5),
			ProbeInterval:  getEnvDurationWithDefault("SOURCES_PROBE_INTERVAL", time.Minute),
		},
		Audit: AuditConfig{
			Dir:           getEnvWithDefault("AUDIT_DIR", "audit_logs"),
			BufferSize:    getEnvIntWithDefault("AUDIT_BUFFER_SIZE", 100),
			FlushInterval: getEnvDurationWithDefault("AUDIT_FLUSH_INTERVAL", 5*time.Second),
			MaxFileSize:   int64(getEnvIntWithDefault("AUDIT_MAX_FILE_SIZE", 50*1024*1024)),
			RetentionDays: getEnvIntWithDefault("AUDIT_RETENTION_DAYS", 90),
		},
		Controller: ControllerConfig{
			Mode:         getEnvWithDefault("TRADING_MODE", "paper"),
			AccountValue: getEnvFloatWithDefault("ACCOUNT_VALUE", 1000000),
			SlippageBps:  getEnvFloatWithDefault("SLIPPAGE_BPS", 5),
			FeeBps:       getEnvFloatWithDefault("FEE_BPS", 10),
			MinQuality:   getEnvFloatWithDefault("MIN_DATA_QUALITY", 0.5),
		},
		Alert: AlertConfig{
			TelegramToken:  os.Getenv("TELEGRAM_TOKEN"),
			TelegramChatID: int64(getEnvIntWithDefault("TELEGRAM_CHAT_ID", 0)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would disable the safety rails
func (c *Config) Validate() error {
	if c.Risk.MaxPositionValue <= 0 {
		return fmt.Errorf("RISK_MAX_POSITION_VALUE must be positive, got %v", c.Risk.MaxPositionValue)
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("RISK_MAX_POSITION_PCT must be in (0,1], got %v", c.Risk.MaxPositionPct)
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("RISK_MAX_DRAWDOWN must be in (0,1), got %v", c.Risk.MaxDrawdown)
	}
	if c.Risk.DailyLossLimit <= 0 || c.Risk.DailyLossLimit >= 1 {
		return fmt.Errorf("RISK_DAILY_LOSS_LIMIT must be in (0,1), got %v", c.Risk.DailyLossLimit)
	}
	if c.Risk.MaxVolatilityShrink <= 0 || c.Risk.MaxVolatilityShrink >= 1 {
		return fmt.Errorf("RISK_MAX_VOL_SHRINK must be in (0,1), got %v", c.Risk.MaxVolatilityShrink)
	}
	if c.Breakers.ConsecutiveLosses < 1 {
		return fmt.Errorf("BREAKER_CONSECUTIVE_LOSSES must be at least 1, got %d", c.Breakers.ConsecutiveLosses)
	}
	if c.Sources.MaxSources < 1 {
		return fmt.Errorf("SOURCES_MAX must be at least 1, got %d", c.Sources.MaxSources)
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be at least 1, got %d", c.Audit.BufferSize)
	}
	if c.Controller.AccountValue <= 0 {
		return fmt.Errorf("ACCOUNT_VALUE must be positive, got %v", c.Controller.AccountValue)
	}
	return nil
}

// Helper functions for environment variable handling
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
