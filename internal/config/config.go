package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	HTTPPort       int
	AdminToken     string
	CompletionURL  string
	RateLimitRPS   float64
	RateLimitBurst int

	// Storage
	DBBackend     string // sqlite | memory | redis
	DBPath        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Ledger
	LedgerBackend string // ton | memory
	Testnet       bool
	TonAPIKey     string
	TonAPIBaseURL string
	TonAPIRPS     float64

	// Webhook
	WebhookEndpoint string
	WebhookSecret   string

	// Payments
	OperatorAddress   string
	RequiredAmountTON float64
	FeeReserveTON     float64
	TrialDuration     time.Duration
	GrantDuration     time.Duration
	PaymentIntentTTL  time.Duration
	SessionRetention  time.Duration

	// Custody
	CustodyAgeIdentity string

	// Sweeping
	SweepInterval   time.Duration
	SweepGroupSize  int
	SweepGroupPause time.Duration
	ConfirmTimeout  time.Duration

	// Maintenance
	CleanupInterval          time.Duration
	SubscriptionSyncInterval time.Duration

	// Telegram admin bot
	AdminBotToken string
	AdminChatID   int64

	LogLevel string
}

func Load() *Config {
	return &Config{
		// HTTP
		HTTPPort:       getEnvInt("HTTP_PORT", 8080),
		AdminToken:     getEnv("ADMIN_TOKEN", ""),
		CompletionURL:  getEnv("COMPLETION_URL", ""),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 20),

		// Storage
		DBBackend:     strings.ToLower(getEnv("DB_BACKEND", "sqlite")),
		DBPath:        getEnv("DB_PATH", "./paywall.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		// Ledger
		LedgerBackend: strings.ToLower(getEnv("LEDGER_BACKEND", "ton")),
		Testnet:       getEnvBool("TON_TESTNET", false),
		TonAPIKey:     getEnv("TONAPI_API_KEY", ""),
		TonAPIBaseURL: strings.TrimSuffix(getEnv("TONAPI_BASE_URL", "https://tonapi.io/v2"), "/"),
		TonAPIRPS:     getEnvFloat("TONAPI_RPS", 4),

		// Webhook
		WebhookEndpoint: getEnv("WEBHOOK_ENDPOINT", ""),
		WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),

		// Payments
		OperatorAddress:   getEnv("OPERATOR_ADDRESS", ""),
		RequiredAmountTON: getEnvFloat("REQUIRED_AMOUNT_TON", 1.0),
		FeeReserveTON:     getEnvFloat("FEE_RESERVE_TON", 0.01),
		TrialDuration:     getEnvDuration("TRIAL_DURATION", 10*time.Minute),
		GrantDuration:     getEnvDuration("GRANT_DURATION", 8760*time.Hour),
		PaymentIntentTTL:  getEnvDuration("PAYMENT_INTENT_TTL", 30*time.Minute),
		SessionRetention:  getEnvDuration("SESSION_RETENTION", 7*24*time.Hour),

		// Custody
		CustodyAgeIdentity: getEnv("CUSTODY_AGE_IDENTITY", ""),

		// Sweeping
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 10*time.Minute),
		SweepGroupSize:  getEnvInt("SWEEP_GROUP_SIZE", 5),
		SweepGroupPause: getEnvDuration("SWEEP_GROUP_PAUSE", 2*time.Second),
		ConfirmTimeout:  getEnvDuration("CONFIRM_TIMEOUT", 30*time.Second),

		// Maintenance
		CleanupInterval:          getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		SubscriptionSyncInterval: getEnvDuration("SUBSCRIPTION_SYNC_INTERVAL", 30*time.Second),

		// Telegram admin bot
		AdminBotToken: getEnv("ADMIN_BOT_TOKEN", ""),
		AdminChatID:   getEnvInt64("ADMIN_CHAT_ID", 0),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate reports misconfiguration the service cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.DBBackend {
	case "sqlite", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("DB_BACKEND %q: want sqlite, memory or redis", c.DBBackend))
	}
	switch c.LedgerBackend {
	case "ton", "memory":
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND %q: want ton or memory", c.LedgerBackend))
	}

	if c.OperatorAddress == "" {
		errs = append(errs, errors.New("OPERATOR_ADDRESS is required"))
	}
	if c.RequiredAmountTON <= 0 {
		errs = append(errs, errors.New("REQUIRED_AMOUNT_TON must be positive"))
	}
	if c.FeeReserveTON < 0 {
		errs = append(errs, errors.New("FEE_RESERVE_TON must not be negative"))
	}
	if c.TrialDuration < 0 || c.GrantDuration <= 0 {
		errs = append(errs, errors.New("TRIAL_DURATION and GRANT_DURATION must be positive"))
	}
	if c.SweepGroupSize <= 0 {
		errs = append(errs, errors.New("SWEEP_GROUP_SIZE must be positive"))
	}
	if c.AdminBotToken != "" && c.AdminChatID == 0 {
		errs = append(errs, errors.New("ADMIN_CHAT_ID is required with ADMIN_BOT_TOKEN"))
	}

	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
