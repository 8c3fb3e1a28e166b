package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.DBBackend)
	assert.Equal(t, "ton", cfg.LedgerBackend)
	assert.Equal(t, 10*time.Minute, cfg.TrialDuration)
	assert.Equal(t, 8760*time.Hour, cfg.GrantDuration)
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("DB_BACKEND", "Redis")
	t.Setenv("TON_TESTNET", "true")
	t.Setenv("TONAPI_BASE_URL", "https://testnet.tonapi.io/v2/")
	t.Setenv("REQUIRED_AMOUNT_TON", "2.5")
	t.Setenv("TRIAL_DURATION", "90s")
	t.Setenv("SWEEP_GROUP_SIZE", "not-a-number")
	t.Setenv("ADMIN_CHAT_ID", "-100123")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "redis", cfg.DBBackend)
	assert.True(t, cfg.Testnet)
	assert.Equal(t, "https://testnet.tonapi.io/v2", cfg.TonAPIBaseURL)
	assert.InDelta(t, 2.5, cfg.RequiredAmountTON, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.TrialDuration)
	assert.Equal(t, 5, cfg.SweepGroupSize)
	assert.Equal(t, int64(-100123), cfg.AdminChatID)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestValidate(t *testing.T) {
	cfg := Load()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPERATOR_ADDRESS")

	cfg.OperatorAddress = "0:0000000000000000000000000000000000000000000000000000000000000abc"
	require.NoError(t, cfg.Validate())

	cfg.DBBackend = "postgres"
	cfg.LedgerBackend = "solana"
	cfg.AdminBotToken = "token"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_BACKEND")
	assert.Contains(t, err.Error(), "LEDGER_BACKEND")
	assert.Contains(t, err.Error(), "ADMIN_CHAT_ID")
}
