package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"ASSET", "MIN_SPOT_AMOUNT", "SPREAD", "MIN_HOP", "FUTURES_ENABLED", "MIN_FUTURES_AMOUNT",
	"TICK_INTERVAL_SECONDS", "LOCK_TTL_SECONDS", "REDIS_ADDR", "REDIS_DB", "EXCHANGE",
	"API_KEY", "API_SECRET", "REQUEST_TIMEOUT_SECONDS", "EVENTS_SINK", "KAFKA_BROKERS",
	"KAFKA_TOPIC", "NATS_URL", "NATS_SUBJECT", "RUN_ON_START", "HTTP_ADDR", "SHUTDOWN_TIMEOUT_SECONDS",
}

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func missingPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSET", "usdt")
	t.Setenv("MIN_SPOT_AMOUNT", "100")
	t.Setenv("SPREAD", "20.5")
	t.Setenv("MIN_HOP", "5")
	t.Setenv("EXCHANGE", "paper")
	t.Setenv("TICK_INTERVAL_SECONDS", "15")
	t.Setenv("RUN_ON_START", "true")

	cfg, err := Load(missingPath(t))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	th := cfg.ThresholdConfig()
	assert.Equal(t, "USDT", th.Asset)
	assert.True(t, decimal.NewFromInt(100).Equal(th.MinSpotAmount))
	assert.True(t, decimal.RequireFromString("20.5").Equal(th.Spread))
	assert.Equal(t, 15*time.Second, th.TickInterval)
	assert.Equal(t, 300*time.Second, th.LockTTL)
	assert.False(t, th.FuturesEnabled)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, ":5001", cfg.HTTP.Addr)
	assert.True(t, cfg.RunOnStart)
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
asset: BTC
thresholds:
  min_spot_amount: 0.05
  spread: 0.01
  min_hop: 0.001
  futures_enabled: true
  min_futures_amount: 0.02
lock:
  ttl_seconds: 120
exchange:
  kind: binance
  api_key: k
  api_secret: s
events:
  sink: kafka
  kafka_brokers: "localhost:9092"
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	t.Setenv("MIN_HOP", "0.002")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	th := cfg.ThresholdConfig()
	assert.Equal(t, "BTC", th.Asset)
	assert.True(t, decimal.RequireFromString("0.002").Equal(th.MinHop), "env overrides the file")
	assert.True(t, th.FuturesEnabled)
	assert.True(t, decimal.RequireFromString("0.02").Equal(th.MinFuturesAmount))
	assert.Equal(t, 2*time.Minute, th.LockTTL)
	assert.Equal(t, "rebalancer.transfers", cfg.Events.KafkaTopic)
}

func TestValidate_MissingRequired(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXCHANGE", "binance")

	cfg, err := Load(missingPath(t))
	require.NoError(t, err)
	err = cfg.Validate()

	require.Error(t, err)
	for _, want := range []string{"ASSET", "MIN_SPOT_AMOUNT", "SPREAD", "MIN_HOP", "API_KEY"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_RejectsNonNumeric(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"amount", "MIN_SPOT_AMOUNT", "lots"},
		{"negative", "SPREAD", "-1"},
		{"interval", "TICK_INTERVAL_SECONDS", "1m"},
		{"zero ttl", "LOCK_TTL_SECONDS", "0"},
		{"bool", "FUTURES_ENABLED", "maybe"},
		{"redis db", "REDIS_DB", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("ASSET", "USDT")
			t.Setenv("MIN_SPOT_AMOUNT", "100")
			t.Setenv("SPREAD", "20")
			t.Setenv("MIN_HOP", "5")
			t.Setenv("EXCHANGE", "paper")
			t.Setenv(tt.key, tt.val)

			cfg, err := Load(missingPath(t))
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestValidate_FuturesNeedsMinimum(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSET", "USDT")
	t.Setenv("MIN_SPOT_AMOUNT", "100")
	t.Setenv("SPREAD", "20")
	t.Setenv("MIN_HOP", "5")
	t.Setenv("EXCHANGE", "paper")
	t.Setenv("FUTURES_ENABLED", "true")

	cfg, err := Load(missingPath(t))
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MIN_FUTURES_AMOUNT")
}

func TestValidate_EventSinks(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASSET", "USDT")
	t.Setenv("MIN_SPOT_AMOUNT", "1")
	t.Setenv("SPREAD", "1")
	t.Setenv("MIN_HOP", "1")
	t.Setenv("EXCHANGE", "paper")
	t.Setenv("EVENTS_SINK", "nats")

	cfg, err := Load(missingPath(t))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "NATS_URL")

	t.Setenv("EVENTS_SINK", "carrier-pigeon")
	cfg, err = Load(missingPath(t))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "unknown sink")
}
