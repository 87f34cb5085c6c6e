package deribit

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/deribit-go/ratelimit"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "test.deribit.com", cfg.Host)
	assert.Equal(t, 443, cfg.Port)
	assert.Equal(t, "/ws/api/v2", cfg.Path)
	assert.Equal(t, "wss://test.deribit.com:443/ws/api/v2", cfg.URL())
	assert.Equal(t, "market_maker", cfg.ClientName)
	assert.Equal(t, "1.0.0", cfg.ClientVersion)
	assert.Equal(t, 180, cfg.AuthRefreshThreshold)
	assert.Equal(t, ratelimit.ModeNormal, cfg.RateLimitMode)
	assert.Equal(t, 30, cfg.HeartbeatInterval)
	assert.True(t, cfg.Authenticate)
	assert.True(t, cfg.CODEnabled)
	assert.Equal(t, "connection", cfg.CODScope)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("DERIBIT_HOST", "www.deribit.com")
	t.Setenv("DERIBIT_CLIENT_ID", "k")
	t.Setenv("DERIBIT_CLIENT_SECRET", "s")
	t.Setenv("DERIBIT_AUTH_REFRESH_THRESHOLD", "300")
	t.Setenv("DERIBIT_RATE_LIMIT_MODE", "aggressive")
	t.Setenv("DERIBIT_CLIENT_NAME", "alpha")
	t.Setenv("DERIBIT_CLIENT_VERSION", "2.1.0")

	cfg, err := LoadConfig(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "www.deribit.com", cfg.Host)
	assert.Equal(t, 300, cfg.AuthRefreshThreshold)
	assert.Equal(t, ratelimit.ModeAggressive, cfg.RateLimitMode)
	assert.Equal(t, "alpha", cfg.ClientName)
	assert.Equal(t, "2.1.0", cfg.ClientVersion)

	creds := cfg.Credentials()
	assert.Equal(t, "k", creds.Key)
	assert.Equal(t, "s", creds.Secret)
}

// Invalid values for the validated fields fall through to the defaults
// instead of failing the load.
func TestLoadConfigInvalidValuesFallThrough(t *testing.T) {
	t.Setenv("DERIBIT_AUTH_REFRESH_THRESHOLD", "1200")
	t.Setenv("DERIBIT_RATE_LIMIT_MODE", "turbo")

	cfg, err := LoadConfig(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 180, cfg.AuthRefreshThreshold)
	assert.Equal(t, ratelimit.ModeNormal, cfg.RateLimitMode)

	t.Setenv("DERIBIT_AUTH_REFRESH_THRESHOLD", "not-a-number")
	cfg, err = LoadConfig(zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 180, cfg.AuthRefreshThreshold)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.withDefaults()
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.CODScope = "galaxy"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Port = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.LogLevel = "verbose"
	assert.Error(t, bad.Validate())
}

func TestCredentialsEquivalence(t *testing.T) {
	cfg := &Config{APIKey: "a", ClientID: "b", ClientSecret: "s"}
	assert.Equal(t, "a", cfg.Credentials().Key, "api_key wins when both are set")

	cfg = &Config{ClientID: "b", ClientSecret: "s"}
	assert.Equal(t, "b", cfg.Credentials().Key)
}

func TestEffectiveHeartbeatInterval(t *testing.T) {
	cfg := &Config{HeartbeatInterval: 3}
	assert.Equal(t, 10, cfg.EffectiveHeartbeatInterval())
	cfg.HeartbeatInterval = 45
	assert.Equal(t, 45, cfg.EffectiveHeartbeatInterval())
}
