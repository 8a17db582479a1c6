package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	cfg := &Config{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, cfg)
	require.NoError(t, fs.Parse(args))
	if err := Apply(fs); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 60, cfg.TimeLimitMinutes)
	assert.False(t, cfg.RequireToken)
	assert.Equal(t, logrus.InfoLevel, cfg.Level())
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("ESCAPE_PORT", "9090")
	t.Setenv("ESCAPE_STORE", "redis")
	t.Setenv("ESCAPE_LOG_LEVEL", "debug")
	t.Setenv("ESCAPE_PLAYER_TIMEOUT", "45s")
	t.Setenv("ESCAPE_REQUIRE_TOKEN", "true")

	cfg, err := load(t)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, 45*time.Second, cfg.PlayerTimeout)
	assert.True(t, cfg.RequireToken)
}

func TestFlagsWinOverEnvironment(t *testing.T) {
	t.Setenv("ESCAPE_PORT", "9090")

	cfg, err := load(t, "--port", "7000", "--time_limit_minutes", "30")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 30, cfg.TimeLimitMinutes)
}

func TestInvalidEnvironmentValue(t *testing.T) {
	t.Setenv("ESCAPE_PORT", "eighty")

	_, err := load(t)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := load(t)
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Store = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Store, cfg.RedisAddr = StoreRedis, ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.TimeLimitMinutes = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.PrivateKeyPath = "key.pem"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}
