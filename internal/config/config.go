// Package config binds command line flags and ESCAPE_* environment variables
// into the settings shared by the server and historian binaries.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. ESCAPE_PORT.
const EnvPrefix = "ESCAPE"

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the process configuration.
type Config struct {
	Bind     string
	Port     int
	LogLevel string

	Store       string
	RedisAddr   string
	RedisDB     int
	DatabaseURL string

	PublicURL        string
	TimeLimitMinutes int
	PlayerTimeout    time.Duration
	ReapInterval     time.Duration

	RequireToken   bool
	TokenExpire    string
	PrivateKeyPath string
	PublicKeyPath  string

	AuditQueue string

	HistorianBatchSize  int
	HistorianFlush      time.Duration
	HistorianInactivity time.Duration
}

// Validate rejects combinations the binaries cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	switch c.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("invalid store %q (must be %q or %q)", c.Store, StoreMemory, StoreRedis)
	}
	if c.Store == StoreRedis && c.RedisAddr == "" {
		return errors.New("--redis-addr is required with --store=redis")
	}
	if c.TimeLimitMinutes < 1 {
		return fmt.Errorf("invalid time limit: %d minutes", c.TimeLimitMinutes)
	}
	if (c.PrivateKeyPath == "") != (c.PublicKeyPath == "") {
		return errors.New("both --private-key and --public-key must be provided together")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// RegisterFlags defines every flag on fs, writing into cfg.
func RegisterFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: ESCAPE_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: ESCAPE_PORT)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "logrus level (env: ESCAPE_LOG_LEVEL)")

	fs.StringVar(&cfg.Store, "store", StoreMemory, "shared state backend, memory or redis (env: ESCAPE_STORE)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6379", "redis address (env: ESCAPE_REDIS_ADDR)")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number (env: ESCAPE_REDIS_DB)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres url for the outcome archive, empty disables it (env: ESCAPE_DATABASE_URL)")

	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally visible base url used in join links (env: ESCAPE_PUBLIC_URL)")
	fs.IntVar(&cfg.TimeLimitMinutes, "time-limit-minutes", 60, "default countdown length (env: ESCAPE_TIME_LIMIT_MINUTES)")
	fs.DurationVar(&cfg.PlayerTimeout, "player-timeout", 2*time.Minute, "time without a heartbeat before a player is removed, 0 disables (env: ESCAPE_PLAYER_TIMEOUT)")
	fs.DurationVar(&cfg.ReapInterval, "reap-interval", 30*time.Second, "how often idle players are swept (env: ESCAPE_REAP_INTERVAL)")

	fs.BoolVar(&cfg.RequireToken, "require-token", false, "require the session token on sockets and leave (env: ESCAPE_REQUIRE_TOKEN)")
	fs.StringVar(&cfg.TokenExpire, "token-expire", "24h", "session token lifetime, never disables expiry (env: ESCAPE_TOKEN_EXPIRE)")
	fs.StringVar(&cfg.PrivateKeyPath, "private-key", "", "ed25519 private key PEM, random when empty (env: ESCAPE_PRIVATE_KEY)")
	fs.StringVar(&cfg.PublicKeyPath, "public-key", "", "ed25519 public key PEM (env: ESCAPE_PUBLIC_KEY)")

	fs.StringVar(&cfg.AuditQueue, "audit-queue", "", "redis list receiving action records, empty disables auditing (env: ESCAPE_AUDIT_QUEUE)")

	fs.IntVar(&cfg.HistorianBatchSize, "historian-batch-size", 20, "action records per archive insert (env: ESCAPE_HISTORIAN_BATCH_SIZE)")
	fs.DurationVar(&cfg.HistorianFlush, "historian-flush", 500*time.Millisecond, "max delay before a partial batch is written (env: ESCAPE_HISTORIAN_FLUSH)")
	fs.DurationVar(&cfg.HistorianInactivity, "historian-inactivity", 10*time.Minute, "idle time before a started game is archived as abandoned (env: ESCAPE_HISTORIAN_INACTIVITY)")
}

// Apply copies environment values into flags the user did not set explicitly.
// Call it after the flags are parsed.
func Apply(fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			if setErr := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); setErr != nil && err == nil {
				err = fmt.Errorf("invalid value for %s: %w", f.Name, setErr)
			}
		}
	})
	return err
}
