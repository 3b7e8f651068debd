package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges an optional TOML file over the defaults, loads .env when
// present and applies environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Store, "VIEWING_STORE")

	setStr(&cfg.Server.Addr, "VIEWING_HTTP_ADDR")
	setDuration(&cfg.Server.ShutdownTimeout, "VIEWING_HTTP_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.URL, "VIEWING_DATABASE_URL")
	setInt(&cfg.Database.MaxConns, "VIEWING_DATABASE_MAX_CONNS")
	setInt(&cfg.Database.MinConns, "VIEWING_DATABASE_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "VIEWING_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "VIEWING_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VIEWING_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VIEWING_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "VIEWING_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.ChannelPrefix, "VIEWING_REDIS_CHANNEL_PREFIX")
	setStr(&cfg.Redis.Stream, "VIEWING_REDIS_STREAM")

	setStr(&cfg.Auth.JWTSecret, "VIEWING_JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "VIEWING_JWT_ISSUER")
	setStr(&cfg.Auth.CallbackSecretHash, "VIEWING_CALLBACK_SECRET_HASH")

	setDuration(&cfg.Engine.GracePeriod, "VIEWING_GRACE_PERIOD")
	setDuration(&cfg.Engine.NoShowGrace, "VIEWING_NO_SHOW_GRACE")
	setInt(&cfg.Engine.FeeBps, "VIEWING_FEE_BPS")
	setStr(&cfg.Engine.PlatformWalletID, "VIEWING_PLATFORM_WALLET_ID")
	setDuration(&cfg.Engine.SweepInterval, "VIEWING_SWEEP_INTERVAL")
	setInt(&cfg.Engine.SweepBatch, "VIEWING_SWEEP_BATCH")

	setDuration(&cfg.Outbox.RelayInterval, "VIEWING_RELAY_INTERVAL")
	setInt(&cfg.Outbox.MaxAttempts, "VIEWING_RELAY_MAX_ATTEMPTS")

	setStr(&cfg.Log.Level, "VIEWING_LOG_LEVEL")
	setStr(&cfg.Log.Format, "VIEWING_LOG_FORMAT")
}

// Each helper mutates the target only when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
