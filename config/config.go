// Package config holds the service configuration: built-in defaults, an
// optional TOML file, a .env file and VIEWING_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store modes.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Store    string         `toml:"store"`
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Auth     AuthConfig     `toml:"auth"`
	Engine   EngineConfig   `toml:"engine"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string   `toml:"url"`
	MaxConns        int      `toml:"max_conns"`
	MinConns        int      `toml:"min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime duration `toml:"max_conn_idle_time"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig is optional; an empty Addr disables publishing and the sweep
// lease.
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	PoolSize      int    `toml:"pool_size"`
	MaxRetries    int    `toml:"max_retries"`
	TLSEnabled    bool   `toml:"tls_enabled"`
	ChannelPrefix string `toml:"channel_prefix"`
	Stream        string `toml:"stream"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
	// CallbackSecretHash is the bcrypt hash of the shared secret the payment
	// provider sends with result callbacks.
	CallbackSecretHash string `toml:"callback_secret_hash"`
}

type EngineConfig struct {
	GracePeriod      duration `toml:"grace_period"`
	NoShowGrace      duration `toml:"no_show_grace"`
	FeeBps           int      `toml:"fee_bps"`
	PlatformWalletID string   `toml:"platform_wallet_id"`
	SweepInterval    duration `toml:"sweep_interval"`
	SweepBatch       int      `toml:"sweep_batch"`
}

type OutboxConfig struct {
	RelayInterval duration `toml:"relay_interval"`
	Batch         int      `toml:"batch"`
	MaxAttempts   int      `toml:"max_attempts"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// duration decodes TOML strings such as "72h" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Defaults() Config {
	return Config{
		Store: StorePostgres,
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     duration{15 * time.Second},
			WriteTimeout:    duration{15 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			MaxConns:        20,
			MinConns:        2,
			MaxConnLifetime: duration{30 * time.Minute},
			MaxConnIdleTime: duration{5 * time.Minute},
		},
		Redis: RedisConfig{
			PoolSize:      10,
			MaxRetries:    3,
			ChannelPrefix: "viewingflow",
		},
		Auth: AuthConfig{
			Issuer: "viewingflow",
		},
		Engine: EngineConfig{
			GracePeriod:      duration{72 * time.Hour},
			NoShowGrace:      duration{30 * time.Minute},
			FeeBps:           500,
			PlatformWalletID: "platform",
			SweepInterval:    duration{30 * time.Second},
			SweepBatch:       100,
		},
		Outbox: OutboxConfig{
			RelayInterval: duration{time.Second},
			Batch:         100,
			MaxAttempts:   10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, "database.url is required for the postgres store")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store %q (valid: memory, postgres)", c.Store))
	}
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, "auth.jwt_secret is required")
	}
	if c.Auth.CallbackSecretHash == "" {
		errs = append(errs, "auth.callback_secret_hash is required")
	}
	if c.Engine.GracePeriod.Duration <= 0 {
		errs = append(errs, "engine.grace_period must be positive")
	}
	if c.Engine.NoShowGrace.Duration < 0 {
		errs = append(errs, "engine.no_show_grace must not be negative")
	}
	if c.Engine.FeeBps < 0 || c.Engine.FeeBps > 10_000 {
		errs = append(errs, fmt.Sprintf("engine.fee_bps %d out of range [0, 10000]", c.Engine.FeeBps))
	}
	if c.Engine.PlatformWalletID == "" {
		errs = append(errs, "engine.platform_wallet_id is required")
	}
	if c.Engine.SweepInterval.Duration <= 0 {
		errs = append(errs, "engine.sweep_interval must be positive")
	}
	if c.Engine.SweepBatch <= 0 {
		errs = append(errs, "engine.sweep_batch must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, "outbox.max_attempts must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("unknown log.format %q (valid: json, text)", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
