// Package config loads process configuration from GAMEDAY_* environment
// variables.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/xerrors"
)

// Prefix is prepended to every variable name below.
const Prefix = "GAMEDAY_"

type Config struct {
	// Gateway.
	HTTPAddr      string `env:"HTTP_ADDR"       envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`

	// TokenSecret signs guest tokens. At least 32 bytes.
	TokenSecret      string        `env:"TOKEN_SECRET"`
	TokenLifetime    time.Duration `env:"TOKEN_LIFETIME"    envDefault:"4h"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`

	// Empty RedisAddr keeps guest sessions in process memory.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// StatSinkDialect is "sqlite" or "postgres". Empty disables stat sync.
	StatSinkDialect string `env:"STAT_SINK_DIALECT"`
	StatSinkDSN     string `env:"STAT_SINK_DSN"`

	// Device side.
	CachePath     string        `env:"CACHE_PATH"      envDefault:"gameday-cache.db"`
	CacheTTL      time.Duration `env:"CACHE_TTL"       envDefault:"5m"`
	CacheShards   int           `env:"CACHE_SHARDS"    envDefault:"16"`
	CacheCapacity int           `env:"CACHE_CAPACITY"  envDefault:"1024"`
	SyncInterval  time.Duration `env:"SYNC_INTERVAL"   envDefault:"30s"`
	TapIdleWindow time.Duration `env:"TAP_IDLE_WINDOW" envDefault:"500ms"`
	TapMilestone  int           `env:"TAP_MILESTONE"   envDefault:"10"`

	Verbose bool `env:"VERBOSE"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, xerrors.Errorf("parse env: %w", err)
	}
	cfg.StatSinkDialect = strings.ToLower(strings.TrimSpace(cfg.StatSinkDialect))
	return cfg, nil
}

// ValidateGateway checks the settings the gateway server needs.
func (c Config) ValidateGateway() error {
	if len(c.TokenSecret) < 32 {
		return xerrors.Errorf("%sTOKEN_SECRET must be at least 32 bytes", Prefix)
	}
	if c.TokenLifetime <= 0 {
		return xerrors.Errorf("%sTOKEN_LIFETIME must be positive", Prefix)
	}
	switch c.StatSinkDialect {
	case "":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.StatSinkDSN) == "" {
			return xerrors.Errorf("%sSTAT_SINK_DSN is required with dialect %q", Prefix, c.StatSinkDialect)
		}
	default:
		return xerrors.Errorf("%sSTAT_SINK_DIALECT %q is not supported", Prefix, c.StatSinkDialect)
	}
	return nil
}

// ValidateDevice checks the settings the device-side components need.
func (c Config) ValidateDevice() error {
	switch {
	case c.CacheShards <= 0:
		return xerrors.Errorf("%sCACHE_SHARDS must be positive", Prefix)
	case c.CacheCapacity <= 0:
		return xerrors.Errorf("%sCACHE_CAPACITY must be positive", Prefix)
	case c.SyncInterval <= 0:
		return xerrors.Errorf("%sSYNC_INTERVAL must be positive", Prefix)
	case c.TapIdleWindow <= 0:
		return xerrors.Errorf("%sTAP_IDLE_WINDOW must be positive", Prefix)
	case c.TapMilestone <= 0:
		return xerrors.Errorf("%sTAP_MILESTONE must be positive", Prefix)
	}
	return nil
}
