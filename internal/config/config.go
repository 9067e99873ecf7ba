package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/screening/screening/internal/domain/permission"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBSchema       string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	SessionLockTTL time.Duration `mapstructure:"SESSION_LOCK_TTL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	PolicyFile     string        `mapstructure:"PERMISSION_POLICY_FILE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "SESSION_LOCK_TTL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"PERMISSION_POLICY_FILE", "CORS_ORIGINS", "METRICS_ENABLED",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory. DATABASE_URL is required only when
// requireDB is set.
func Load(requireDB bool) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_SCHEMA", "screening")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("SESSION_LOCK_TTL", "10s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if requireDB && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%s; "+
			"refusing to start without authentication", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY alone is not accepted in production; configure AUTH_ISSUER")
	}
	if c.SessionLockTTL <= 0 {
		return fmt.Errorf("SESSION_LOCK_TTL must be positive, got %s", c.SessionLockTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

// LoadPermissionTable returns the built-in role table, or the table read
// from PERMISSION_POLICY_FILE when one is configured. The file maps each
// role to its capability names, in any format viper reads (yaml, json,
// toml). A role left out of the file holds no capabilities.
func (c *Config) LoadPermissionTable() (permission.Table, error) {
	if c.PolicyFile == "" {
		return permission.DefaultTable(), nil
	}
	v := viper.New()
	v.SetConfigFile(c.PolicyFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var raw struct {
		Roles map[string][]string `mapstructure:"roles"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}
	if len(raw.Roles) == 0 {
		return nil, fmt.Errorf("policy file %s defines no roles", c.PolicyFile)
	}
	table, err := permission.TableFromStrings(raw.Roles)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", c.PolicyFile, err)
	}
	return table, nil
}
