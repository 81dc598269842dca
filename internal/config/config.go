package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Limiter backend selection.
const (
	RateLimitBackendMemory = "in_memory"
	RateLimitBackendRedis  = "redis"
)

// Behaviour when the shared store is unreachable during a rate-limit check.
const (
	FailOpen   = "fail_open"
	FailClosed = "fail_closed"
)

// Session backend selection.
const (
	SessionBackendLocal  = "local"
	SessionBackendOpenID = "openid"
	SessionBackendLDAP   = "ldap"
)

// Config holds the runtime settings for the registry's session and
// rate-limit core.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
}

type PostgresConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxIdleTime  time.Duration `yaml:"max_idle_time"`
}

type SessionsConfig struct {
	Backend    string        `yaml:"backend"`
	Secret     string        `yaml:"secret"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	OpenID     OpenIDConfig  `yaml:"openid"`
	LDAP       LDAPConfig    `yaml:"ldap"`
}

type OpenIDConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

type LDAPConfig struct {
	// URL of the directory server, e.g. "ldap://localhost:389".
	URL string `yaml:"url"`

	// BindDN is a template for the bind DN; "%u" is replaced with the
	// (escaped) username. Examples: "uid=%u,dc=example,dc=org" for
	// OpenLDAP, "%u@example.org" for Active Directory.
	BindDN string `yaml:"bind_dn"`

	StartTLS           bool          `yaml:"starttls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_tls_verify"`
	ConnTimeout        time.Duration `yaml:"conn_timeout"`
}

type RateLimitConfig struct {
	Backend       string        `yaml:"backend"`
	Window        time.Duration `yaml:"window"`
	Authenticated int64         `yaml:"authenticated"`
	Anonymous     int64         `yaml:"anonymous"`
	FailureMode   string        `yaml:"failure_mode"`
}

// LoadFromFile loads settings from a YAML file, then applies defaults and
// env overrides. A missing file is not an error; env-only deployments are
// supported.
func LoadFromFile(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg = applyDefaults(cfg)
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that would misbehave at runtime rather than
// failing loudly at startup.
func (c Config) Validate() error {
	switch c.RateLimit.Backend {
	case RateLimitBackendMemory, RateLimitBackendRedis:
	default:
		return fmt.Errorf("ratelimit.backend: unknown backend %q", c.RateLimit.Backend)
	}
	switch c.RateLimit.FailureMode {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("ratelimit.failure_mode: must be %q or %q", FailOpen, FailClosed)
	}
	switch c.Sessions.Backend {
	case SessionBackendLocal, SessionBackendOpenID, SessionBackendLDAP:
	default:
		return fmt.Errorf("sessions.backend: unknown backend %q", c.Sessions.Backend)
	}
	if c.Sessions.RefreshTTL <= c.Sessions.AccessTTL {
		return fmt.Errorf("sessions.refresh_ttl (%s) must be longer than sessions.access_ttl (%s)",
			c.Sessions.RefreshTTL, c.Sessions.AccessTTL)
	}
	return nil
}

func applyDefaults(cfg Config) Config {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3651"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Redis.OpTimeout == 0 {
		cfg.Redis.OpTimeout = 3 * time.Second
	}
	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 10
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 2
	}
	if cfg.Postgres.MaxIdleTime == 0 {
		cfg.Postgres.MaxIdleTime = 15 * time.Minute
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = SessionBackendLocal
	}
	if cfg.Sessions.AccessTTL == 0 {
		cfg.Sessions.AccessTTL = 12 * time.Hour
	}
	if cfg.Sessions.RefreshTTL == 0 {
		cfg.Sessions.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Sessions.LDAP.ConnTimeout == 0 {
		cfg.Sessions.LDAP.ConnTimeout = 10 * time.Second
	}
	if len(cfg.Sessions.OpenID.Scopes) == 0 {
		cfg.Sessions.OpenID.Scopes = []string{"openid", "profile", "email"}
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = RateLimitBackendMemory
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = time.Hour
	}
	if cfg.RateLimit.Authenticated == 0 {
		cfg.RateLimit.Authenticated = 1500
	}
	if cfg.RateLimit.Anonymous == 0 {
		cfg.RateLimit.Anonymous = 45
	}
	if cfg.RateLimit.FailureMode == "" {
		cfg.RateLimit.FailureMode = FailOpen
	}
	return cfg
}

func applyEnv(cfg Config) Config {
	if val := os.Getenv("CHARTREG_ADDR"); val != "" {
		cfg.Server.Addr = val
	}
	if val := os.Getenv("PORT"); val != "" {
		cfg.Server.Addr = ":" + val
	}
	if val := os.Getenv("CHARTREG_REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := os.Getenv("CHARTREG_REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("CHARTREG_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("CHARTREG_POSTGRES_DSN"); val != "" {
		cfg.Postgres.DSN = val
	}
	if val := os.Getenv("CHARTREG_SESSION_SECRET"); val != "" {
		cfg.Sessions.Secret = val
	}
	if val := os.Getenv("CHARTREG_SESSION_BACKEND"); val != "" {
		cfg.Sessions.Backend = val
	}
	if val := os.Getenv("CHARTREG_RATELIMIT_BACKEND"); val != "" {
		cfg.RateLimit.Backend = val
	}
	if val := os.Getenv("CHARTREG_RATELIMIT_WINDOW"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.RateLimit.Window = d
		}
	}
	if val := os.Getenv("CHARTREG_RATELIMIT_FAILURE_MODE"); val != "" {
		cfg.RateLimit.FailureMode = val
	}
	return cfg
}
