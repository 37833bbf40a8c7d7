package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sbtgate/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// State backends.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// Settlement drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// JWTSecretEnv names the variable consulted when auth.jwt_secret is empty.
const JWTSecretEnv = "CREDENTIALD_JWT_SECRET"

// Config captures runtime configuration for credentiald.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	DataDir       string           `yaml:"data_dir"`
	StateBackend  string           `yaml:"state_backend"`
	Settlement    SettlementConfig `yaml:"settlement"`
	Auth          AuthConfig       `yaml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	Stream        StreamConfig     `yaml:"stream"`
	Logging       LoggingConfig    `yaml:"logging"`
}

// SettlementConfig selects the settlement collaborator.
type SettlementConfig struct {
	Driver  string   `yaml:"driver"`
	DSN     string   `yaml:"dsn"`
	Timeout Duration `yaml:"timeout"`
	// Custody receives revoked units. Empty burns them.
	Custody string `yaml:"custody"`
	// AllowVolatile permits the memory driver next to a persistent state
	// backend. Holdings are then lost on restart while mint records survive.
	AllowVolatile bool `yaml:"allow_volatile"`
}

// AuthConfig controls how callers prove their identity.
type AuthConfig struct {
	JWTSecret     string   `yaml:"jwt_secret"`
	JWTIssuer     string   `yaml:"jwt_issuer"`
	JWTAudience   string   `yaml:"jwt_audience"`
	SignatureSkew Duration `yaml:"signature_skew"`
}

// RateLimitConfig bounds requests per client address.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// StreamConfig tunes the event websocket.
type StreamConfig struct {
	History        int      `yaml:"history"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig enables rotated file output in addition to stdout.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	Level      string `yaml:"level"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8547"
	}
	cfg.StateBackend = strings.ToLower(strings.TrimSpace(cfg.StateBackend))
	if cfg.StateBackend == "" {
		cfg.StateBackend = BackendLevelDB
	}
	if cfg.DataDir == "" && cfg.StateBackend != BackendMemory {
		cfg.DataDir = "/var/lib/credentiald"
	}
	cfg.Settlement.Driver = strings.ToLower(strings.TrimSpace(cfg.Settlement.Driver))
	if cfg.Settlement.Driver == "" {
		if cfg.StateBackend == BackendMemory {
			cfg.Settlement.Driver = DriverMemory
		} else {
			cfg.Settlement.Driver = DriverSQLite
		}
	}
	if cfg.Settlement.Driver == DriverSQLite && strings.TrimSpace(cfg.Settlement.DSN) == "" && cfg.DataDir != "" {
		cfg.Settlement.DSN = "file:" + filepath.Join(cfg.DataDir, "settlement.db")
	}
	if cfg.Settlement.Timeout.Duration == 0 {
		cfg.Settlement.Timeout.Duration = 10 * time.Second
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		cfg.Auth.JWTSecret = strings.TrimSpace(os.Getenv(JWTSecretEnv))
	}
	if cfg.Auth.SignatureSkew.Duration == 0 {
		cfg.Auth.SignatureSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Stream.History == 0 {
		cfg.Stream.History = 2048
	}
	if len(cfg.Stream.AllowedOrigins) == 0 {
		cfg.Stream.AllowedOrigins = []string{"*"}
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 5
	}
}

func validate(cfg Config) error {
	switch cfg.StateBackend {
	case BackendLevelDB, BackendBolt:
		if strings.TrimSpace(cfg.DataDir) == "" {
			return fmt.Errorf("data_dir must be configured for the %s backend", cfg.StateBackend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported state_backend %q", cfg.StateBackend)
	}
	switch cfg.Settlement.Driver {
	case DriverMemory:
		if cfg.StateBackend != BackendMemory && !cfg.Settlement.AllowVolatile {
			return fmt.Errorf("settlement.driver memory loses holdings on restart while the %s state backend keeps mint records; use sqlite or postgres, or set settlement.allow_volatile", cfg.StateBackend)
		}
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(cfg.Settlement.DSN) == "" {
			return fmt.Errorf("settlement.dsn must be configured for the %s driver", cfg.Settlement.Driver)
		}
	default:
		return fmt.Errorf("unsupported settlement.driver %q", cfg.Settlement.Driver)
	}
	if cfg.Settlement.Timeout.Duration < 0 {
		return errors.New("settlement.timeout must not be negative")
	}
	if custody := strings.TrimSpace(cfg.Settlement.Custody); custody != "" {
		if _, err := crypto.DecodeIdentity(custody); err != nil {
			return fmt.Errorf("settlement.custody: %w", err)
		}
	}
	if cfg.Auth.SignatureSkew.Duration < 0 {
		return errors.New("auth.signature_skew must not be negative")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	return nil
}

// CustodyIdentity returns the decoded custody identity, zero when unset.
func (c SettlementConfig) CustodyIdentity() ([20]byte, error) {
	custody := strings.TrimSpace(c.Custody)
	if custody == "" {
		return [20]byte{}, nil
	}
	return crypto.DecodeIdentity(custody)
}
