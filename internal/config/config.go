package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Policy       PolicyConfig       `yaml:"policy"`
	Reclaimer    ReclaimerConfig    `yaml:"reclaimer"`
	Crypto       CryptoConfig       `yaml:"crypto"`
	Security     SecurityConfig     `yaml:"security"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	TLS          TLSConfig          `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type OrchestratorConfig struct {
	Backend          string        `yaml:"backend"` // "auto" (default), "docker", or "containerd"
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	AdvertiseHost    string        `yaml:"advertise_host"` // hostname handed to participants
	CallTimeout      time.Duration `yaml:"call_timeout"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
}

// PolicyConfig sets the global runtime policy; per-exercise rows in the
// runtime_policies table override it.
type PolicyConfig struct {
	BaseRuntime        time.Duration `yaml:"base_runtime"`
	ExtensionIncrement time.Duration `yaml:"extension_increment"`
	MaxExtensions      int           `yaml:"max_extensions"`
	LifetimeCap        time.Duration `yaml:"lifetime_cap"`
}

type ReclaimerConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// CryptoConfig configures the flag keyring. Keys are hex-encoded 32-byte
// values indexed by key id; ActiveKeyID selects the key new flags are sealed
// with. Old keys stay in the map until no issued flag references them.
type CryptoConfig struct {
	ActiveKeyID string            `yaml:"active_key_id"`
	Keys        map[string]string `yaml:"keys"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"` // explicit opt-in when no keys are set
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "instancer",
			AdvertiseHost:    "localhost",
			CallTimeout:      60 * time.Second,
			DefaultLimits: DefaultLimits{
				CPUShares: 512,
				MemoryMB:  256,
				PidsLimit: 100,
			},
		},
		Policy: PolicyConfig{
			BaseRuntime:        15 * time.Minute,
			ExtensionIncrement: 15 * time.Minute,
			MaxExtensions:      5,
			LifetimeCap:        90 * time.Minute,
		},
		Reclaimer: ReclaimerConfig{
			Interval:  time.Minute,
			BatchSize: 50,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Orchestrator.Backend {
	case "", "auto", "docker", "containerd":
	default:
		return fmt.Errorf("orchestrator.backend must be auto, docker, or containerd, got %q", c.Orchestrator.Backend)
	}
	if c.Orchestrator.CallTimeout < time.Second {
		return fmt.Errorf("orchestrator.call_timeout must be >= 1s, got %s", c.Orchestrator.CallTimeout)
	}
	if c.Orchestrator.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("orchestrator.default_limits.memory_mb must be >= 16")
	}
	if c.Policy.BaseRuntime <= 0 {
		return fmt.Errorf("policy.base_runtime must be positive, got %s", c.Policy.BaseRuntime)
	}
	if c.Policy.MaxExtensions < 0 {
		return fmt.Errorf("policy.max_extensions must be >= 0, got %d", c.Policy.MaxExtensions)
	}
	if c.Policy.LifetimeCap < c.Policy.BaseRuntime {
		return fmt.Errorf("policy.lifetime_cap (%s) must be >= base_runtime (%s)",
			c.Policy.LifetimeCap, c.Policy.BaseRuntime)
	}
	if c.Reclaimer.Interval < time.Second {
		return fmt.Errorf("reclaimer.interval must be >= 1s, got %s", c.Reclaimer.Interval)
	}
	if c.Reclaimer.BatchSize < 1 {
		return fmt.Errorf("reclaimer.batch_size must be >= 1, got %d", c.Reclaimer.BatchSize)
	}
	if len(c.Crypto.Keys) > 0 {
		if _, ok := c.Crypto.Keys[c.Crypto.ActiveKeyID]; !ok {
			return fmt.Errorf("crypto.active_key_id %q not present in crypto.keys", c.Crypto.ActiveKeyID)
		}
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
