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
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Preview  PreviewConfig  `yaml:"preview"`
	Cache    CacheConfig    `yaml:"cache"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// SandboxConfig is read once at startup and turned into an immutable sandbox.Policy.
type SandboxConfig struct {
	Interpreter           string        `yaml:"interpreter"`
	Timeout               time.Duration `yaml:"timeout"`
	ParseTimeout          time.Duration `yaml:"parse_timeout"`
	MaxMemoryBytes        int64         `yaml:"max_memory_bytes"`
	MaxCodeBytes          int           `yaml:"max_code_bytes"`
	MaxOutputBytes        int           `yaml:"max_output_bytes"`
	MaxStderrBytes        int           `yaml:"max_stderr_bytes"`
	AllowedImports        []string      `yaml:"allowed_imports"`
	RestrictedIdentifiers []string      `yaml:"restricted_identifiers"`
	SuspiciousPatterns    []string      `yaml:"suspicious_patterns"`
	BlockedEnv            []string      `yaml:"blocked_env"` // override keys a request may not set
	WorkRoot              string        `yaml:"work_root"`   // parent of per-run temp dirs, empty = os.TempDir()
	Limits                LimitsConfig  `yaml:"limits"`
}

// LimitsConfig holds the rlimits applied to every child besides the memory budget.
type LimitsConfig struct {
	CPUSeconds    uint64 `yaml:"cpu_seconds"` // 0 derives the limit from the timeout
	FileSizeBytes uint64 `yaml:"file_size_bytes"`
	OpenFiles     uint64 `yaml:"open_files"`
}

type PreviewConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	MaxLifetime  time.Duration `yaml:"max_lifetime"`
	MaxActive    int           `yaml:"max_active"`
	ValidateCode bool          `yaml:"validate_code"`
}

type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"` // empty disables the parser cache
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "sqlite"
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AuditBuffer     int           `yaml:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool    `yaml:"enabled"`
	Sample  float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
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
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > sandbox timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  2 << 20,
		},
		Sandbox: SandboxConfig{
			Interpreter:    "python3",
			Timeout:        30 * time.Second,
			ParseTimeout:   5 * time.Second,
			MaxMemoryBytes: 128 * 1024 * 1024,
			MaxCodeBytes:   1 << 20,
			MaxOutputBytes: 1 << 20,
			MaxStderrBytes: 256 * 1024,
			AllowedImports: []string{
				"reflex", "rx", "streamlit", "st", "pandas", "numpy",
				"matplotlib", "PIL", "json", "os", "sys", "datetime",
				"random", "math", "collections", "re",
			},
			RestrictedIdentifiers: []string{
				"exec", "eval", "compile", "__import__", "open",
				"file", "input", "raw_input",
			},
			SuspiciousPatterns: []string{
				"subprocess", "os.system", "os.popen", "__builtins__",
				"globals()", "locals()", "vars()", "dir()",
				"import subprocess", "from subprocess",
			},
			BlockedEnv: []string{
				"LD_PRELOAD", "LD_LIBRARY_PATH", "LD_AUDIT",
				"PYTHONSTARTUP", "PYTHONHOME", "PYTHONINSPECT",
			},
			Limits: LimitsConfig{
				FileSizeBytes: 64 * 1024 * 1024,
				OpenFiles:     256,
			},
		},
		Preview: PreviewConfig{
			Enabled:      true,
			Host:         "localhost",
			GracePeriod:  2 * time.Second,
			MaxLifetime:  30 * time.Minute,
			MaxActive:    8,
			ValidateCode: true,
		},
		Cache: CacheConfig{
			TTL: 10 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			AuditBuffer:     10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.Interpreter == "" {
		return fmt.Errorf("sandbox.interpreter is required")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if c.Sandbox.ParseTimeout <= 0 {
		return fmt.Errorf("sandbox.parse_timeout must be positive")
	}
	if c.Sandbox.MaxMemoryBytes != 0 && c.Sandbox.MaxMemoryBytes < 16*1024*1024 {
		return fmt.Errorf("sandbox.max_memory_bytes must be 0 (unlimited) or >= 16MiB")
	}
	if c.Sandbox.MaxCodeBytes < 1 {
		return fmt.Errorf("sandbox.max_code_bytes must be >= 1")
	}
	if c.Sandbox.MaxOutputBytes < 1 || c.Sandbox.MaxStderrBytes < 1 {
		return fmt.Errorf("sandbox.max_output_bytes and max_stderr_bytes must be >= 1")
	}
	if c.Preview.Enabled {
		if c.Preview.GracePeriod <= 0 {
			return fmt.Errorf("preview.grace_period must be positive")
		}
		if c.Preview.MaxActive < 1 {
			return fmt.Errorf("preview.max_active must be >= 1")
		}
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	if c.Server.Host != "127.0.0.1" && c.Server.Host != "localhost" && len(c.Security.AllowedKeys) == 0 && !c.Security.AllowUnauthenticated {
		log.Warn().Str("host", c.Server.Host).Msg("listening on a non-loopback address without API keys")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
