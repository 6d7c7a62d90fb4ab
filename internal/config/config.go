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
	Server    ServerConfig    `yaml:"server"`
	Validator ValidatorConfig `yaml:"validator"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Tokenize  TokenizeConfig  `yaml:"tokenize"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Security  SecurityConfig  `yaml:"security"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type ValidatorConfig struct {
	// PatternFile is an optional YAML pattern set; empty uses the built-ins.
	PatternFile string `yaml:"pattern_file"`
}

type ApprovalConfig struct {
	DecisionTimeout   time.Duration `yaml:"decision_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// TierLimits is the resource profile for one risk tier.
type TierLimits struct {
	CPUCores  float64       `yaml:"cpu_cores"`
	MemoryMB  int64         `yaml:"memory_mb"`
	DiskMB    int64         `yaml:"disk_mb"`
	PidsLimit int64         `yaml:"pids_limit"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SandboxConfig struct {
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
	SweepMaxAge      time.Duration `yaml:"sweep_max_age"`

	// EgressProxyPort and EgressAllowedHosts enable the egress proxy for runs
	// whose limits use the whitelist network policy. Empty hosts disables it.
	EgressProxyPort    int      `yaml:"egress_proxy_port"`
	EgressAllowedHosts []string `yaml:"egress_allowed_hosts"`

	Low    TierLimits `yaml:"low"`
	Medium TierLimits `yaml:"medium"`
	High   TierLimits `yaml:"high"`
}

type TokenizeConfig struct {
	// Reversible retains sealed originals so authorized callers can map a
	// token back. Default false: one-way tokens only.
	Reversible bool `yaml:"reversible"`
}

type AnomalyConfig struct {
	SigmaThreshold float64       `yaml:"sigma_threshold"`
	HardCeiling    time.Duration `yaml:"hard_ceiling"`
	Capacity       int           `yaml:"capacity"`
	MinSamples     int           `yaml:"min_samples"`
}

type AuditConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int           `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
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
			WriteTimeout:    330 * time.Second, // > high-tier timeout + approval wait overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Approval: ApprovalConfig{
			DecisionTimeout:   5 * time.Minute,
			RequestsPerMinute: 10,
		},
		Sandbox: SandboxConfig{
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "secure-exec",
			SweepSchedule:    "@every 5m",
			SweepMaxAge:      15 * time.Minute,
			EgressProxyPort:  3128,
			Low: TierLimits{
				CPUCores:  0.5,
				MemoryMB:  256,
				DiskMB:    100,
				PidsLimit: 50,
				Timeout:   10 * time.Second,
			},
			Medium: TierLimits{
				CPUCores:  0.5,
				MemoryMB:  256,
				DiskMB:    100,
				PidsLimit: 50,
				Timeout:   30 * time.Second,
			},
			High: TierLimits{
				CPUCores:  0.25,
				MemoryMB:  128,
				DiskMB:    50,
				PidsLimit: 25,
				Timeout:   30 * time.Second,
			},
		},
		Anomaly: AnomalyConfig{
			SigmaThreshold: 3,
			HardCeiling:    2 * time.Minute,
			Capacity:       500,
			MinSamples:     10,
		},
		Audit: AuditConfig{
			DSN:             "",
			MaxConns:        25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Approval.DecisionTimeout < time.Second {
		return fmt.Errorf("approval.decision_timeout must be >= 1s, got %s", c.Approval.DecisionTimeout)
	}
	if c.Approval.RequestsPerMinute < 1 {
		return fmt.Errorf("approval.requests_per_minute must be >= 1")
	}
	for name, tier := range map[string]TierLimits{
		"low": c.Sandbox.Low, "medium": c.Sandbox.Medium, "high": c.Sandbox.High,
	} {
		if tier.MemoryMB < 16 {
			return fmt.Errorf("sandbox.%s.memory_mb must be >= 16", name)
		}
		if tier.Timeout <= 0 {
			return fmt.Errorf("sandbox.%s.timeout must be positive", name)
		}
	}
	if c.Anomaly.SigmaThreshold < 1 {
		return fmt.Errorf("anomaly.sigma_threshold must be >= 1, got %g", c.Anomaly.SigmaThreshold)
	}
	if c.Validator.PatternFile != "" && !filepath.IsAbs(c.Validator.PatternFile) {
		return fmt.Errorf("validator.pattern_file must be an absolute path, got %q", c.Validator.PatternFile)
	}
	if c.Audit.DSN != "" && strings.Contains(c.Audit.DSN, "sslmode=disable") {
		log.Warn().Msg("audit DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}
