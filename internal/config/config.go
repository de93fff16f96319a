// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Manifests     ManifestsConfig     `yaml:"manifests"`
	Services      ServicesConfig      `yaml:"services"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Approvals     ApprovalsConfig     `yaml:"approvals"`
	Budget        BudgetConfig        `yaml:"budget"`
	Policies      PoliciesConfig      `yaml:"policies"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	JWKSURL      string        `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
	Algorithms   []string      `yaml:"algorithms"`
}

// ManifestsConfig describes where to find workflow manifest YAML files loaded
// at startup. Manifests may also be published through the API.
type ManifestsConfig struct {
	Directories []string `yaml:"directories"`
}

// ServicesConfig describes the agent services nodes can bind to, and the
// circuit breaker thresholds shared by all of them.
type ServicesConfig struct {
	Breaker BreakerConfig  `yaml:"breaker"`
	Agents  []AgentService `yaml:"agents"`
}

// AgentService is one registered agent service endpoint.
type AgentService struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// BreakerConfig describes per-service circuit breaker thresholds.
type BreakerConfig struct {
	TripAfter  int           `yaml:"trip_after"`
	CloseAfter int           `yaml:"close_after"`
	CoolDown   time.Duration `yaml:"cool_down"`
}

// SchedulerConfig describes execution scheduler settings. SLA thresholds and
// retry counts are deliberately configuration, not constants.
type SchedulerConfig struct {
	Workers              int           `yaml:"workers"`
	BranchConcurrency    int           `yaml:"branch_concurrency"`
	DefaultNodeTimeout   time.Duration `yaml:"default_node_timeout"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
	RetryBackoffInitial  time.Duration `yaml:"retry_backoff_initial"`
	RetryBackoffMax      time.Duration `yaml:"retry_backoff_max"`
	QueueSize            int           `yaml:"queue_size"`
}

// ApprovalsConfig describes governance gate settings.
type ApprovalsConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// BudgetConfig describes cost ceiling settings. The daily ceiling applies
// across all cases; reset happens at UTC midnight.
type BudgetConfig struct {
	PerCaseUSD float64 `yaml:"per_case_usd"`
	DailyUSD   float64 `yaml:"daily_usd"`
}

// PoliciesConfig describes the policy rule set.
type PoliciesConfig struct {
	RulesFile       string   `yaml:"rules_file"`
	AllowedDomains  []string `yaml:"allowed_domains"`
	ViolationWindow time.Duration `yaml:"violation_window"`
}

// StoreConfig describes case and ledger persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"` // memory | postgres
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
		},
		Manifests: ManifestsConfig{
			Directories: []string{"/manifests"},
		},
		Services: ServicesConfig{
			Breaker: BreakerConfig{
				TripAfter:  5,
				CloseAfter: 2,
				CoolDown:   30 * time.Second,
			},
		},
		Scheduler: SchedulerConfig{
			Workers:             32,
			BranchConcurrency:   4,
			DefaultNodeTimeout:  300 * time.Second,
			RetryMaxAttempts:    3,
			RetryBackoffInitial: 500 * time.Millisecond,
			RetryBackoffMax:     30 * time.Second,
			QueueSize:           1024,
		},
		Approvals: ApprovalsConfig{
			DefaultDeadline: 30 * time.Minute,
			SweepInterval:   30 * time.Second,
		},
		Budget: BudgetConfig{
			PerCaseUSD: 10,
			DailyUSD:   300,
		},
		Policies: PoliciesConfig{
			ViolationWindow: 24 * time.Hour,
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler.workers must be at least 1")
	}
	if c.Scheduler.BranchConcurrency < 1 {
		errs = append(errs, "scheduler.branch_concurrency must be at least 1")
	}
	if c.Scheduler.RetryMaxAttempts < 1 {
		errs = append(errs, "scheduler.retry_max_attempts must be at least 1")
	}
	if c.Budget.PerCaseUSD <= 0 {
		errs = append(errs, "budget.per_case_usd must be positive")
	}
	if c.Budget.DailyUSD <= 0 {
		errs = append(errs, "budget.daily_usd must be positive")
	}
	if c.Budget.PerCaseUSD > c.Budget.DailyUSD {
		errs = append(errs, "budget.per_case_usd may not exceed budget.daily_usd")
	}
	switch c.Store.Driver {
	case "memory", "postgres", "":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads MISSIONCTL_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MISSIONCTL_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MISSIONCTL_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("MISSIONCTL_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("MISSIONCTL_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("MISSIONCTL_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("MISSIONCTL_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("MISSIONCTL_BUDGET_DAILY_USD"); v != "" {
		var usd float64
		if _, err := fmt.Sscanf(v, "%g", &usd); err == nil {
			cfg.Budget.DailyUSD = usd
		}
	}
}
