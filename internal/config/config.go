// Package config loads worker and controller settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Supported store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Supported runners.
const (
	RunnerDummy      = "dummy"
	RunnerExec       = "exec"
	RunnerDocker     = "docker"
	RunnerKubernetes = "kubernetes"
)

// Config holds all configuration values for the application.
type Config struct {
	// Store selects the persistence backend: memory or postgres.
	Store string `mapstructure:"store"`

	// Database connection string, required for the postgres store.
	DatabaseURL string `mapstructure:"database_url"`

	// HTTP server port for the controller
	HTTPPort int `mapstructure:"http_port"`

	// Port of the worker's /metrics endpoint
	MetricsPort int `mapstructure:"metrics_port"`

	// ServerID selects which invocations a worker handles.
	ServerID string `mapstructure:"server_id"`
	// ServerInfo is recorded on every execution the worker runs.
	ServerInfo string `mapstructure:"server_info"`

	// Runner selects the execution backend.
	Runner           string        `mapstructure:"runner"`
	RunnerWorkDir    string        `mapstructure:"runner_workdir"`
	RunnerImage      string        `mapstructure:"runner_image"`
	RunnerCommand    []string      `mapstructure:"runner_command"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	WorkerConcurrency int `mapstructure:"worker_concurrency"`

	// ApprovalURL points at the rules service. Empty approves everything.
	ApprovalURL     string        `mapstructure:"approval_url"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`

	// OpenTelemetry collector endpoint
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Docker     DockerConfig     `mapstructure:"docker"`

	// Requests per second allowed per user (0 disables limiting)
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	// APIKeys maps user IDs to their bearer keys.
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// KubernetesConfig holds settings for the kubernetes runner.
type KubernetesConfig struct {
	Namespace      string `mapstructure:"namespace"`
	ServiceAccount string `mapstructure:"service_account"`
	CPULimit       string `mapstructure:"cpu_limit"`
	MemoryLimit    string `mapstructure:"memory_limit"`
}

// DockerConfig holds sandbox limits for the docker runner.
type DockerConfig struct {
	MemoryMB int64 `mapstructure:"memory_mb"`
	// NanoCPUs is the CPU quota in units of 1e-9 CPUs.
	NanoCPUs int64 `mapstructure:"nano_cpus"`
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"store":                      "STORE",
	"database_url":               "DATABASE_URL",
	"http_port":                  "PORT",
	"metrics_port":               "METRICS_PORT",
	"server_id":                  "SERVER_ID",
	"server_info":                "SERVER_INFO",
	"runner":                     "RUNNER",
	"runner_workdir":             "RUNNER_WORKDIR",
	"runner_image":               "RUNNER_IMAGE",
	"runner_command":             "RUNNER_COMMAND",
	"execution_timeout":          "EXECUTION_TIMEOUT",
	"worker_concurrency":         "WORKER_CONCURRENCY",
	"approval_url":               "APPROVAL_URL",
	"approval_timeout":           "APPROVAL_TIMEOUT",
	"log_level":                  "LOG_LEVEL",
	"otel_endpoint":              "OTEL_EXPORTER_OTLP_ENDPOINT",
	"kubernetes.namespace":       "KUBERNETES_NAMESPACE",
	"kubernetes.service_account": "KUBERNETES_SERVICE_ACCOUNT",
	"kubernetes.cpu_limit":       "KUBERNETES_CPU_LIMIT",
	"kubernetes.memory_limit":    "KUBERNETES_MEMORY_LIMIT",
	"docker.memory_mb":           "DOCKER_MEMORY_MB",
	"docker.nano_cpus":           "DOCKER_NANO_CPUS",
	"rate_limit":                 "RATE_LIMIT",
	"rate_limit_burst":           "RATE_LIMIT_BURST",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StorePostgres)
	v.SetDefault("http_port", 6161)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("server_id", "local")
	v.SetDefault("server_info", "")
	v.SetDefault("runner", RunnerDocker)
	v.SetDefault("runner_workdir", "")
	v.SetDefault("runner_image", "python:3.12-slim")
	v.SetDefault("runner_command", []string{"python3", "main.py"})
	v.SetDefault("execution_timeout", 30*time.Minute)
	v.SetDefault("worker_concurrency", 64)
	v.SetDefault("approval_timeout", 5*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("kubernetes.namespace", "default")
	v.SetDefault("kubernetes.cpu_limit", "500m")
	v.SetDefault("kubernetes.memory_limit", "256Mi")
	v.SetDefault("docker.memory_mb", 512)
	v.SetDefault("docker.nano_cpus", 1_000_000_000)
	v.SetDefault("rate_limit", 0)
	v.SetDefault("rate_limit_burst", 10)
}

// Load reads configuration from path (or ./labplane.yaml when path is empty
// and the file exists), then applies environment variable overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("labplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// A plain string (e.g. from RUNNER_COMMAND) is split on whitespace.
	cfg.RunnerCommand = v.GetStringSlice("runner_command")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required (env: DATABASE_URL)")
		}
	default:
		return fmt.Errorf("invalid store %q (must be %s or %s)", c.Store, StoreMemory, StorePostgres)
	}

	switch c.Runner {
	case RunnerDummy:
	case RunnerExec:
		if len(c.RunnerCommand) == 0 {
			return fmt.Errorf("runner_command is required for the exec runner (env: RUNNER_COMMAND)")
		}
	case RunnerDocker, RunnerKubernetes:
		if c.RunnerImage == "" {
			return fmt.Errorf("runner_image is required for the %s runner (env: RUNNER_IMAGE)", c.Runner)
		}
		if len(c.RunnerCommand) == 0 {
			return fmt.Errorf("runner_command is required for the %s runner (env: RUNNER_COMMAND)", c.Runner)
		}
		if c.Runner == RunnerDocker {
			if c.Docker.MemoryMB <= 0 {
				return fmt.Errorf("docker.memory_mb must be positive, got %d (env: DOCKER_MEMORY_MB)", c.Docker.MemoryMB)
			}
			if c.Docker.NanoCPUs <= 0 {
				return fmt.Errorf("docker.nano_cpus must be positive, got %d (env: DOCKER_NANO_CPUS)", c.Docker.NanoCPUs)
			}
		}
	default:
		return fmt.Errorf("invalid runner %q (must be dummy, exec, docker or kubernetes)", c.Runner)
	}

	if c.ServerID == "" {
		return fmt.Errorf("server_id is required (env: SERVER_ID)")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker_concurrency must be positive, got %d", c.WorkerConcurrency)
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution_timeout must be positive, got %v", c.ExecutionTimeout)
	}
	return nil
}
