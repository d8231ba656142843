// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxAgentIterations is the hard ceiling on agent turns per invocation.
const maxAgentIterations = 15

// Config holds all application configuration.
type Config struct {
	Port             string
	GRPCPort         string
	FrontendURL      string
	DBPath           string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	PromptsFile      string
	Sandbox          SandboxConfig
	Model            ModelConfig
	Agent            AgentConfig
	Driver           DriverConfig
	RateLimit        RateLimitConfig
	ConversationLog  ConversationLogConfig
}

// SandboxConfig controls the Docker-backed execution sandboxes.
type SandboxConfig struct {
	Template     string
	TTL          time.Duration
	Port         int
	PublicHost   string
	WorkDir      string
	ReapInterval time.Duration
}

// ModelConfig points at an OpenAI-compatible chat completion endpoint.
type ModelConfig struct {
	APIKey      string
	BaseURL     string
	Name        string
	Temperature float64
	MaxTokens   int
}

// AgentConfig bounds the agent network.
type AgentConfig struct {
	MaxIterations int
	HistoryLimit  int
}

// DriverConfig controls the workflow driver's worker pool and retry policy.
type DriverConfig struct {
	Workers           int
	QueueSize         int
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// RateLimitConfig controls per-client throttling of workflow triggers.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls NDJSON conversation/tool-call tracing.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		GRPCPort:         getEnv("GRPC_PORT", "9090"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/fragments.db"),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		PromptsFile:      getEnv("PROMPTS_FILE", ""),
		Sandbox: SandboxConfig{
			Template:     getEnv("SANDBOX_TEMPLATE", "fragments-nextjs:latest"),
			TTL:          getEnvDuration("SANDBOX_TTL", 20*time.Minute),
			Port:         getEnvInt("SANDBOX_PORT", 3000),
			PublicHost:   getEnv("SANDBOX_PUBLIC_HOST", "localhost"),
			WorkDir:      getEnv("SANDBOX_WORKDIR", "/home/user"),
			ReapInterval: getEnvDuration("SANDBOX_REAP_INTERVAL", time.Minute),
		},
		Model: ModelConfig{
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			BaseURL:     getEnv("OPENAI_API_BASE_URL", ""),
			Name:        getEnv("MODEL_NAME", "gpt-4.1"),
			Temperature: getEnvFloat("MODEL_TEMPERATURE", 0.1),
			MaxTokens:   getEnvInt("MODEL_MAX_TOKENS", 4096),
		},
		Agent: AgentConfig{
			MaxIterations: getEnvInt("AGENT_MAX_ITERATIONS", 15),
			HistoryLimit:  getEnvInt("AGENT_HISTORY_LIMIT", 5),
		},
		Driver: DriverConfig{
			Workers:           getEnvInt("DRIVER_WORKERS", 4),
			QueueSize:         getEnvInt("DRIVER_QUEUE_SIZE", 100),
			MaxRetries:        getEnvInt("DRIVER_MAX_RETRIES", 3),
			InitialDelay:      getEnvDuration("DRIVER_RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:          getEnvDuration("DRIVER_RETRY_MAX_DELAY", 30*time.Second),
			BackoffMultiplier: getEnvFloat("DRIVER_RETRY_BACKOFF", 2.0),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Sandbox.Template == "" {
		return fmt.Errorf("SANDBOX_TEMPLATE cannot be empty")
	}
	if c.Sandbox.TTL <= 0 {
		return fmt.Errorf("SANDBOX_TTL must be > 0")
	}
	if c.Sandbox.Port <= 0 || c.Sandbox.Port > 65535 {
		return fmt.Errorf("SANDBOX_PORT must be a valid port")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("MODEL_NAME cannot be empty")
	}
	if c.Agent.MaxIterations <= 0 || c.Agent.MaxIterations > maxAgentIterations {
		return fmt.Errorf("AGENT_MAX_ITERATIONS must be between 1 and %d", maxAgentIterations)
	}
	if c.Agent.HistoryLimit < 0 {
		return fmt.Errorf("AGENT_HISTORY_LIMIT must be >= 0")
	}
	if c.Driver.Workers <= 0 {
		return fmt.Errorf("DRIVER_WORKERS must be > 0")
	}
	if c.Driver.MaxRetries < 0 {
		return fmt.Errorf("DRIVER_MAX_RETRIES must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
