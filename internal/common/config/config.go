// Package config provides configuration management for the Agentboard orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Repo         RepoConfig         `mapstructure:"repo"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP status API server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	RateLimit    int    `mapstructure:"rateLimit"`    // requests/second, 0 disables
}

// LedgerConfig holds task ledger storage configuration.
// An empty path selects the in-memory ledger (tests, dry runs).
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS event bus configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GatewayConfig holds the connection settings for the gateway daemon.
type GatewayConfig struct {
	// URL is the websocket endpoint of the gateway daemon. Empty disables
	// the RPC client; the loop still runs, auxiliary queries are skipped.
	URL string `mapstructure:"url"`

	// CallTimeout is the default RPC call timeout in seconds.
	CallTimeout int `mapstructure:"callTimeout"`

	// AgentBinary is the executable spawned per task session.
	AgentBinary string `mapstructure:"agentBinary"`
}

// OrchestratorConfig holds the work-loop scheduling configuration.
type OrchestratorConfig struct {
	// Interval between dispatch/monitor cycles, in seconds.
	Interval int `mapstructure:"interval"`

	// CleanupEvery runs the repository cleanup phase once every N cycles.
	CleanupEvery int `mapstructure:"cleanupEvery"`

	// MaxAgents is the default per-project concurrency ceiling.
	MaxAgents int `mapstructure:"maxAgents"`

	// ProjectMaxAgents overrides MaxAgents for specific project IDs.
	ProjectMaxAgents map[string]int `mapstructure:"projectMaxAgents"`

	// StaleThreshold marks a child stale after this many seconds without output.
	StaleThreshold int `mapstructure:"staleThreshold"`

	// KillGrace is the SIGTERM to SIGKILL escalation window, in seconds.
	KillGrace int `mapstructure:"killGrace"`

	// RetryLimit caps re-dispatch attempts after spawn failures.
	RetryLimit int `mapstructure:"retryLimit"`

	// RetryDelay is the backoff before a failed dispatch re-queues, in seconds.
	RetryDelay int `mapstructure:"retryDelay"`

	// QueueSize bounds the in-memory dispatch queue.
	QueueSize int `mapstructure:"queueSize"`
}

// RepoConfig holds the git working copy settings for the cleanup engine.
type RepoConfig struct {
	// Path is the repository root the cleanup engine operates on.
	// Empty disables the cleanup phase.
	Path string `mapstructure:"path"`

	// TrunkBranch is the branch merged work is measured against.
	TrunkBranch string `mapstructure:"trunkBranch"`

	// ProtectedBranches are glob patterns that are never deleted.
	ProtectedBranches []string `mapstructure:"protectedBranches"`

	// Remote is the remote whose stale refs get pruned.
	Remote string `mapstructure:"remote"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CallTimeoutDuration returns the gateway call timeout as a time.Duration.
func (g *GatewayConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(g.CallTimeout) * time.Second
}

// IntervalDuration returns the cycle interval as a time.Duration.
func (o *OrchestratorConfig) IntervalDuration() time.Duration {
	return time.Duration(o.Interval) * time.Second
}

// StaleThresholdDuration returns the stale threshold as a time.Duration.
func (o *OrchestratorConfig) StaleThresholdDuration() time.Duration {
	return time.Duration(o.StaleThreshold) * time.Second
}

// KillGraceDuration returns the kill grace period as a time.Duration.
func (o *OrchestratorConfig) KillGraceDuration() time.Duration {
	return time.Duration(o.KillGrace) * time.Second
}

// RetryDelayDuration returns the dispatch retry backoff as a time.Duration.
func (o *OrchestratorConfig) RetryDelayDuration() time.Duration {
	return time.Duration(o.RetryDelay) * time.Second
}

// MaxAgentsFor returns the concurrency ceiling for a project.
func (o *OrchestratorConfig) MaxAgentsFor(projectID string) int {
	if n, ok := o.ProjectMaxAgents[projectID]; ok && n > 0 {
		return n
	}
	return o.MaxAgents
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTBOARD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.rateLimit", 100)

	// Ledger defaults - empty path means in-memory ledger
	v.SetDefault("ledger.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentboard-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	// Gateway defaults
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.callTimeout", 30)
	v.SetDefault("gateway.agentBinary", "gateway")

	// Orchestrator defaults
	v.SetDefault("orchestrator.interval", 5)
	v.SetDefault("orchestrator.cleanupEvery", 60)
	v.SetDefault("orchestrator.maxAgents", 3)
	v.SetDefault("orchestrator.staleThreshold", 600)
	v.SetDefault("orchestrator.killGrace", 10)
	v.SetDefault("orchestrator.retryLimit", 3)
	v.SetDefault("orchestrator.retryDelay", 30)
	v.SetDefault("orchestrator.queueSize", 100)

	// Repo defaults
	v.SetDefault("repo.path", "")
	v.SetDefault("repo.trunkBranch", "main")
	v.SetDefault("repo.protectedBranches", []string{
		"main", "master", "release/*", "hotfix/*", "production", "staging", "develop", "dev",
	})
	v.SetDefault("repo.remote", "origin")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTBOARD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentboard/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs.
	_ = v.BindEnv("gateway.agentBinary", "AGENTBOARD_GATEWAY_AGENT_BINARY")
	_ = v.BindEnv("gateway.callTimeout", "AGENTBOARD_GATEWAY_CALL_TIMEOUT")
	_ = v.BindEnv("orchestrator.maxAgents", "AGENTBOARD_ORCHESTRATOR_MAX_AGENTS")
	_ = v.BindEnv("orchestrator.staleThreshold", "AGENTBOARD_ORCHESTRATOR_STALE_THRESHOLD")
	_ = v.BindEnv("repo.trunkBranch", "AGENTBOARD_REPO_TRUNK_BRANCH")
	_ = v.BindEnv("server.rateLimit", "AGENTBOARD_SERVER_RATE_LIMIT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentboard/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Gateway.CallTimeout <= 0 {
		errs = append(errs, "gateway.callTimeout must be positive")
	}
	if cfg.Gateway.AgentBinary == "" {
		errs = append(errs, "gateway.agentBinary is required")
	}

	if cfg.Orchestrator.Interval <= 0 {
		errs = append(errs, "orchestrator.interval must be positive")
	}
	if cfg.Orchestrator.CleanupEvery <= 0 {
		errs = append(errs, "orchestrator.cleanupEvery must be positive")
	}
	if cfg.Orchestrator.MaxAgents <= 0 {
		errs = append(errs, "orchestrator.maxAgents must be positive")
	}
	if cfg.Orchestrator.StaleThreshold <= 0 {
		errs = append(errs, "orchestrator.staleThreshold must be positive")
	}

	if cfg.Repo.Path != "" && cfg.Repo.TrunkBranch == "" {
		errs = append(errs, "repo.trunkBranch is required when repo.path is set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
