// Package config provides configuration management for Stagehand.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for Stagehand.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracker      TrackerConfig      `mapstructure:"tracker"`
	State        StateConfig        `mapstructure:"state"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Procedure    ProcedureConfig    `mapstructure:"procedure"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`

	// ReposFile points at a standalone YAML file holding the repository
	// list. Entries there are appended to Repositories.
	ReposFile string `mapstructure:"reposFile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TrackerConfig holds issue-tracker and webhook verification configuration.
type TrackerConfig struct {
	// Platform selects the tracker implementation: linear, github, or cli
	// (in-memory, for local development).
	Platform string `mapstructure:"platform"`

	// WebhookMode is "direct" (HMAC signature over the raw body) or
	// "proxy" (bearer token).
	WebhookMode string `mapstructure:"webhookMode"`

	// WebhookSecret is the shared HMAC secret in direct mode.
	WebhookSecret string `mapstructure:"webhookSecret"`

	// ProxyToken is the expected bearer token in proxy mode.
	ProxyToken string `mapstructure:"proxyToken"`

	// ApprovalBaseURL is the externally reachable base URL for approval
	// pages linked from elicitation activities.
	ApprovalBaseURL string `mapstructure:"approvalBaseUrl"`
}

// StateConfig holds snapshot persistence configuration.
type StateConfig struct {
	// Path is the sqlite database file for session snapshots.
	// Empty disables persistence.
	Path string `mapstructure:"path"`
}

// RunnerConfig holds defaults for the coding-CLI runner.
type RunnerConfig struct {
	// Binary is the runner executable (default: codex).
	Binary string `mapstructure:"binary"`

	// Model overrides the CLI's default model when set.
	Model string `mapstructure:"model"`

	// Sandbox is the requested sandbox mode (e.g. workspace-write).
	// Feature-detected per process; falls back when unsupported.
	Sandbox string `mapstructure:"sandbox"`
}

// ProcedureConfig holds procedure engine tunables.
type ProcedureConfig struct {
	// MaxValidationIterations bounds the fixer/verify retry loop.
	MaxValidationIterations int `mapstructure:"maxValidationIterations"`

	// ApprovalTimeout is how long a pending approval may stay unresolved,
	// in minutes.
	ApprovalTimeout int `mapstructure:"approvalTimeout"`

	// SessionRetention is how long terminal sessions are kept before GC,
	// in hours.
	SessionRetention int `mapstructure:"sessionRetention"`
}

// RepositoryConfig describes one routable repository. Immutable at runtime.
type RepositoryConfig struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Name          string `mapstructure:"name" yaml:"name"`
	Path          string `mapstructure:"path" yaml:"path"`
	BaseBranch    string `mapstructure:"baseBranch" yaml:"baseBranch"`
	WorkspaceRoot string `mapstructure:"workspaceRoot" yaml:"workspaceRoot"`
	WorkspaceID   string `mapstructure:"workspaceId" yaml:"workspaceId"`

	// Routing predicates. A repo with none of these set is a catch-all.
	TeamKeys      []string `mapstructure:"teamKeys" yaml:"teamKeys"`
	RoutingLabels []string `mapstructure:"routingLabels" yaml:"routingLabels"`
	ProjectKeys   []string `mapstructure:"projectKeys" yaml:"projectKeys"`

	// RunnerKind selects the runner adapter (default: codex).
	RunnerKind string `mapstructure:"runnerKind" yaml:"runnerKind"`

	// Model overrides the global runner model for this repo.
	Model string `mapstructure:"model" yaml:"model"`

	// MCPConfigPath is passed through to the runner when set.
	MCPConfigPath string `mapstructure:"mcpConfigPath" yaml:"mcpConfigPath"`

	// LabelProcedures maps an issue label to a procedure name.
	LabelProcedures map[string]string `mapstructure:"labelProcedures" yaml:"labelProcedures"`
}

// IsCatchAll reports whether this repo carries no routing predicates.
func (r *RepositoryConfig) IsCatchAll() bool {
	return len(r.TeamKeys) == 0 && len(r.RoutingLabels) == 0 && len(r.ProjectKeys) == 0
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ApprovalTimeoutDuration returns the approval timeout as a time.Duration.
func (p *ProcedureConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(p.ApprovalTimeout) * time.Minute
}

// SessionRetentionDuration returns the GC retention window as a time.Duration.
func (p *ProcedureConfig) SessionRetentionDuration() time.Duration {
	return time.Duration(p.SessionRetention) * time.Hour
}

// detectDefaultLogFormat returns "json" in production-like environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("STAGEHAND_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "stagehand")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracker defaults
	v.SetDefault("tracker.platform", "cli")
	v.SetDefault("tracker.webhookMode", "direct")
	v.SetDefault("tracker.webhookSecret", "")
	v.SetDefault("tracker.proxyToken", "")
	v.SetDefault("tracker.approvalBaseUrl", "http://localhost:8080")

	// State defaults
	v.SetDefault("state.path", "./stagehand.db")

	// Runner defaults
	v.SetDefault("runner.binary", "codex")
	v.SetDefault("runner.model", "")
	v.SetDefault("runner.sandbox", "workspace-write")

	// Procedure defaults
	v.SetDefault("procedure.maxValidationIterations", 3)
	v.SetDefault("procedure.approvalTimeout", 30)
	v.SetDefault("procedure.sessionRetention", 24)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STAGEHAND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/stagehand/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("STAGEHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where camelCase config keys differ from the
	// SNAKE_CASE env var naming AutomaticEnv derives.
	_ = v.BindEnv("tracker.webhookSecret", "STAGEHAND_TRACKER_WEBHOOK_SECRET", "LINEAR_WEBHOOK_SECRET")
	_ = v.BindEnv("tracker.proxyToken", "STAGEHAND_TRACKER_PROXY_TOKEN")
	_ = v.BindEnv("tracker.approvalBaseUrl", "STAGEHAND_TRACKER_APPROVAL_BASE_URL")
	_ = v.BindEnv("state.path", "STAGEHAND_STATE_PATH")
	_ = v.BindEnv("runner.binary", "STAGEHAND_RUNNER_BINARY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stagehand/")

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

	if cfg.ReposFile != "" {
		repos, err := loadReposFile(cfg.ReposFile)
		if err != nil {
			return nil, fmt.Errorf("error loading repos file: %w", err)
		}
		cfg.Repositories = append(cfg.Repositories, repos...)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadReposFile parses a standalone YAML repository list.
func loadReposFile(path string) ([]RepositoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Repositories []RepositoryConfig `yaml:"repositories"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Repositories, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validPlatforms := map[string]bool{"linear": true, "github": true, "cli": true}
	if !validPlatforms[strings.ToLower(cfg.Tracker.Platform)] {
		errs = append(errs, "tracker.platform must be one of: linear, github, cli")
	}

	switch cfg.Tracker.WebhookMode {
	case "direct":
		if cfg.Tracker.Platform == "linear" && cfg.Tracker.WebhookSecret == "" {
			errs = append(errs, "tracker.webhookSecret is required in direct mode")
		}
	case "proxy":
		if cfg.Tracker.ProxyToken == "" {
			errs = append(errs, "tracker.proxyToken is required in proxy mode")
		}
	default:
		errs = append(errs, "tracker.webhookMode must be one of: direct, proxy")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Procedure.MaxValidationIterations <= 0 {
		errs = append(errs, "procedure.maxValidationIterations must be positive")
	}
	if cfg.Procedure.ApprovalTimeout <= 0 {
		errs = append(errs, "procedure.approvalTimeout must be positive")
	}

	seen := map[string]bool{}
	for i := range cfg.Repositories {
		repo := &cfg.Repositories[i]
		if repo.ID == "" {
			errs = append(errs, fmt.Sprintf("repositories[%d].id is required", i))
			continue
		}
		if seen[repo.ID] {
			errs = append(errs, fmt.Sprintf("duplicate repository id %q", repo.ID))
		}
		seen[repo.ID] = true
		if repo.Path == "" {
			errs = append(errs, fmt.Sprintf("repository %q: path is required", repo.ID))
		}
		if repo.BaseBranch == "" {
			repo.BaseBranch = "main"
		}
		if repo.RunnerKind == "" {
			repo.RunnerKind = "codex"
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
