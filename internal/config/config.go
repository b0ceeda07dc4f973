package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/portkeep/portkeep/internal/gateway"
	"github.com/portkeep/portkeep/internal/rules"
)

// Config represents the complete daemon configuration
type Config struct {
	Rules         []RuleConfig        `yaml:"rules"`
	Gateway       GatewayConfig       `yaml:"gateway,omitempty"`
	Renewal       RenewalConfig       `yaml:"renewal,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
	Git           GitConfig           `yaml:"git,omitempty"`
}

// RuleConfig declares one desired port forwarding
type RuleConfig struct {
	Port         int    `yaml:"port"`
	ExternalPort int    `yaml:"external_port,omitempty"` // defaults to port
	Protocol     string `yaml:"protocol"`
}

// GatewayConfig selects and tunes the gateway backend
type GatewayConfig struct {
	Backend          string        `yaml:"backend,omitempty"` // upnp, natpmp
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout,omitempty"`
	CallTimeout      time.Duration `yaml:"call_timeout,omitempty"`
	LeaseDuration    time.Duration `yaml:"lease_duration,omitempty"` // 0 = infinite
}

// RenewalConfig tunes lease renewal and sweep cadence
type RenewalConfig struct {
	SafetyMargin   float64       `yaml:"safety_margin,omitempty"`
	SweepInterval  time.Duration `yaml:"sweep_interval,omitempty"`
	SkipCleanup    bool          `yaml:"skip_cleanup_on_exit,omitempty"`
	CleanupTimeout time.Duration `yaml:"cleanup_timeout,omitempty"`
}

// ObservabilityConfig holds monitoring and logging settings
type ObservabilityConfig struct {
	LogLevel   string `yaml:"log_level,omitempty"`
	LogFormat  string `yaml:"log_format,omitempty"`
	WebEnabled bool   `yaml:"web_enabled,omitempty"`
	WebPort    int    `yaml:"web_port,omitempty"`
}

// GitConfig holds the optional git-backed rule source
type GitConfig struct {
	Enabled      bool          `yaml:"enabled,omitempty"`
	Repository   string        `yaml:"repository,omitempty"`
	Branch       string        `yaml:"branch,omitempty"`
	Auth         GitAuth       `yaml:"auth,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	ConfigPath   string        `yaml:"config_path,omitempty"`
	LocalPath    string        `yaml:"local_path,omitempty"`
}

// GitAuth holds Git authentication settings
type GitAuth struct {
	Type  string `yaml:"type,omitempty"` // token, none
	Token string `yaml:"token,omitempty"`
}

// DefaultSearchPath returns the config locations probed when no -config
// flag is given. The last path found wins.
func DefaultSearchPath() []string {
	paths := []string{"/etc/portkeep/portkeep.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "portkeep", "portkeep.yaml"))
	}
	return append(paths, "./config/portkeep.yaml")
}

// Find returns the highest-precedence existing file from paths.
func Find(paths []string) (string, error) {
	for i := len(paths) - 1; i >= 0; i-- {
		if info, err := os.Stat(paths[i]); err == nil && !info.IsDir() {
			return paths[i], nil
		}
	}
	return "", fmt.Errorf("no configuration file found on search path %v", paths)
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ReadRaw parses a config file without applying defaults or validation.
// Used by the config editor, which must not bake defaults into the file.
func ReadRaw(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration back to disk.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults sets default values for optional fields
func (c *Config) setDefaults() {
	if c.Gateway.Backend == "" {
		c.Gateway.Backend = "upnp"
	}
	for i := range c.Rules {
		if c.Rules[i].Protocol == "" {
			c.Rules[i].Protocol = "tcp"
		}
	}
	if c.Gateway.DiscoveryTimeout == 0 {
		c.Gateway.DiscoveryTimeout = 10 * time.Second
	}
	if c.Gateway.CallTimeout == 0 {
		c.Gateway.CallTimeout = 10 * time.Second
	}
	if c.Gateway.LeaseDuration == 0 {
		c.Gateway.LeaseDuration = time.Hour
	}

	if c.Renewal.SafetyMargin == 0 {
		c.Renewal.SafetyMargin = 0.5
	}
	if c.Renewal.SweepInterval == 0 {
		c.Renewal.SweepInterval = 5 * time.Minute
	}
	if c.Renewal.CleanupTimeout == 0 {
		c.Renewal.CleanupTimeout = 15 * time.Second
	}

	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.Observability.WebPort == 0 {
		c.Observability.WebPort = 8080
	}

	if c.Git.Enabled {
		if c.Git.Branch == "" {
			c.Git.Branch = "main"
		}
		if c.Git.PollInterval == 0 {
			c.Git.PollInterval = 60 * time.Second
		}
		if c.Git.ConfigPath == "" {
			c.Git.ConfigPath = "portkeep.yaml"
		}
		if c.Git.LocalPath == "" {
			c.Git.LocalPath = filepath.Join(os.TempDir(), "portkeep-git")
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Gateway.Backend != "upnp" && c.Gateway.Backend != "natpmp" {
		return fmt.Errorf("gateway.backend must be one of: upnp, natpmp")
	}
	if c.Gateway.LeaseDuration < 0 {
		return fmt.Errorf("gateway.lease_duration must not be negative")
	}

	if c.Renewal.SafetyMargin <= 0 || c.Renewal.SafetyMargin >= 1 {
		return fmt.Errorf("renewal.safety_margin must be between 0 and 1 exclusive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Observability.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Observability.LogFormat] {
		return fmt.Errorf("log_format must be one of: json, text")
	}

	if c.Git.Enabled {
		if c.Git.Repository == "" {
			return fmt.Errorf("git.repository is required when git is enabled")
		}
		if c.Git.Auth.Type != "" && c.Git.Auth.Type != "token" && c.Git.Auth.Type != "none" {
			return fmt.Errorf("git.auth.type must be one of: token, none")
		}
	}

	seen := make(map[rules.Key]int)
	for i, rc := range c.Rules {
		rule, err := rc.Rule()
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if prev, dup := seen[rule.Key()]; dup {
			return fmt.Errorf("rule %d: duplicate of rule %d (%s)", i, prev, rule.Key())
		}
		seen[rule.Key()] = i
	}

	return nil
}

// Rule converts one rule entry to its validated form.
func (rc RuleConfig) Rule() (rules.Rule, error) {
	if rc.Port < 1 || rc.Port > 65535 {
		return rules.Rule{}, fmt.Errorf("port %d out of range 1-65535", rc.Port)
	}
	external := rc.ExternalPort
	if external == 0 {
		external = rc.Port
	}
	if external < 1 || external > 65535 {
		return rules.Rule{}, fmt.Errorf("external_port %d out of range 1-65535", external)
	}

	p := rc.Protocol
	if p == "" {
		p = "tcp"
	}
	proto, err := gateway.ParseProtocol(p)
	if err != nil {
		return rules.Rule{}, err
	}

	return rules.Rule{
		InternalPort: uint16(rc.Port),
		ExternalPort: uint16(external),
		Protocol:     proto,
	}, nil
}

// DesiredRules converts the configured rule list to the desired set the
// daemon loads into its store.
func (c *Config) DesiredRules() ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(c.Rules))
	for i, rc := range c.Rules {
		rule, err := rc.Rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}
