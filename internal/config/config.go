package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"patchline/internal/domain"
)

// Config models patchline.yml.
type Config struct {
	Workflow struct {
		MaxImplementAttempts int    `yaml:"max_implement_attempts"`
		MaxHelpCycles        int    `yaml:"max_help_cycles"`
		VerifyCommand        string `yaml:"verify_command"`
		RunsDir              string `yaml:"runs_dir"`
		Actor                string `yaml:"actor"`
	} `yaml:"workflow"`
	Policy struct {
		Version string `yaml:"version"`
		Dir     string `yaml:"dir"`
	} `yaml:"policy"`
	Delivery struct {
		Mode         string `yaml:"mode"`
		TargetBranch string `yaml:"target_branch"`
	} `yaml:"delivery"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run pl init to create one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.MaxImplementAttempts < 1 {
		return fmt.Errorf("config.workflow.max_implement_attempts must be >= 1")
	}
	if c.Workflow.MaxHelpCycles < 0 {
		return fmt.Errorf("config.workflow.max_help_cycles must be >= 0")
	}
	if c.Workflow.VerifyCommand == "" {
		return fmt.Errorf("config.workflow.verify_command is required")
	}
	switch domain.DeliveryMode(c.Delivery.Mode) {
	case domain.DeliverLocalPatch, domain.DeliverGitHubPR, domain.DeliverDirectPush:
	default:
		return fmt.Errorf("config.delivery.mode must be one of local_patch, github_pr, direct_push")
	}
	if c.Policy.Version == "" {
		return fmt.Errorf("config.policy.version is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "patchline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Workflow.MaxImplementAttempts = 4
	cfg.Workflow.MaxHelpCycles = 3
	cfg.Workflow.VerifyCommand = "go test ./..."
	cfg.Workflow.RunsDir = "runs"
	cfg.Workflow.Actor = "system"
	cfg.Policy.Version = "v1.0"
	cfg.Policy.Dir = "policies"
	cfg.Delivery.Mode = string(domain.DeliverLocalPatch)
	cfg.Delivery.TargetBranch = "main"
	cfg.Server.Addr = ":8080"
	return &cfg
}

// GenerateDefault returns default config YAML for pl init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workflow:
  max_implement_attempts: 4
  max_help_cycles: 3
  verify_command: "go test ./..."
  runs_dir: runs
  actor: system

policy:
  version: v1.0
  dir: policies

delivery:
  mode: local_patch
  target_branch: main

server:
  addr: ":8080"
  jwt_secret: ""
`
