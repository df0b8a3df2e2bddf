package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models buildline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Build struct {
		CheckpointEveryPhase *bool  `yaml:"checkpoint_every_phase"`
		TaskPrefix           string `yaml:"task_prefix"`
	} `yaml:"build"`
	Risk struct {
		HighFailedTasks       int     `yaml:"high_failed_tasks"`
		MediumCompletionRatio float64 `yaml:"medium_completion_ratio"`
	} `yaml:"risk"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// CheckpointEveryPhase reports whether every derived phase gets a review gate.
// Defaults to true when unset.
func (c *Config) CheckpointEveryPhase() bool {
	if c.Build.CheckpointEveryPhase == nil {
		return true
	}
	return *c.Build.CheckpointEveryPhase
}

// TaskPrefix returns the name prefix for derived build tasks.
func (c *Config) TaskPrefix() string {
	if c.Build.TaskPrefix == "" {
		return "Build"
	}
	return c.Build.TaskPrefix
}

// HighFailedTasks returns the failed-task count at which a plan is rated
// high risk. Defaults to 3 when unset.
func (c *Config) HighFailedTasks() int {
	if c.Risk.HighFailedTasks <= 0 {
		return 3
	}
	return c.Risk.HighFailedTasks
}

// MediumCompletionRatio returns the completion ratio below which an active
// plan is rated medium risk. Defaults to 0.3 when unset.
func (c *Config) MediumCompletionRatio() float64 {
	if c.Risk.MediumCompletionRatio <= 0 {
		return 0.3
	}
	return c.Risk.MediumCompletionRatio
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	if c.Risk.HighFailedTasks < 0 {
		return fmt.Errorf("config.risk.high_failed_tasks must not be negative")
	}
	if c.Risk.MediumCompletionRatio < 0 || c.Risk.MediumCompletionRatio > 1 {
		return fmt.Errorf("config.risk.medium_completion_ratio must be within [0,1]")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "buildline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: software-project

build:
  checkpoint_every_phase: true
  task_prefix: Build

risk:
  high_failed_tasks: 3
  medium_completion_ratio: 0.3
`
