package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models backline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	AI struct {
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
		Model               string  `yaml:"model"`
		MaxConcurrentCalls  int     `yaml:"max_concurrent_calls"`
	} `yaml:"ai"`
	Jobs struct {
		Workers            int `yaml:"workers"`
		QueueSize          int `yaml:"queue_size"`
		RetentionHours     int `yaml:"retention_hours"`
		PollIntervalMillis int `yaml:"poll_interval_millis"`
		PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`
	} `yaml:"jobs"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.AI.SimilarityThreshold < 0 || c.AI.SimilarityThreshold > 1 {
		return fmt.Errorf("config.ai.similarity_threshold must be in [0,1]")
	}
	if c.AI.MaxConcurrentCalls < 0 {
		return fmt.Errorf("config.ai.max_concurrent_calls must be >= 0")
	}
	if c.Jobs.Workers < 0 || c.Jobs.QueueSize < 0 {
		return fmt.Errorf("config.jobs.workers and queue_size must be >= 0")
	}
	if c.Jobs.RetentionHours < 0 {
		return fmt.Errorf("config.jobs.retention_hours must be >= 0")
	}
	return nil
}

// SimilarityThreshold returns the configured gate threshold, falling back to
// the default when unset.
func (c *Config) SimilarityThreshold() float64 {
	if c == nil || c.AI.SimilarityThreshold == 0 {
		return 0.5
	}
	return c.AI.SimilarityThreshold
}

// Workers returns the job worker pool size.
func (c *Config) Workers() int {
	if c == nil || c.Jobs.Workers == 0 {
		return 2
	}
	return c.Jobs.Workers
}

// QueueSize returns the job queue capacity.
func (c *Config) QueueSize() int {
	if c == nil || c.Jobs.QueueSize == 0 {
		return 64
	}
	return c.Jobs.QueueSize
}

// Retention returns how long terminal jobs are kept before sweeping.
func (c *Config) Retention() time.Duration {
	if c == nil || c.Jobs.RetentionHours == 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Jobs.RetentionHours) * time.Hour
}

// PollInterval returns the caller-side polling interval.
func (c *Config) PollInterval() time.Duration {
	if c == nil || c.Jobs.PollIntervalMillis == 0 {
		return time.Second
	}
	return time.Duration(c.Jobs.PollIntervalMillis) * time.Millisecond
}

// PollTimeout returns the caller-side polling timeout.
func (c *Config) PollTimeout() time.Duration {
	if c == nil || c.Jobs.PollTimeoutSeconds == 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Jobs.PollTimeoutSeconds) * time.Second
}

// MaxConcurrentCalls bounds in-flight AI API calls.
func (c *Config) MaxConcurrentCalls() int {
	if c == nil || c.AI.MaxConcurrentCalls == 0 {
		return 2
	}
	return c.AI.MaxConcurrentCalls
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "backline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
	return &cfg
}

const defaultTemplate = `project:
  id: %s
  name: ""

ai:
  # Suggestions scoring at or above the threshold against an existing item
  # block that item pending human approval; below it a new sibling is created.
  similarity_threshold: 0.5
  # Anthropic model id; leave empty to use the offline heuristic scorer.
  model: ""
  max_concurrent_calls: 2

jobs:
  workers: 2
  queue_size: 64
  retention_hours: 24
  poll_interval_millis: 1000
  poll_timeout_seconds: 300

server:
  base_path: /v1
`
