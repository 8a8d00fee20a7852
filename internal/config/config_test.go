package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  id: demo
ai:
  similarity_threshold: 0.7
  model: claude-sonnet-4-5
jobs:
  workers: 4
  retention_hours: 48
`))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Errorf("project id = %q", cfg.Project.ID)
	}
	if got := cfg.SimilarityThreshold(); got != 0.7 {
		t.Errorf("threshold = %v", got)
	}
	if got := cfg.Workers(); got != 4 {
		t.Errorf("workers = %d", got)
	}
	if got := cfg.Retention(); got != 48*time.Hour {
		t.Errorf("retention = %v", got)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing project id", "ai:\n  similarity_threshold: 0.5\n", "project.id"},
		{"threshold above one", "project:\n  id: p\nai:\n  similarity_threshold: 1.5\n", "similarity_threshold"},
		{"negative workers", "project:\n  id: p\njobs:\n  workers: -1\n", "workers"},
		{"negative retention", "project:\n  id: p\njobs:\n  retention_hours: -2\n", "retention_hours"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestAccessorDefaults(t *testing.T) {
	var cfg *Config
	if got := cfg.SimilarityThreshold(); got != 0.5 {
		t.Errorf("nil threshold = %v", got)
	}
	if got := cfg.Workers(); got != 2 {
		t.Errorf("nil workers = %d", got)
	}
	if got := cfg.QueueSize(); got != 64 {
		t.Errorf("nil queue size = %d", got)
	}
	if got := cfg.PollInterval(); got != time.Second {
		t.Errorf("nil poll interval = %v", got)
	}
	if got := cfg.PollTimeout(); got != 5*time.Minute {
		t.Errorf("nil poll timeout = %v", got)
	}
	if got := cfg.MaxConcurrentCalls(); got != 2 {
		t.Errorf("nil max concurrent calls = %d", got)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("demo")))
	if err != nil {
		t.Fatalf("generated config does not validate: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Errorf("project id = %q", cfg.Project.ID)
	}
	if cfg.AI.Model != "" {
		t.Errorf("default model should be empty, got %q", cfg.AI.Model)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Errorf("base path = %q", cfg.Server.BasePath)
	}
}
