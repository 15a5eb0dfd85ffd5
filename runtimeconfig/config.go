// Package runtimeconfig loads the pipeline configuration file.
package runtimeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/PipeOpsHQ/agentcrew/observe"
	"github.com/PipeOpsHQ/agentcrew/resilience"
	"github.com/PipeOpsHQ/agentcrew/types"
)

type Config struct {
	// Mode applies to requests that do not set one.
	Mode           types.Mode    `yaml:"mode" json:"mode"`
	MaxIterations  int           `yaml:"maxIterations" json:"maxIterations"`
	RunTimeout     time.Duration `yaml:"runTimeout" json:"runTimeout"`
	MaxSteps       int           `yaml:"maxSteps" json:"maxSteps"`
	MaxInputTokens int           `yaml:"maxInputTokens" json:"maxInputTokens"`
	Model          string        `yaml:"model" json:"model"`
	Retry          Retry         `yaml:"retry" json:"retry"`
	Breaker        Breaker       `yaml:"breaker" json:"breaker"`
	Stream         Stream        `yaml:"stream" json:"stream"`
	Policy         Policy        `yaml:"policy" json:"policy"`
}

type Retry struct {
	MaxAttempts int           `yaml:"maxAttempts" json:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay" json:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay" json:"maxDelay"`
}

type Breaker struct {
	Threshold uint32        `yaml:"threshold" json:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown" json:"cooldown"`
}

// Stream filters the events forwarded to external sinks and streaming
// clients.
type Stream struct {
	Types        []string `yaml:"types" json:"types"`
	Visibilities []string `yaml:"visibilities" json:"visibilities"`
}

type Policy struct {
	// File is a rego module replacing the built-in patch policy. Relative
	// paths resolve against the config file's directory.
	File string `yaml:"file" json:"file"`
}

// Load reads a YAML or JSON pipeline file.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	var cfg Config
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q: %w", absPath, err)
	}

	cfg.Mode = types.Mode(strings.TrimSpace(string(cfg.Mode)))
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.Policy.File = strings.TrimSpace(cfg.Policy.File)
	if cfg.Policy.File != "" && !filepath.IsAbs(cfg.Policy.File) {
		cfg.Policy.File = filepath.Join(filepath.Dir(absPath), cfg.Policy.File)
	}
	cfg.Stream.Types = clean(cfg.Stream.Types)
	cfg.Stream.Visibilities = clean(cfg.Stream.Visibilities)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %q: %w", absPath, err)
	}
	return cfg, nil
}

func clean(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (c Config) Validate() error {
	if _, ok := types.ParseMode(string(c.Mode)); !ok {
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	switch {
	case c.MaxIterations < 0:
		return fmt.Errorf("maxIterations must not be negative")
	case c.RunTimeout < 0:
		return fmt.Errorf("runTimeout must not be negative")
	case c.MaxSteps < 0:
		return fmt.Errorf("maxSteps must not be negative")
	case c.Retry.MaxAttempts < 0:
		return fmt.Errorf("retry.maxAttempts must not be negative")
	case c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay:
		return fmt.Errorf("retry.baseDelay exceeds retry.maxDelay")
	}
	for _, v := range c.Stream.Visibilities {
		switch types.Visibility(v) {
		case types.VisibilityUser, types.VisibilityExpert, types.VisibilityInternal:
		default:
			return fmt.Errorf("unknown stream visibility %q", v)
		}
	}
	return nil
}

// RetryPolicy overlays the configured retry settings on the defaults.
func (c Config) RetryPolicy() resilience.RetryPolicy {
	policy := resilience.DefaultRetryPolicy()
	if c.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.BaseDelay > 0 {
		policy.BaseBackoff = c.Retry.BaseDelay
	}
	if c.Retry.MaxDelay > 0 {
		policy.MaxBackoff = c.Retry.MaxDelay
	}
	return policy
}

func (c Config) BreakerSettings() resilience.BreakerSettings {
	return resilience.BreakerSettings{Threshold: c.Breaker.Threshold, Cooldown: c.Breaker.Cooldown}
}

// StreamOptions converts the stream filter into adapter options. Empty lists
// keep the adapter defaults.
func (c Config) StreamOptions() []observe.AdapterOption {
	var opts []observe.AdapterOption
	if len(c.Stream.Types) > 0 {
		eventTypes := make([]types.EventType, len(c.Stream.Types))
		for i, t := range c.Stream.Types {
			eventTypes[i] = types.EventType(t)
		}
		opts = append(opts, observe.WithEventTypes(eventTypes...))
	}
	if len(c.Stream.Visibilities) > 0 {
		visibilities := make([]types.Visibility, len(c.Stream.Visibilities))
		for i, v := range c.Stream.Visibilities {
			visibilities[i] = types.Visibility(v)
		}
		opts = append(opts, observe.WithVisibilities(visibilities...))
	}
	return opts
}
