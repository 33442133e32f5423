package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models boardroom.yml.
type Config struct {
	Generation Generation `yaml:"generation"`
	Server     struct {
		Addr     string `yaml:"addr" validate:"required"`
		BasePath string `yaml:"base_path" validate:"required,startswith=/"`
	} `yaml:"server"`
	Logging struct {
		Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error disabled off none"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" validate:"dive"`
}

// WebhookConfig subscribes an HTTP endpoint to run lifecycle events.
type WebhookConfig struct {
	URL string `yaml:"url" validate:"required,url"`
	// Events filters by event type; empty means all.
	Events  []string      `yaml:"events,omitempty"`
	Secret  string        `yaml:"secret,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
	Enabled *bool         `yaml:"enabled,omitempty"`
}

type Generation struct {
	Provider     string        `yaml:"provider" validate:"oneof=mock gemini"`
	Model        string        `yaml:"model"`
	APIKeyEnv    string        `yaml:"api_key_env"`
	StageTimeout time.Duration `yaml:"stage_timeout" validate:"gte=0"`
	Mock         struct {
		MinLatency time.Duration `yaml:"min_latency" validate:"gte=0"`
		MaxLatency time.Duration `yaml:"max_latency" validate:"gte=0"`
	} `yaml:"mock"`
}

var validate = validator.New()

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Generation.Mock.MaxLatency < c.Generation.Mock.MinLatency {
		return fmt.Errorf("config.generation.mock.max_latency must not be below min_latency")
	}
	if c.Generation.Provider == "gemini" && c.Generation.APIKeyEnv == "" {
		return fmt.Errorf("config.generation.api_key_env is required for the gemini provider")
	}
	if strings.HasSuffix(c.Server.BasePath, "/") && c.Server.BasePath != "/" {
		return fmt.Errorf("config.server.base_path must not end with /")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "boardroom.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with br config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
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

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys that are absent keep
// their default values.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the effective config.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `generation:
  provider: mock          # mock | gemini
  model: gemini-2.5-flash
  api_key_env: GEMINI_API_KEY
  stage_timeout: 60s      # 0 disables the per-call timeout
  mock:
    min_latency: 500ms
    max_latency: 1500ms

server:
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  level: info

# webhooks:
#   - url: https://example.com/hooks/boardroom
#     events: [run.succeeded, run.failed]
#     secret: change-me
#     timeout: 5s
`
