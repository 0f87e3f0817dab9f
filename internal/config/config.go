package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models pressline.yml.
type Config struct {
	Generation  GenerationConfig  `yaml:"generation"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Workflow    WorkflowConfig    `yaml:"workflow"`
	Store       StoreConfig       `yaml:"store"`
	Server      ServerConfig      `yaml:"server"`
	Notify      NotifyConfig      `yaml:"notify"`
	Log         LogConfig         `yaml:"log"`
}

type GenerationConfig struct {
	Provider          string   `yaml:"provider"`
	Model             string   `yaml:"model"`
	BaseURL           string   `yaml:"base_url"`
	MaxTokens         int      `yaml:"max_tokens"`
	Temperature       float64  `yaml:"temperature"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
}

type AcquisitionConfig struct {
	Timeout       Duration `yaml:"timeout"`
	UserAgent     string   `yaml:"user_agent"`
	Browser       bool     `yaml:"browser"`
	ScreenshotDir string   `yaml:"screenshot_dir"`
}

type WorkflowConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	DefaultStyle  string `yaml:"default_style"`
	DefaultTone   string `yaml:"default_tone"`
}

type StoreConfig struct {
	MaxTextBytes    int      `yaml:"max_text_bytes"`
	EventsRetention Duration `yaml:"events_retention"`
	PruneSchedule   string   `yaml:"prune_schedule"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr"`
	BasePath      string `yaml:"base_path"`
	APIToken      string `yaml:"api_token"`
	SessionSecret string `yaml:"session_secret"`
}

type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Telegram TelegramConfig  `yaml:"telegram"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Secret  string   `yaml:"secret"`
	Timeout Duration `yaml:"timeout"`
}

// TelegramConfig names the env var holding the bot token; the token itself never lives in YAML.
type TelegramConfig struct {
	TokenEnv string   `yaml:"token_env"`
	ChatID   int64    `yaml:"chat_id"`
	Events   []string `yaml:"events"`
}

func (t TelegramConfig) Enabled() bool {
	return t.TokenEnv != "" && t.ChatID != 0
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration reads and writes Go duration strings such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	d.Duration = parsed
	return nil
}

var providers = map[string]bool{"googleai": true, "openai": true, "ollama": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !providers[c.Generation.Provider] {
		return fmt.Errorf("config.generation.provider must be one of googleai, openai, ollama")
	}
	if c.Generation.Model == "" {
		return fmt.Errorf("config.generation.model is required")
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 1 {
		return fmt.Errorf("config.generation.temperature must be within [0,1]")
	}
	if c.Generation.MaxTokens < 0 {
		return fmt.Errorf("config.generation.max_tokens must not be negative")
	}
	if c.Generation.Timeout.Duration < 0 || c.Acquisition.Timeout.Duration < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Workflow.MaxIterations < 1 {
		return fmt.Errorf("config.workflow.max_iterations must be at least 1")
	}
	if c.Store.MaxTextBytes < 0 {
		return fmt.Errorf("config.store.max_text_bytes must not be negative")
	}
	if c.Store.PruneSchedule != "" {
		if _, err := cron.ParseStandard(c.Store.PruneSchedule); err != nil {
			return fmt.Errorf("config.store.prune_schedule: %w", err)
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
		for _, evt := range wh.Events {
			if evt == "" {
				return fmt.Errorf("config.notify.webhooks[%d] has an empty event filter", i)
			}
		}
	}
	if (c.Notify.Telegram.TokenEnv == "") != (c.Notify.Telegram.ChatID == 0) {
		return fmt.Errorf("config.notify.telegram needs both token_env and chat_id")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pressline.yml")
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
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
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

// Save writes cfg to the workspace config file.
func Save(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), buf.Bytes(), 0o644)
}

const defaultTemplate = `generation:
  provider: googleai        # googleai | openai | ollama
  model: gemini-1.5-flash
  base_url: ""              # openai-compatible or ollama server url
  max_tokens: 2048
  temperature: 0.7
  timeout: 30s
  requests_per_minute: 30

acquisition:
  timeout: 60s
  user_agent: pressline/1.0
  browser: false            # render with headless chrome and capture a screenshot
  screenshot_dir: output/screenshots

workflow:
  max_iterations: 5
  default_style: modern
  default_tone: engaging

store:
  max_text_bytes: 1048576
  events_retention: 720h
  prune_schedule: "@daily"

server:
  addr: 127.0.0.1:8080
  base_path: /api
  api_token: ""
  session_secret: ""        # random per process when empty

notify:
  webhooks: []
  # - url: https://example.org/hooks/pressline
  #   events: [workflow.completed, workflow.failed]
  #   secret: change-me
  #   timeout: 5s
  telegram:
    token_env: ""           # e.g. PRESSLINE_TELEGRAM_TOKEN
    chat_id: 0
    events: [workflow.completed, workflow.failed]

log:
  level: info
  format: console           # console | json
`
