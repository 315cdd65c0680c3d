package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"casahunt/internal/backoff"
)

// Duration is a time.Duration that unmarshals from yaml strings like "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models casahunt.yml.
type Config struct {
	Hunt struct {
		BudgetCeiling     int      `yaml:"budget_ceiling"`
		ApprovalThreshold int      `yaml:"approval_threshold"`
		AllowedLocations  []string `yaml:"allowed_locations"`
		AllowedTypes      []string `yaml:"allowed_types"`
		ExcludedTypes     []string `yaml:"excluded_types"`
	} `yaml:"hunt"`
	Queue struct {
		MaxRetries int      `yaml:"max_retries"`
		BaseDelay  Duration `yaml:"base_delay"`
		MaxDelay   Duration `yaml:"max_delay"`
		BatchSize  int      `yaml:"batch_size"`
		StaleAfter Duration `yaml:"stale_after"`
	} `yaml:"queue"`
	Schedule struct {
		ScoutInterval  Duration `yaml:"scout_interval"`
		WorkerInterval Duration `yaml:"worker_interval"`
		ReapInterval   Duration `yaml:"reap_interval"`
	} `yaml:"schedule"`
	Scrape struct {
		MaxPrice    int            `yaml:"max_price"`
		MinPrice    int            `yaml:"min_price"`
		Location    string         `yaml:"location"`
		CallTimeout Duration       `yaml:"call_timeout"`
		Sources     []SourceConfig `yaml:"sources"`
	} `yaml:"scrape"`
	Notify struct {
		TelegramChatID string   `yaml:"telegram_chat_id"`
		CallTimeout    Duration `yaml:"call_timeout"`
	} `yaml:"notify"`
}

// SourceConfig names a scrape source and the feed endpoint its
// scraper sidecar serves normalized records on.
type SourceConfig struct {
	Name    string `yaml:"name"`
	FeedURL string `yaml:"feed_url"`
}

// SourceNames returns the configured source names in order.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Scrape.Sources))
	for _, s := range c.Scrape.Sources {
		names = append(names, s.Name)
	}
	return names
}

// BackoffPolicy returns the queue retry policy from config.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		MaxRetries: c.Queue.MaxRetries,
		BaseDelay:  c.Queue.BaseDelay.Std(),
		MaxDelay:   c.Queue.MaxDelay.Std(),
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Hunt.BudgetCeiling <= 0 {
		return fmt.Errorf("config.hunt.budget_ceiling must be positive")
	}
	if c.Hunt.ApprovalThreshold < 0 || c.Hunt.ApprovalThreshold > 100 {
		return fmt.Errorf("config.hunt.approval_threshold must be in [0,100]")
	}
	if len(c.Hunt.AllowedLocations) == 0 {
		return fmt.Errorf("config.hunt.allowed_locations is required")
	}
	if len(c.Hunt.AllowedTypes) == 0 {
		return fmt.Errorf("config.hunt.allowed_types is required")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config.queue.max_retries must not be negative")
	}
	if c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay {
		return fmt.Errorf("config.queue delays invalid: base %s, max %s", c.Queue.BaseDelay.Std(), c.Queue.MaxDelay.Std())
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("config.queue.batch_size must be positive")
	}
	// The reaper must never reclaim missions that are merely slow: the
	// staleness threshold has to exceed any external call timeout.
	maxCall := c.Scrape.CallTimeout
	if c.Notify.CallTimeout > maxCall {
		maxCall = c.Notify.CallTimeout
	}
	if c.Queue.StaleAfter <= maxCall {
		return fmt.Errorf("config.queue.stale_after (%s) must exceed the longest call timeout (%s)", c.Queue.StaleAfter.Std(), maxCall.Std())
	}
	if c.Schedule.ScoutInterval <= 0 || c.Schedule.WorkerInterval <= 0 || c.Schedule.ReapInterval <= 0 {
		return fmt.Errorf("config.schedule intervals must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "casahunt.yml")
}

// ErrMissing reports that the workspace has no config file.
var ErrMissing = errors.New("config file not found")

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s; run casahunt init to create it", ErrMissing, Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to defaults when the config file does not
// exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if errors.Is(err, ErrMissing) {
		return Default(), nil
	}
	return cfg, err
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

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `hunt:
  budget_ceiling: 200000
  approval_threshold: 70
  allowed_locations: [bucuresti, ilfov]
  allowed_types: [casa, vila, duplex]
  excluded_types: [apartament, garsoniera, studio]

queue:
  max_retries: 3
  base_delay: 30s
  max_delay: 1h
  batch_size: 10
  stale_after: 15m

schedule:
  scout_interval: 24h
  worker_interval: 10m
  reap_interval: 5m

scrape:
  max_price: 200000
  min_price: 100000
  location: bucuresti
  call_timeout: 30s
  sources:
    - name: imobiliare.ro
      feed_url: http://127.0.0.1:8091/listings
    - name: storia.ro
      feed_url: http://127.0.0.1:8092/listings

notify:
  telegram_chat_id: ""
  call_timeout: 30s
`
