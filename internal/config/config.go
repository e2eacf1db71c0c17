package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"okrsync/internal/domain"
	"okrsync/internal/identity"
)

// Config models okrsync.yml.
type Config struct {
	SourceApp string `yaml:"source_app"`
	Endpoint  struct {
		URL           string `yaml:"url"`
		KeyPrefix     string `yaml:"key_prefix"`
		SigningSecret string `yaml:"signing_secret"`
	} `yaml:"endpoint"`
	Sync struct {
		Auto       bool `yaml:"auto"`
		IntervalMs int  `yaml:"interval_ms"`
		Batch      int  `yaml:"batch"`
	} `yaml:"sync"`
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
			return nil, fmt.Errorf("config %s not found; import with okr config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if c.SourceApp == "" {
		return fmt.Errorf("config.source_app is required")
	}
	if err := identity.ValidateSourceApp(c.SourceApp); err != nil {
		return fmt.Errorf("config.source_app: %w", err)
	}
	if c.Endpoint.URL == "" {
		return fmt.Errorf("config.endpoint.url is required")
	}
	if c.Endpoint.SigningSecret == "" {
		return fmt.Errorf("config.endpoint.signing_secret is required")
	}
	if c.Sync.IntervalMs < 0 {
		return fmt.Errorf("config.sync.interval_ms must not be negative")
	}
	if c.Sync.Batch < 0 {
		return fmt.Errorf("config.sync.batch must not be negative")
	}
	return nil
}

// ToSyncConfig converts the file config into the persisted singleton the
// drain loop reads.
func (c *Config) ToSyncConfig(now time.Time) domain.SyncConfig {
	intervalMs := c.Sync.IntervalMs
	if intervalMs == 0 {
		intervalMs = 60000
	}
	return domain.SyncConfig{
		EndpointURL:     c.Endpoint.URL,
		KeyPrefix:       c.Endpoint.KeyPrefix,
		SigningSecret:   c.Endpoint.SigningSecret,
		AutoSyncEnabled: c.Sync.Auto,
		SyncIntervalMs:  intervalMs,
		UpdatedAt:       now.UTC().Format(time.RFC3339),
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "okrsync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(sourceApp string) string {
	return fmt.Sprintf(defaultTemplate, sourceApp)
}

const defaultTemplate = `source_app: %s

endpoint:
  url: https://api.example.com
  key_prefix: pk_live
  signing_secret: change-me

sync:
  auto: false
  interval_ms: 60000
  batch: 10

server:
  addr: 127.0.0.1:8600
  jwt_secret: ""
`
