package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models dispatchd.yml, the deployment-level configuration.
type Config struct {
	Server struct {
		Listen    string `yaml:"listen"`
		BasePath  string `yaml:"base_path"`
		PublicURL string `yaml:"public_url"`
		APIKey    string `yaml:"api_key"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Provider struct {
		URL           string `yaml:"url"`
		APIKey        string `yaml:"api_key"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"provider"`
	License struct {
		PublicKey string `yaml:"public_key"`
		DevMode   bool   `yaml:"dev_mode"`
	} `yaml:"license"`
	Notify struct {
		SlackWebhookURL string `yaml:"slack_webhook_url"`
		AgentMailURL    string `yaml:"agentmail_url"`
	} `yaml:"notify"`
}

// CallbackSecret is the shared secret for provider callback signatures.
// Falls back to the instance API key, matching how launches advertise it.
func (c *Config) CallbackSecret() string {
	if c.Provider.WebhookSecret != "" {
		return c.Provider.WebhookSecret
	}
	return c.Server.APIKey
}

// CallbackURL is the absolute URL the provider pushes status changes to.
// It follows the configured base path so the advertised URL always matches
// where the webhook route is mounted.
func (c *Config) CallbackURL() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	base := c.Server.BasePath
	if base == "" {
		base = "/api/v1"
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + strings.TrimRight(base, "/") + "/webhook/agent"
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.License.PublicKey != "" && !strings.Contains(c.License.PublicKey, "BEGIN PUBLIC KEY") {
		return fmt.Errorf("config.license.public_key must be a PEM public key")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dispatchd.yml")
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Server.Listen = "127.0.0.1:8787"
	cfg.Server.BasePath = "/api/v1"
	cfg.Provider.URL = "https://api.cursor.com/v0/agents"
	return &cfg
}
