package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/risehq/rise/pkg/api"
	"github.com/risehq/rise/pkg/backend/kubernetes"
	"github.com/risehq/rise/pkg/backend/local"
	"github.com/risehq/rise/pkg/controller"
	"github.com/risehq/rise/pkg/log"
	"github.com/risehq/rise/pkg/token"
	"github.com/risehq/rise/pkg/types"
	"github.com/risehq/rise/pkg/urls"
)

// Backend kinds.
const (
	BackendKubernetes = "kubernetes"
	BackendLocal      = "local"
)

// Log holds logging settings.
type Log struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// LogConfig converts to the log package's config.
func (l Log) LogConfig() log.Config {
	return log.Config{Level: log.Level(l.Level), JSONOutput: l.JSON}
}

// Database holds the Postgres connection settings.
type Database struct {
	URL      string `yaml:"url" validate:"required"`
	MaxConns int    `yaml:"max_conns" validate:"omitempty,min=1"`
}

// Backend selects and configures the deployment backend.
type Backend struct {
	Kind       string            `yaml:"kind" validate:"required,oneof=kubernetes local"`
	Kubernetes kubernetes.Config `yaml:"kubernetes"`
	Local      local.Config      `yaml:"local"`
}

// Registry holds static registry credentials handed to deployment clients.
// An empty URL means no registry is configured.
type Registry struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Credentials returns the static credentials, or nil when unconfigured.
func (r Registry) Credentials() *types.RegistryCredentials {
	if r.URL == "" {
		return nil
	}
	return &types.RegistryCredentials{
		RegistryURL: r.URL,
		Username:    r.Username,
		Password:    r.Password,
	}
}

// Config is the full server configuration.
type Config struct {
	Log        Log               `yaml:"log"`
	Database   Database          `yaml:"database"`
	API        api.Config        `yaml:"api"`
	Controller controller.Config `yaml:"controller"`
	URLs       urls.Config       `yaml:"urls"`
	Token      token.Config      `yaml:"token"`
	Backend    Backend           `yaml:"backend"`
	Registry   Registry          `yaml:"registry"`
}

const defaultMaxConns = 10

func (c *Config) applyDefaults() {
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = defaultMaxConns
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendKubernetes
	}
}

// applyEnv lets the deployment environment override the file for the
// settings that carry secrets or differ per host.
func (c *Config) applyEnv() {
	overlay(&c.Database.URL, "RISE_DATABASE_URL")
	overlay(&c.API.Addr, "RISE_LISTEN_ADDR")
	overlay(&c.Token.Issuer, "RISE_ISSUER")
	overlay(&c.Token.HS256SecretBase64, "RISE_HS256_SECRET")
	overlay(&c.Token.RSAPrivateKeyPEM, "RISE_RSA_PRIVATE_KEY")
	overlay(&c.Backend.Kind, "RISE_BACKEND")
	overlay(&c.Backend.Kubernetes.Kubeconfig, "RISE_KUBECONFIG")
	overlay(&c.Registry.URL, "RISE_REGISTRY_URL")
	overlay(&c.Registry.Username, "RISE_REGISTRY_USERNAME")
	overlay(&c.Registry.Password, "RISE_REGISTRY_PASSWORD")
	overlay(&c.Log.Level, "RISE_LOG_LEVEL")
}

func overlay(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for problems a running server could not
// recover from.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.URLs.Validate(); err != nil {
		return err
	}
	if c.Token.Issuer == "" {
		return fmt.Errorf("token.issuer is required")
	}
	if c.Token.HS256SecretBase64 == "" {
		return fmt.Errorf("token.hs256_secret is required")
	}
	return nil
}

// Load reads the YAML file at path, overlays environment variables, fills
// defaults and validates the result. Unknown YAML keys are rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Config from raw YAML.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
