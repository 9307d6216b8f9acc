package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/playbooks/pkg/steps"
	"github.com/openfroyo/playbooks/pkg/stores"
	"github.com/openfroyo/playbooks/pkg/telemetry"
)

// Environment variables that override the file.
const (
	EnvDatabasePath = "FROYO_PLAYBOOK_DB"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvNATSURL      = "NATS_URL"
	EnvLogLevel     = "LOG_LEVEL"
)

// Default returns the default service configuration.
func Default() *Config {
	return &Config{
		Database: stores.Config{
			Path:            "froyo-playbook.db",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
		},
		Telemetry: *telemetry.DefaultConfig(),
		Steps:     steps.DefaultConfig(),
		Lookups: steps.RemoteConfig{
			Timeout:   10 * time.Second,
			CacheSize: 1024,
			CacheTTL:  15 * time.Minute,
		},
		Ingest: IngestConfig{
			URL:          "nats://127.0.0.1:4222",
			Subject:      "alerts.>",
			Queue:        "froyo-playbook",
			Name:         "froyo-playbook",
			DrainTimeout: 30 * time.Second,
		},
		Draft: DraftConfig{
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		VersionCacheSize: 256,
		ShutdownTimeout:  15 * time.Second,
	}
}

// Load reads a YAML configuration file over the defaults. ${VAR} and ${VAR:-default}
// references are substituted before parsing, then environment overrides apply.
// An empty path loads the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies the fixed environment overrides using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvDatabasePath); v != "" {
		c.Database.Path = v
	}
	if v := getenv(EnvOpenAIKey); v != "" {
		c.Draft.APIKey = v
	}
	if v := getenv(EnvNATSURL); v != "" {
		c.Ingest.URL = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	for _, p := range c.Policy.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("policy paths must not be empty")
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// PolicyData returns the data document exposed to policies.
func (c *Config) PolicyData() map[string]interface{} {
	limits := make(map[string]interface{}, len(c.Policy.Limits))
	for k, v := range c.Policy.Limits {
		limits[k] = v
	}
	return map[string]interface{}{"limits": limits}
}

// envVarPattern matches ${VAR_NAME} and ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// substituteEnvVars expands variable references outside comment lines.
// Unset variables without a default become empty strings.
func substituteEnvVars(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines[i] = envVarPattern.ReplaceAllStringFunc(line, func(match string) string {
			parts := envVarPattern.FindStringSubmatch(match)
			if value := os.Getenv(parts[1]); value != "" {
				return value
			}
			return parts[2]
		})
	}
	return strings.Join(lines, "\n")
}
