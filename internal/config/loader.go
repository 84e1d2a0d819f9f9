package config

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// Secrets exposes the registry so callers can add providers.
func (l *Loader) Secrets() *SecretRegistry {
	return l.secrets
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes. Environment references are
// expanded first, every service is decoded on top of service_defaults, and
// secret references are resolved before validation.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := []byte(l.expandEnvVars(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	services, err := decodeServices(expanded, cfg.ServiceDefaults)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Services = services

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, fmt.Errorf("secret resolution failed: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// decodeServices decodes each services entry onto a copy of the defaults, so
// a key written in the service block wins even when its value is zero and an
// omitted key keeps the default.
func decodeServices(data []byte, defaults ServiceDefaults) ([]ServiceConfig, error) {
	var raw struct {
		Services []map[string]interface{} `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw.Services) == 0 {
		return nil, nil
	}

	out := make([]ServiceConfig, 0, len(raw.Services))
	for i, node := range raw.Services {
		block, err := yaml.Marshal(node)
		if err != nil {
			return nil, fmt.Errorf("services[%d]: %w", i, err)
		}
		svc := defaults.service()
		if err := yaml.Unmarshal(block, &svc); err != nil {
			return nil, fmt.Errorf("services[%d]: %w", i, err)
		}
		out = append(out, svc)
	}
	return out, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as written.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}
