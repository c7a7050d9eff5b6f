// Package config loads configuration from an optional YAML file with
// AGENTGUARD_* environment overrides. Provider API keys support ${VAR}
// substitution so the file never carries secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Providers ProvidersConfig `koanf:"providers"`
	Audit     AuditConfig     `koanf:"audit"`
}

type ServerConfig struct {
	Port      int    `koanf:"port"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

type StorageConfig struct {
	// Type is sqlite or memory.
	Type string `koanf:"type"`
	Path string `koanf:"path"`
}

type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `koanf:"openai"`
	Anthropic ProviderConfig `koanf:"anthropic"`
	Groq      ProviderConfig `koanf:"groq"`
}

type AuditConfig struct {
	Strict                 bool `koanf:"strict"`
	RecordOnDisconnect     bool `koanf:"record_on_disconnect"`
	UpstreamTimeoutSeconds int  `koanf:"upstream_timeout_seconds"`
	MaxCaptureMB           int  `koanf:"max_capture_mb"`
}

// Load reads path (skipped when empty or missing) and applies environment
// overrides. AGENTGUARD_SERVER__PORT=9000 sets server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("AGENTGUARD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "AGENTGUARD_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("server.log_level") {
		k.Set("server.log_level", "info")
	}
	if !k.Exists("server.log_format") {
		k.Set("server.log_format", "json")
	}
	if !k.Exists("storage.type") {
		k.Set("storage.type", "sqlite")
	}
	if !k.Exists("storage.path") {
		k.Set("storage.path", "agentguard.db")
	}
	if !k.Exists("audit.record_on_disconnect") {
		k.Set("audit.record_on_disconnect", true)
	}
	if !k.Exists("audit.upstream_timeout_seconds") {
		k.Set("audit.upstream_timeout_seconds", 120)
	}
	if !k.Exists("audit.max_capture_mb") {
		k.Set("audit.max_capture_mb", 16)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Providers.OpenAI.APIKey = substituteEnvVars(cfg.Providers.OpenAI.APIKey)
	cfg.Providers.Anthropic.APIKey = substituteEnvVars(cfg.Providers.Anthropic.APIKey)
	cfg.Providers.Groq.APIKey = substituteEnvVars(cfg.Providers.Groq.APIKey)

	return &cfg, nil
}

// Keys maps provider name to API key, omitting providers without one.
func (p ProvidersConfig) Keys() map[string]string {
	keys := make(map[string]string)
	for name, pc := range p.byName() {
		if pc.APIKey != "" {
			keys[name] = pc.APIKey
		}
	}
	return keys
}

// BaseURLs maps provider name to base URL override, omitting defaults.
func (p ProvidersConfig) BaseURLs() map[string]string {
	urls := make(map[string]string)
	for name, pc := range p.byName() {
		if pc.BaseURL != "" {
			urls[name] = pc.BaseURL
		}
	}
	return urls
}

func (p ProvidersConfig) byName() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":    p.OpenAI,
		"anthropic": p.Anthropic,
		"groq":      p.Groq,
	}
}

// substituteEnvVars expands ${VAR} references. Undefined variables expand to
// the empty string.
func substituteEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
