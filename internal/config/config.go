// Package config loads the YAML configuration file describing the registry,
// the package repositories published to it, and the optional sandbox bundle
// location. The loaded value is passed explicitly into constructors; there
// is no process-wide configuration state.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/pacdist/pacdist/pkg/bytesize"
)

const defaultBundleChunkSize = int64(512 * 1024 * 1024)

// Config is the top-level configuration file.
type Config struct {
	Registry     RegistryConfig              `yaml:"registry"`
	Repositories map[string]RepositoryConfig `yaml:"repository"`
	Sandbox      SandboxConfig               `yaml:"sandbox"`
}

// RegistryConfig identifies the registry and the user token used for both
// the token exchange and the release-asset host.
type RegistryConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// RepositoryConfig is one package channel.
type RepositoryConfig struct {
	Remote      string `yaml:"remote"`
	Database    string `yaml:"database"`
	ReleaseName string `yaml:"release-name"`
}

// SandboxConfig locates the VM bundle and where snapshots are pushed.
type SandboxConfig struct {
	Path      string `yaml:"path"`
	Remote    string `yaml:"remote"`
	ChunkSize string `yaml:"chunk-size"`
}

// ChunkSizeBytes returns the configured blob chunk size for bundle uploads.
func (s SandboxConfig) ChunkSizeBytes() (int64, error) {
	if s.ChunkSize == "" {
		return defaultBundleChunkSize, nil
	}
	n, err := bytesize.Parse(s.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox.chunk-size: %w", err)
	}
	return n, nil
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("malformed config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %q: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Registry.URL == "" {
		return fmt.Errorf("missing required key 'url' in section 'registry'")
	}
	if c.Registry.Token == "" {
		return fmt.Errorf("missing required key 'token' in section 'registry'")
	}

	for name, repo := range c.Repositories {
		if repo.Remote == "" {
			return fmt.Errorf("missing required key 'remote' in section 'repository.%s'", name)
		}
		if repo.Database == "" {
			return fmt.Errorf("missing required key 'database' in section 'repository.%s'", name)
		}
		if repo.ReleaseName == "" {
			return fmt.Errorf("missing required key 'release-name' in section 'repository.%s'", name)
		}
	}

	if _, err := c.Sandbox.ChunkSizeBytes(); err != nil {
		return err
	}
	return nil
}

// DefaultPath returns the first existing candidate config file, preferring
// the XDG config directory, then ~/.config, then the working directory.
func DefaultPath() (string, error) {
	var candidates []string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "pacdist", "config.yml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "pacdist", "config.yml"))
	}
	candidates = append(candidates, "config.yml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found, searched %v", candidates)
}
