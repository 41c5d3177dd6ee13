package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
registry:
  url: https://ghcr.io
  token: ghp_secret
repository:
  core:
    remote: owner/pkgs
    database: /srv/repo/core.db
    release-name: database
sandbox:
  path: /srv/sandbox
  remote: owner/vm
  chunk-size: 256MB
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://ghcr.io", cfg.Registry.URL)
	assert.Equal(t, "ghp_secret", cfg.Registry.Token)

	require.Contains(t, cfg.Repositories, "core")
	core := cfg.Repositories["core"]
	assert.Equal(t, "owner/pkgs", core.Remote)
	assert.Equal(t, "/srv/repo/core.db", core.Database)
	assert.Equal(t, "database", core.ReleaseName)

	size, err := cfg.Sandbox.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024*1024), size)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing registry url",
			content: "registry:\n  token: t\n",
			wantErr: "'url'",
		},
		{
			name:    "missing registry token",
			content: "registry:\n  url: https://ghcr.io\n",
			wantErr: "'token'",
		},
		{
			name: "missing repository remote",
			content: `
registry:
  url: https://ghcr.io
  token: t
repository:
  core:
    database: /srv/core.db
    release-name: database
`,
			wantErr: "'remote'",
		},
		{
			name: "bad chunk size",
			content: `
registry:
  url: https://ghcr.io
  token: t
sandbox:
  chunk-size: lots
`,
			wantErr: "chunk-size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestChunkSizeDefault(t *testing.T) {
	size, err := SandboxConfig{}.ChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), size)
}

func TestDefaultPathPrefersXDG(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pacdist"), 0o755))
	cfgPath := filepath.Join(dir, "pacdist", "config.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("registry: {}\n"), 0o600))

	t.Setenv("XDG_CONFIG_HOME", dir)
	got, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, cfgPath, got)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
