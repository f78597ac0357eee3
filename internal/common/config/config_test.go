package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "cli", cfg.Tracker.Platform)
	assert.Equal(t, "direct", cfg.Tracker.WebhookMode)
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "codex", cfg.Runner.Binary)
	assert.Equal(t, "workspace-write", cfg.Runner.Sandbox)
	assert.Equal(t, 3, cfg.Procedure.MaxValidationIterations)
	assert.Equal(t, "./stagehand.db", cfg.State.Path)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STAGEHAND_SERVER_PORT", "9090")
	t.Setenv("STAGEHAND_RUNNER_BINARY", "/usr/local/bin/codex")
	t.Setenv("STAGEHAND_STATE_PATH", "/var/lib/stagehand/state.db")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/usr/local/bin/codex", cfg.Runner.Binary)
	assert.Equal(t, "/var/lib/stagehand/state.db", cfg.State.Path)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
tracker:
  platform: cli
repositories:
  - id: backend
    name: Backend
    path: /srv/repos/backend
    teamKeys: [ENG]
    labelProcedures:
      quick-fix: singleTurn
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Repositories, 1)

	repo := cfg.Repositories[0]
	assert.Equal(t, "backend", repo.ID)
	assert.Equal(t, []string{"ENG"}, repo.TeamKeys)
	assert.Equal(t, "singleTurn", repo.LabelProcedures["quick-fix"])
	assert.Equal(t, "main", repo.BaseBranch)
	assert.Equal(t, "codex", repo.RunnerKind)
	assert.False(t, repo.IsCatchAll())
}

func TestLoadReposFile(t *testing.T) {
	dir := t.TempDir()
	reposPath := filepath.Join(dir, "repos.yaml")
	require.NoError(t, os.WriteFile(reposPath, []byte(`
repositories:
  - id: docs
    path: /srv/repos/docs
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("reposFile: "+reposPath+"\n"), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Repositories, 1)
	assert.Equal(t, "docs", cfg.Repositories[0].ID)
	assert.True(t, cfg.Repositories[0].IsCatchAll())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "unknown platform",
			mutate:  func(cfg *Config) { cfg.Tracker.Platform = "jira" },
			wantErr: "tracker.platform",
		},
		{
			name: "linear direct mode needs secret",
			mutate: func(cfg *Config) {
				cfg.Tracker.Platform = "linear"
				cfg.Tracker.WebhookSecret = ""
			},
			wantErr: "webhookSecret",
		},
		{
			name: "proxy mode needs token",
			mutate: func(cfg *Config) {
				cfg.Tracker.WebhookMode = "proxy"
				cfg.Tracker.ProxyToken = ""
			},
			wantErr: "proxyToken",
		},
		{
			name: "duplicate repo ids",
			mutate: func(cfg *Config) {
				cfg.Repositories = []RepositoryConfig{
					{ID: "a", Path: "/srv/a"},
					{ID: "a", Path: "/srv/a2"},
				}
			},
			wantErr: "duplicate repository id",
		},
		{
			name: "repo without path",
			mutate: func(cfg *Config) {
				cfg.Repositories = []RepositoryConfig{{ID: "a"}}
			},
			wantErr: "path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWithPath(t.TempDir())
			require.NoError(t, err)
			tt.mutate(cfg)
			err = validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
