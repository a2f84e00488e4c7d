package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
servers:
  - id: files
    url: http://localhost:3001/mcp
    timeout: 45s
    headers:
      Authorization: Bearer token
  - id: legacy
    url: https://legacy.example/mcp
    disabled: true
agents:
  - id: researcher
    name: Researcher
    system_prompt: You research topics on the web.
    tools: [web_search, fetch_url]
    mcp_servers: [files]
    max_iterations: 20
    language: auto
    schedule:
      cron: "0 8 * * *"
      prompt: Summarize today's Go news.
  - id: writer
    system_prompt: You write.
    binding: auto
    language: de
    disabled: true
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	require.Len(t, catalog.Servers, 2)
	assert.Equal(t, 45*time.Second, catalog.Servers[0].Timeout)
	assert.Equal(t, "Bearer token", catalog.Servers[0].Headers["Authorization"])
	assert.True(t, catalog.Servers[1].Disabled)

	researcher, ok := catalog.Agent("researcher")
	require.True(t, ok)
	assert.Equal(t, []string{"web_search", "fetch_url"}, researcher.Tools)
	assert.Equal(t, 20, researcher.MaxIterations)
	require.NotNil(t, researcher.Schedule)
	assert.Equal(t, "0 8 * * *", researcher.Schedule.Cron)

	enabled := catalog.EnabledAgents()
	require.Len(t, enabled, 1)
	assert.Equal(t, "Researcher", enabled[0].DisplayName())

	writer, ok := catalog.Agent("writer")
	require.True(t, ok)
	assert.Equal(t, "writer", writer.DisplayName())

	_, ok = catalog.Agent("nobody")
	assert.False(t, ok)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no agents",
			yaml:    "servers: []\n",
			wantErr: "no agents",
		},
		{
			name:    "bad agent id",
			yaml:    "agents:\n  - id: Bad Id\n",
			wantErr: "invalid id",
		},
		{
			name:    "duplicate agent",
			yaml:    "agents:\n  - id: a\n  - id: a\n",
			wantErr: "duplicate id",
		},
		{
			name:    "unknown server",
			yaml:    "agents:\n  - id: a\n    mcp_servers: [ghost]\n",
			wantErr: "unknown mcp server",
		},
		{
			name:    "bad server url",
			yaml:    "servers:\n  - id: s\n    url: ftp://x\nagents:\n  - id: a\n",
			wantErr: "http(s)",
		},
		{
			name:    "bad cron",
			yaml:    "agents:\n  - id: a\n    schedule:\n      cron: nope\n      prompt: hi\n",
			wantErr: "invalid schedule cron",
		},
		{
			name:    "missing schedule prompt",
			yaml:    "agents:\n  - id: a\n    schedule:\n      cron: \"@daily\"\n",
			wantErr: "schedule prompt",
		},
		{
			name:    "bad binding",
			yaml:    "agents:\n  - id: a\n    binding: loose\n",
			wantErr: "binding",
		},
		{
			name:    "bad language",
			yaml:    "agents:\n  - id: a\n    language: \"!!\"\n",
			wantErr: "invalid language",
		},
		{
			name:    "not yaml",
			yaml:    "agents: [",
			wantErr: "invalid catalog",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()

	catalog, err := LoadCatalog(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultCatalog(), catalog)
	require.NoError(t, catalog.Validate())

	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))
	catalog, err = LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, catalog.Agents, 2)
}
