package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("GATEWAY_ORIGIN", "https://gw.example.com")
	t.Setenv("CONTAINER_PROJECT_NAME", "proj")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EngineDocker, cfg.ContainerEngine)
	assert.Equal(t, "main", cfg.GitRev)
	assert.Equal(t, defaultStandby, cfg.MinStandbyContainers)
	assert.Equal(t, defaultMaxRunning, cfg.MaxRunningContainers)
	assert.Equal(t, defaultActiveTTL, cfg.ActiveTTL)
	assert.Equal(t, "proj_internal-net", cfg.NetworkName())
	assert.Equal(t, "proj_mcp-getgather", cfg.ImageName())
}

func TestLoadReportsAllMissingSettings(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	t.Setenv("GATEWAY_ORIGIN", "")
	t.Setenv("CONTAINER_PROJECT_NAME", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATA_DIR")
	assert.Contains(t, err.Error(), "GATEWAY_ORIGIN")
	assert.Contains(t, err.Error(), "CONTAINER_PROJECT_NAME")
}

func TestLoadRejectsUnknownEngine(t *testing.T) {
	setRequired(t)
	t.Setenv("CONTAINER_ENGINE", "lxc")

	_, err := Load()
	assert.ErrorContains(t, err, "CONTAINER_ENGINE")
}

func TestActiveTTLClamped(t *testing.T) {
	tests := []struct {
		name    string
		minutes string
		want    time.Duration
	}{
		{name: "default", minutes: "", want: defaultActiveTTL},
		{name: "explicit", minutes: "5", want: 5 * time.Minute},
		{name: "capped", minutes: "90", want: maxActiveTTL},
		{name: "nonpositive", minutes: "0", want: defaultActiveTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv("ACTIVE_TTL_MINUTES", tt.minutes)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.ActiveTTL)
		})
	}
}

func TestLoadOrigins(t *testing.T) {
	setRequired(t)
	t.Setenv("GATEWAY_ORIGINS", "https://gw.example.com, https://alt.example.com")
	t.Setenv("OAUTH_GITHUB_CLIENT_ID", "gh-id")
	t.Setenv("OAUTH_GITHUB_CLIENT_SECRET", "gh-secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Origins, 2)
	assert.Equal(t, "https://alt.example.com", cfg.Origins[1].Origin)
	// every origin shares the same provider credentials
	for _, origin := range cfg.Origins {
		require.Len(t, origin.Providers, 1)
		assert.Equal(t, "github", origin.Providers[0].Name)
		assert.Equal(t, "gh-id", origin.Providers[0].ClientID)
	}
}

func TestParseKeyValueList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{name: "empty", raw: "", want: map[string]string{}},
		{name: "single", raw: "key1:App One", want: map[string]string{"key1": "App One"}},
		{
			name: "multiple with spaces",
			raw:  " key1:App One , key2:App Two ",
			want: map[string]string{"key1": "App One", "key2": "App Two"},
		},
		{name: "malformed pair skipped", raw: "key1:App,oops", want: map[string]string{"key1": "App"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseKeyValueList(tt.raw))
		})
	}
}
