package models_test

import (
	"errors"
	"testing"

	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeProviderID_Stable(t *testing.T) {
	a := models.ComputeProviderID("docker://registry/echo:v1")
	b := models.ComputeProviderID("docker://registry/echo:v1")
	c := models.ComputeProviderID("docker://registry/echo:v2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		name      string
		location  string
		kind      models.SourceKind
		canonical string
		managed   bool
		wantErr   bool
	}{
		{"image", "docker://registry/echo:v1", models.SourceKindImage, "docker://registry/echo:v1", true, false},
		{"github", "git+https://github.com/acme/agents@v1#echo", models.SourceKindGitHub, "git+https://github.com/acme/agents@v1#echo", true, false},
		{"github default ref", "git+https://github.com/acme/agents.git", models.SourceKindGitHub, "git+https://github.com/acme/agents@main", true, false},
		{"network", "http://host.docker.internal:9000/", models.SourceKindNetwork, "http://host.docker.internal:9000", false, false},
		{"empty image", "docker://", "", "", false, true},
		{"unknown scheme", "ftp://example.com", "", "", false, true},
		{"bare name", "echo", "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := models.ParseSource(tt.location)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, src.Kind())
			assert.Equal(t, tt.canonical, src.String())
			assert.Equal(t, tt.managed, src.Managed())
		})
	}
}

func TestProvider_Managed(t *testing.T) {
	managed := &models.Provider{Location: "docker://registry/echo:v1"}
	unmanaged := &models.Provider{Location: "http://localhost:9000"}

	assert.True(t, managed.Managed())
	assert.False(t, unmanaged.Managed())
	assert.Equal(t, "http://localhost:9000", unmanaged.URL())
	assert.Empty(t, managed.URL())
}

func TestProvider_CheckEnv(t *testing.T) {
	p := &models.Provider{
		ID: "p1",
		Env: []models.EnvVar{
			{Name: "API_KEY", Required: true},
			{Name: "MODEL", Required: false},
			{Name: "REGION", Required: true},
		},
	}

	t.Run("nothing missing", func(t *testing.T) {
		missing, err := p.CheckEnv(map[string]string{"API_KEY": "x", "MODEL": "m", "REGION": "eu"}, true)
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("optional missing does not raise", func(t *testing.T) {
		missing, err := p.CheckEnv(map[string]string{"API_KEY": "x", "REGION": "eu"}, true)
		require.NoError(t, err)
		require.Len(t, missing, 1)
		assert.Equal(t, "MODEL", missing[0].Name)
	})

	t.Run("required missing raises with names", func(t *testing.T) {
		missing, err := p.CheckEnv(map[string]string{"MODEL": "m"}, true)
		require.Error(t, err)
		assert.Len(t, missing, 2)

		var cfgErr *models.MissingConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "p1", cfgErr.ProviderID)
		assert.Len(t, cfgErr.Missing, 2)
		assert.Equal(t, "missing required environment variables: API_KEY, REGION", err.Error())
	})

	t.Run("required missing without raise", func(t *testing.T) {
		missing, err := p.CheckEnv(map[string]string{}, false)
		require.NoError(t, err)
		assert.Len(t, missing, 3)
	})
}

func TestProvider_ExtractEnv(t *testing.T) {
	p := &models.Provider{Env: []models.EnvVar{{Name: "API_KEY"}, {Name: "MODEL"}}}

	got := p.ExtractEnv(map[string]string{"API_KEY": "x", "UNRELATED_SECRET": "y"})

	assert.Equal(t, map[string]string{"API_KEY": "x"}, got)
}

func TestProvider_EffectiveAutoStopTimeout(t *testing.T) {
	assert.Equal(t, models.DefaultAutoStopTimeout, (&models.Provider{}).EffectiveAutoStopTimeout())
	assert.Equal(t, int64(42), int64((&models.Provider{AutoStopTimeout: 42}).EffectiveAutoStopTimeout()))
}

func TestManifestLabelRoundTrip(t *testing.T) {
	m := &models.AgentManifest{Agents: []models.AgentManifestEntry{
		{Name: "echo", Env: []models.EnvVar{{Name: "A", Required: false}}},
		{Name: "chat", Env: []models.EnvVar{{Name: "A", Required: true}, {Name: "B"}}},
	}}
	label, err := models.EncodeManifestLabel(m)
	require.NoError(t, err)

	decoded, err := models.DecodeManifestLabel(label)
	require.NoError(t, err)
	require.Len(t, decoded.Agents, 2)

	env := decoded.Env()
	require.Len(t, env, 2)
	assert.Equal(t, models.EnvVar{Name: "A", Required: true}, env[0])
	assert.Equal(t, "B", env[1].Name)
}

func TestDecodeManifestLabel_Invalid(t *testing.T) {
	_, err := models.DecodeManifestLabel("not base64!")
	assert.Error(t, err)

	dup, err := models.EncodeManifestLabel(&models.AgentManifest{Agents: []models.AgentManifestEntry{{Name: "a"}, {Name: "a"}}})
	require.NoError(t, err)
	_, err = models.DecodeManifestLabel(dup)
	assert.Error(t, err)
}
