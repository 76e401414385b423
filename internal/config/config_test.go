package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/backend/internal/core"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "secret: "+testSecret+"\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, int64(30), cfg.Challenge.TTLSeconds)
	assert.Equal(t, int64(3600), cfg.Challenge.TokenTTLSeconds)
	assert.Equal(t, core.DifficultyMedium, cfg.Challenge.DefaultDifficulty)
	assert.Equal(t, 0.7, cfg.Challenge.MinScore)
	assert.Equal(t, 2, cfg.PoMI.CanariesPerChallenge)
	assert.Equal(t, 0.5, cfg.PoMI.ConfidenceThreshold)
}

func TestLoadConfigFullFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
secret: `+testSecret+`
store:
  backend: redis
  redis_url: redis://localhost:6379/0
challenge:
  ttl_seconds: 60
  default_difficulty: hard
pomi:
  enabled: true
  canaries_per_challenge: 3
timing:
  enabled: true
  session_tracking:
    enabled: true
rate_limit:
  enabled: true
  max_calls_per_minute: 120
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, int64(60), cfg.Challenge.TTLSeconds)
	assert.Equal(t, core.DifficultyHard, cfg.Challenge.DefaultDifficulty)
	assert.True(t, cfg.PoMI.Enabled)
	assert.Equal(t, 3, cfg.PoMI.CanariesPerChallenge)
	assert.True(t, cfg.Timing.Enabled)
	assert.True(t, cfg.Timing.SessionTracking.Enabled)
	assert.Equal(t, 120, cfg.RateLimit.MaxCallsPerMinute)
}

func TestLoadConfigCustomCanaries(t *testing.T) {
	path := writeConfig(t, `
secret: `+testSecret+`
pomi:
  enabled: true
  canaries:
    - id: word-pick
      prompt: Reply with your favorite of these words. blue green red
      injection_method: suffix
      confidence_weight: 0.9
      analysis:
        kind: exact_match
        expected:
          gpt-4-class: blue
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.PoMI.Canaries, 1)
	can := cfg.PoMI.Canaries[0]
	assert.Equal(t, "word-pick", can.ID)
	assert.Equal(t, core.InjectSuffix, can.InjectionMethod)
	assert.Equal(t, core.AnalysisExactMatch, can.Analysis.Kind)
	assert.Equal(t, "blue", can.Analysis.Expected["gpt-4-class"])
	assert.Equal(t, 0.9, can.ConfidenceWeight)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "secret: file-secret-file-secret-file-secret\nserver:\n  port: 9090\n")
	t.Setenv("AGENTAUTH_SECRET", testSecret)
	t.Setenv("AGENTAUTH_PORT", "7070")
	t.Setenv("AGENTAUTH_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/agentauth")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Secret)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "postgres://localhost/agentauth", cfg.Store.PostgresDSN)
}

func TestLoadConfigNoFileEnvOnly(t *testing.T) {
	t.Setenv("AGENTAUTH_SECRET", testSecret)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadConfigRejectsShortSecret(t *testing.T) {
	path := writeConfig(t, "secret: too-short\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "secret: "+testSecret+"\nstore:\n  backend: dynamo\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestLoadConfigRejectsUnknownDifficulty(t *testing.T) {
	path := writeConfig(t, "secret: "+testSecret+"\nchallenge:\n  default_difficulty: ludicrous\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown default difficulty")
}
