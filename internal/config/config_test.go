package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_RETRIES", "5")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestOptionOverridesEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	cfg, err := Load(WithPort(7070))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port, "explicit options must win over env vars")
}

func TestValidateRejectsBadPort(t *testing.T) {
	_, err := Load(WithPort(0))
	assert.Error(t, err)
}
