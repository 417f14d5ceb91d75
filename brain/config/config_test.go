package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainyard/brainrun/brain/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	clearBrainrunEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, config.EngineInmem, cfg.Engine)
	assert.Equal(t, "production", cfg.NodeEnv)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoadReadsOverrides(t *testing.T) {
	clearBrainrunEnv(t)
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("ENGINE", "temporal")
	t.Setenv("NODE_ENV", "development")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.test,https://b.test")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, config.EngineTemporal, cfg.Engine)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORSAllowedOrigins)
}

func clearBrainrunEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"HTTP_ADDR", "ENGINE", "TEMPORAL_HOST_PORT", "TEMPORAL_NAMESPACE",
		"TEMPORAL_TASK_QUEUE", "CORS_ALLOWED_ORIGINS", "NODE_ENV",
		"CONFIG_DIR", "PRIVATE_KEY", "DEBUG", "MANIFEST_ALIASES_PATH",
	}
	for _, k := range keys {
		original, had := os.LookupEnv(k)
		require.NoError(t, os.Unsetenv(k))
		t.Cleanup(func() {
			if had {
				os.Setenv(k, original)
			}
		})
	}
}
