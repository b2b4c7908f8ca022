package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, StorePostgres, cfg.StoreBackend)
	assert.Equal(t, 10*time.Second, cfg.BackendTimeout)
	assert.Equal(t, 120, cfg.RateLimitPerMin)
	assert.False(t, cfg.Production())
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STORE_BACKEND", " SQLite ")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("ACCESS_TTL", "5m")
	t.Setenv("CLOUDINARY_CLOUD_NAME", "demo")
	t.Setenv("CLOUDINARY_API_KEY", "k")
	t.Setenv("CLOUDINARY_API_SECRET", "s")
	t.Setenv("CORS_ORIGINS", " https://ops.example.org/ ,https://kiosk.example.org,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 5*time.Minute, cfg.AccessTTL)
	assert.True(t, cfg.Production())
	assert.True(t, cfg.CloudinaryConfigured())
	assert.Equal(t, []string{"https://ops.example.org", "https://kiosk.example.org"}, cfg.CORSOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string][2]string{
		"store":     {"STORE_BACKEND", "mongo"},
		"queue":     {"QUEUE_BACKEND", "kafka"},
		"threshold": {"FACE_MATCH_THRESHOLD", "1.5"},
		"rate":      {"RATE_LIMIT_PER_MIN", "0"},
		"duration":  {"BACKEND_TIMEOUT", "soon"},
		"wildcard":  {"CORS_ORIGINS", "*"},
		"no origin": {"CORS_ORIGINS", " , "},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
