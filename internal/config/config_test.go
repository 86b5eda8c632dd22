package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Auth.MaxFailedLogins)
	assert.Equal(t, 0.95, cfg.Storage.CriticalThreshold)
	assert.Equal(t, 30*time.Minute, cfg.LockoutDuration())
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lims.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
auth:
  max_failed_logins: 3
database:
  url: postgres://file-url
`), 0o600))

	t.Setenv("DATABASE_URL", "postgres://env-url")
	t.Setenv("AUTH_LOCKOUT_MINUTES", "45")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Auth.MaxFailedLogins)
	assert.Equal(t, "postgres://env-url", cfg.Database.URL, "env wins over file")
	assert.Equal(t, 45*time.Minute, cfg.LockoutDuration())
}

func TestMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}
