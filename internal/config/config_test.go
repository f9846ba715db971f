package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
store:
  path: /var/lib/warpgate/db.sqlite3
ssh:
  enabled: true
  address: "0.0.0.0:2222"
  host_key_files: ["/etc/warpgate/ssh_host_ed25519_key"]
http:
  enabled: true
  address: "0.0.0.0:8888"
  cert_file: "/etc/warpgate/tls.crt"
  key_file: "/etc/warpgate/tls.key"
retention_days: 7
external_url: "https://bastion.example.com"
`

func TestLoadParsesAndFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warpgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/warpgate/db.sqlite3", cfg.Store.Path)
	require.True(t, cfg.SSH.Enabled)
	require.Equal(t, "0.0.0.0:2222", cfg.SSH.Address)
	require.Equal(t, []string{"/etc/warpgate/ssh_host_ed25519_key"}, cfg.SSH.HostKeyFiles)
	require.Equal(t, "0.0.0.0:8888", cfg.HTTP.Address)
	require.Equal(t, 7, cfg.RetentionDays)
	require.Equal(t, "https://bastion.example.com", cfg.ExternalURL)

	require.Equal(t, 10*time.Minute, cfg.Limits.IdleTimeout)
	require.Equal(t, "recordings", cfg.Recording.DataDir)
	require.Equal(t, 5, cfg.LoginProtection.IPMaxAttempts)
}

func TestCheckAndSetDefaultsRequiresStorePath(t *testing.T) {
	var cfg Config
	require.Error(t, cfg.CheckAndSetDefaults())
}

func TestRetentionDuration(t *testing.T) {
	cfg := Config{RetentionDays: 3}
	require.Equal(t, 72*time.Hour, cfg.RetentionDuration())
}
