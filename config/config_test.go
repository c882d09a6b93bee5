package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaultsPartially(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  udp: "0.0.0.0:5353"
logging:
  level: debug
blocklist:
  - ads.example.
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:5353", cfg.Listen.UDP)
	require.Equal(t, "127.0.0.1:53", cfg.Listen.TCP, "unset fields keep Default()'s value")
	require.Equal(t, []string{"ads.example."}, cfg.Blocklist)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsNoListeners(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  udp: ""
  tcp: ""
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsIncompleteTrustAnchor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trust_anchors:
  - zone: "."
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "warn"
	require.Equal(t, "WARN", cfg.LogLevel().String())

	cfg.Logging.Level = "unknown"
	require.Equal(t, "INFO", cfg.LogLevel().String())
}
