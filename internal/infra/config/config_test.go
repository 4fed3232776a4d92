package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	// WriteFile perms are masked by umask; chmod so the file has exactly perm.
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "local", cfg.Gateway.Mode)
	assert.Equal(t, "operator", cfg.Gateway.Role)
	assert.Equal(t, []string{"chat", "sessions"}, cfg.Gateway.Scopes)
	assert.Equal(t, 6*time.Second, cfg.Gateway.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Gateway.RequestTimeout)
	assert.True(t, cfg.Daemon.Autostart)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.False(t, cfg.Tracer.Enabled)
	require.NoError(t, Validate(cfg))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Gateway.Mode)
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeConfig(t, `
gateway:
  mode: remote
  role: viewer
  scopes: [chat]
  connect_timeout: 10s
daemon:
  autostart: false
  start_deadline: 9s
logger:
  level: debug
  format: json
tracer:
  enabled: true
  exporter: stdout
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.Gateway.Mode)
	assert.Equal(t, "viewer", cfg.Gateway.Role)
	assert.Equal(t, []string{"chat"}, cfg.Gateway.Scopes)
	assert.Equal(t, 10*time.Second, cfg.Gateway.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Gateway.RequestTimeout, "unset fields keep defaults")
	assert.False(t, cfg.Daemon.Autostart)
	assert.Equal(t, 9*time.Second, cfg.Daemon.StartDeadline)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, "stdout", cfg.Tracer.Exporter)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "gateway: [not a map", 0o600)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROOST_GATEWAY_ROLE", "admin")
	t.Setenv("ROOST_GATEWAY_SCOPES", " chat , sessions ,, usage ")
	t.Setenv("ROOST_GATEWAY_REQUEST_TIMEOUT", "45s")
	t.Setenv("ROOST_NO_AUTOSTART", "1")
	t.Setenv("ROOST_LOGGER_LEVEL", "debug")
	t.Setenv("ROOST_TRACER_ENABLED", "true")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, "admin", cfg.Gateway.Role)
	assert.Equal(t, []string{"chat", "sessions", "usage"}, cfg.Gateway.Scopes)
	assert.Equal(t, 45*time.Second, cfg.Gateway.RequestTimeout)
	assert.False(t, cfg.Daemon.Autostart)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Tracer.Enabled)
}

func TestEnvOverrideIgnoresBadDuration(t *testing.T) {
	t.Setenv("ROOST_GATEWAY_CONNECT_TIMEOUT", "soon")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 6*time.Second, cfg.Gateway.ConnectTimeout)
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Mode = "p2p"
	cfg.Gateway.Role = ""
	cfg.Gateway.ConnectTimeout = 0
	cfg.Logger.Level = "loud"
	cfg.Tracer.Exporter = "jaeger"

	err := Validate(cfg)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 5)
	assert.Contains(t, err.Error(), "gateway.mode")
	assert.Contains(t, err.Error(), "logger.level")
}

func TestValidatePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	for _, perm := range []os.FileMode{0o600, 0o644} {
		path := writeConfig(t, "gateway: {mode: local}", perm)
		_, err := Load(path)
		assert.NoError(t, err, "perm %o", perm)
	}

	path := writeConfig(t, "gateway: {mode: local}", 0o666)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}
