package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HOSTAUDIT_DATA_DIR", "HOSTAUDIT_DB_PATH", "HOSTAUDIT_SCRIPTS_DIR", "HOSTAUDIT_HOSTS_FILE",
		"HOSTAUDIT_POLICY_FILE", "HOSTAUDIT_KNOWN_HOSTS", "HOSTAUDIT_METRICS_ADDR",
		"HOSTAUDIT_COMMAND_TIMEOUT", "HOSTAUDIT_SCRIPT_TIMEOUT", "HOSTAUDIT_CONNECT_TIMEOUT",
		"HOSTAUDIT_CONCURRENCY", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
	} {
		t.Setenv(k, "")
	}
	// Keep a stray .env in the package directory from leaking in.
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOSTAUDIT_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "history.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dir, "known_hosts"), cfg.KnownHosts)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 10*time.Minute, cfg.ScriptTimeout)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, filepath.Join("scripts", "analysis", "audit.sh"), cfg.AnalysisScript())
	assert.Equal(t, filepath.Join("scripts", "remediation"), cfg.RemediationDir())
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOSTAUDIT_DATA_DIR", t.TempDir())
	t.Setenv("HOSTAUDIT_COMMAND_TIMEOUT", "45")
	t.Setenv("HOSTAUDIT_SCRIPT_TIMEOUT", "20m")
	t.Setenv("HOSTAUDIT_CONCURRENCY", "8")
	t.Setenv("HOSTAUDIT_DB_PATH", "/var/lib/hostaudit/h.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 20*time.Minute, cfg.ScriptTimeout)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "/var/lib/hostaudit/h.db", cfg.DBPath)
	assert.True(t, cfg.EnvOverrides["commandTimeout"])
	assert.True(t, cfg.EnvOverrides["dbPath"])
	assert.False(t, cfg.EnvOverrides["connectTimeout"])
}

func TestLoadDotEnvFromDataDir(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("HOSTAUDIT_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HOSTAUDIT_CONCURRENCY=2\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HOSTAUDIT_CONCURRENCY") })
	os.Unsetenv("HOSTAUDIT_CONCURRENCY")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Concurrency)
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOSTAUDIT_DATA_DIR", t.TempDir())
	t.Setenv("HOSTAUDIT_COMMAND_TIMEOUT", "soon")
	_, err := Load()
	assert.ErrorContains(t, err, "HOSTAUDIT_COMMAND_TIMEOUT")

	t.Setenv("HOSTAUDIT_COMMAND_TIMEOUT", "")
	t.Setenv("HOSTAUDIT_CONCURRENCY", "0")
	_, err = Load()
	assert.ErrorContains(t, err, "concurrency")
}

func TestValidate(t *testing.T) {
	base := Config{DataDir: "d", CommandTimeout: time.Minute, ScriptTimeout: time.Hour, ConnectTimeout: time.Second, Concurrency: 1}
	require.NoError(t, base.Validate())

	c := base
	c.ScriptTimeout = time.Second
	assert.Error(t, c.Validate())

	c = base
	c.ConnectTimeout = 0
	assert.Error(t, c.Validate())
}

const registryYAML = `
hosts:
  - name: web-01
    address: 192.0.2.10
    username: audit
    password: secret
  - name: web-02
    id: srv-2
    address: 192.0.2.11
    port: 2222
    username: audit
    key_file: /keys/id_ed25519
    privileged: true
  - name: db-01
    address: 192.0.2.20
    username: root
    password: hunter2
`

func TestHostRegistry(t *testing.T) {
	reg, err := ParseHosts([]byte(registryYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())

	h, err := reg.Lookup("srv-2")
	require.NoError(t, err)
	assert.Equal(t, "web-02", h.Name)
	assert.Equal(t, 2222, h.Port)
	assert.True(t, h.Privileged)
	assert.Equal(t, "/keys/id_ed25519", h.KeyFile)

	_, err = reg.Lookup("mail-01")
	assert.True(t, auditerrors.IsConfigurationError(err))

	var got []string
	for _, h := range reg.Select("web-*") {
		got = append(got, h.Label())
	}
	assert.Equal(t, []string{"web-01", "web-02"}, got)

	got = nil
	for _, h := range reg.Select("db-01, srv-?") {
		got = append(got, h.Label())
	}
	assert.Equal(t, []string{"db-01", "web-02"}, got)

	assert.Len(t, reg.Select(), 3)
	assert.Empty(t, reg.Select("nothing*"))
}

func TestHostRegistryRejectsInvalid(t *testing.T) {
	_, err := ParseHosts([]byte("hosts:\n  - name: a\n"))
	assert.True(t, auditerrors.IsConfigurationError(err))

	_, err = ParseHosts([]byte("hosts:\n  - {name: a, address: x}\n  - {name: a, address: y}\n"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = ParseHosts([]byte("hosts: [unclosed"))
	assert.Error(t, err)

	_, err = LoadHosts("")
	assert.True(t, auditerrors.IsConfigurationError(err))
}
