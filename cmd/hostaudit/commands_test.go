package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rcourtman/hostaudit/internal/config"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rcourtman/hostaudit/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHosts = `hosts:
  - id: h1
    name: web1
    address: 10.0.0.1
    username: ops
    privileged: true
  - id: h2
    name: db1
    address: 10.0.0.2
    username: ops
    privileged: true
`
	auditResultMatch = "cat '/tmp/hostaudit/"
)

func resetFlags() {
	auditHosts = ""
	auditFallback = false
	remediateNoBackup = false
	remediateVulnerable = false
	historyLimit = 20
	historyAudit = ""
	alertsSince = 0
	alertsUnread = false
	alertsMarkRead = false
	catalogCategory = ""
	jsonOutput = false
	metricsAddrFlag = ""
}

// setupWorkspace points the process at a fresh data and scripts directory.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	require.NoError(t, os.MkdirAll(filepath.Join(scripts, "analysis"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(scripts, "remediation"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "analysis", "audit.sh"), []byte("#!/bin/bash\necho audit\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hosts.yaml"), []byte(testHosts), 0o600))

	t.Setenv("HOSTAUDIT_DATA_DIR", dir)
	t.Setenv("HOSTAUDIT_SCRIPTS_DIR", scripts)
	t.Setenv("HOSTAUDIT_METRICS_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func useFakeDialer(t *testing.T) *transport.FakeDialer {
	t.Helper()
	d := transport.NewFakeDialer()
	old := newDialer
	newDialer = func(*config.Config) (transport.Dialer, error) { return d, nil }
	t.Cleanup(func() { newDialer = old })
	return d
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit }()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hostaudit 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = runCLI(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestCatalogCmd(t *testing.T) {
	setupWorkspace(t)

	out, err := runCLI(t, "catalog")
	require.NoError(t, err)
	assert.Contains(t, out, "U-01")
	assert.Contains(t, out, "soft success yes")
	assert.Contains(t, out, "stub threshold 100 bytes")

	out, err = runCLI(t, "--json", "catalog")
	require.NoError(t, err)
	var defs []models.CheckDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))
	assert.NotEmpty(t, defs)
	assert.Equal(t, "U-01", defs[0].ID)
}

func TestAuditCmdRecordsHistory(t *testing.T) {
	setupWorkspace(t)
	dialer := useFakeDialer(t)
	dialer.Host("web1").On(auditResultMatch, transport.Result{
		Stdout: `[{"check_id":"U-01","status":"SAFE"},{"check_id":"U-18","status":"VULNERABLE"}]`,
	})

	out, err := runCLI(t, "audit", "--hosts", "web*")
	require.NoError(t, err)
	assert.Contains(t, out, "web1")
	assert.NotContains(t, out, "db1")
	assert.Empty(t, dialer.Host("db1").Commands())

	out, err = runCLI(t, "--json", "history", "web1")
	require.NoError(t, err)
	var snaps []models.AuditSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "web1", snaps[0].Host)
	require.Len(t, snaps[0].Findings, 2)

	out, err = runCLI(t, "history", "web1", "--audit", snaps[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "U-18")
	assert.Contains(t, out, "vulnerable")

	// The raw result is kept on disk under the data directory.
	matches, err := filepath.Glob(filepath.Join(os.Getenv("HOSTAUDIT_DATA_DIR"), "*", "web1", "*", "*"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestAuditCmdReportsFailedHosts(t *testing.T) {
	setupWorkspace(t)
	dialer := useFakeDialer(t)
	dialer.Host("web1").On(auditResultMatch, transport.Result{Stdout: `[{"check_id":"U-01","status":"SAFE"}]`})
	dialer.Fail("db1", errors.New("connection refused"))

	out, err := runCLI(t, "--json", "audit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 hosts failed")

	var results []struct {
		Host     string                `json:"host"`
		Snapshot *models.AuditSnapshot `json:"snapshot"`
		Error    string                `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	byHost := map[string]int{}
	for i, r := range results {
		byHost[r.Host] = i
	}
	db := results[byHost["db1"]]
	assert.Nil(t, db.Snapshot)
	assert.Contains(t, db.Error, "connection refused")
	web := results[byHost["web1"]]
	require.NotNil(t, web.Snapshot)
	assert.Empty(t, web.Error)
}

func TestAuditCmdUnknownHostPattern(t *testing.T) {
	setupWorkspace(t)
	useFakeDialer(t)

	_, err := runCLI(t, "audit", "--hosts", "mail*")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mail*")
}

func TestAlertsCmdListsRegressions(t *testing.T) {
	setupWorkspace(t)
	dialer := useFakeDialer(t)
	web := dialer.Host("web1")
	web.On(auditResultMatch, transport.Result{Stdout: `[{"check_id":"U-01","status":"SAFE"}]`})

	_, err := runCLI(t, "audit", "--hosts", "web1")
	require.NoError(t, err)

	web.On(auditResultMatch, transport.Result{Stdout: `[{"check_id":"U-01","status":"VULNERABLE"}]`})
	_, err = runCLI(t, "audit", "--hosts", "web1")
	require.NoError(t, err)

	out, err := runCLI(t, "--json", "alerts", "--unread", "--mark-read")
	require.NoError(t, err)
	var alerts []models.Alert
	require.NoError(t, json.Unmarshal([]byte(out), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "web1", alerts[0].Host)
	assert.Equal(t, []string{"U-01"}, alerts[0].CheckIDs)

	out, err = runCLI(t, "--json", "alerts", "--unread")
	require.NoError(t, err)
	alerts = nil
	require.NoError(t, json.Unmarshal([]byte(out), &alerts))
	assert.Empty(t, alerts)
}

func TestDiffCmd(t *testing.T) {
	setupWorkspace(t)
	dialer := useFakeDialer(t)
	web := dialer.Host("web1")
	web.On(auditResultMatch, transport.Result{Stdout: `[{"check_id":"U-01","status":"SAFE"},{"check_id":"U-18","status":"VULNERABLE"}]`})
	_, err := runCLI(t, "audit", "--hosts", "web1")
	require.NoError(t, err)

	web.On(auditResultMatch, transport.Result{Stdout: `[{"check_id":"U-01","status":"VULNERABLE"},{"check_id":"U-18","status":"SAFE"}]`})
	_, err = runCLI(t, "audit", "--hosts", "web1")
	require.NoError(t, err)

	out, err := runCLI(t, "--json", "history", "web1")
	require.NoError(t, err)
	var snaps []models.AuditSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 2)

	out, err = runCLI(t, "diff", snaps[1].ID, snaps[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "U-01")
	assert.Contains(t, out, "U-18")
}

func TestRemediateCmdManualOnly(t *testing.T) {
	setupWorkspace(t)
	dialer := useFakeDialer(t)

	out, err := runCLI(t, "remediate", "web1", "u23")
	require.NoError(t, err)
	assert.Contains(t, out, "U-23")
	assert.Contains(t, out, "manual")
	assert.Contains(t, out, "applied 0, manual 1, failed 0")
	assert.Empty(t, dialer.Host("web1").Commands())
}

func TestRemediateCmdNeedsIdentifiers(t *testing.T) {
	setupWorkspace(t)
	useFakeDialer(t)

	_, err := runCLI(t, "remediate", "web1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no identifiers")

	_, err = runCLI(t, "remediate", "web1", "--vulnerable")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a prior audit")

	_, err = runCLI(t, "remediate", "mail1", "U-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}
