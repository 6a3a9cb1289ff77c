package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"VULNERABLE": StatusVulnerable,
		"vulnerable": StatusVulnerable,
		" Manual ":   StatusManual,
		"SAFE":       StatusSafe,
		"":           StatusSafe,
		"weird":      StatusSafe,
		"fixed":      StatusFixed,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ParseStatus(raw), "raw=%q", raw)
	}
}

func TestStatusCompliance(t *testing.T) {
	assert.True(t, StatusSafe.Compliant())
	assert.True(t, StatusFixed.Compliant())
	assert.False(t, StatusVulnerable.Compliant())
	assert.True(t, StatusManual.NonCompliant())
	assert.False(t, StatusFixed.NonCompliant())
}

func TestNormalizeCheckID(t *testing.T) {
	cases := map[string]string{
		"U-01":     "U-01",
		"u01":      "U-01",
		"U-1":      "U-01",
		" u-18 ":   "U-18",
		"U-67":     "U-67",
		"u100":     "U-100",
		"PLAYBOOK": "PLAYBOOK",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeCheckID(in), "in=%q", in)
	}
}

func TestSortedIDs(t *testing.T) {
	got := SortedIDs([]string{"U-10", "U-02", "U-100", "U-01"})
	assert.Equal(t, []string{"U-01", "U-02", "U-10", "U-100"}, got)
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	snap := &AuditSnapshot{
		ID:        "a1",
		Findings:  []Finding{{ID: "U-01", Status: StatusSafe, Details: []string{"x"}}},
		HostState: []string{"PermitRootLogin no"},
	}
	clone := snap.Clone()
	clone.Findings[0].Details[0] = "changed"
	clone.HostState[0] = "changed"

	assert.Equal(t, "x", snap.Findings[0].Details[0])
	assert.Equal(t, "PermitRootLogin no", snap.HostState[0])

	f, ok := clone.Finding("u1")
	require.True(t, ok)
	assert.Equal(t, "U-01", f.ID)
}

func TestReportRecord(t *testing.T) {
	var r RemediationReport
	r.Record(RemediationOutcome{CheckID: "U-01", State: RemediationVerified, Details: []string{"before: yes"}})
	r.Record(RemediationOutcome{CheckID: "U-23", State: RemediationManualRequired})
	r.Record(RemediationOutcome{CheckID: "U-02", State: RemediationUnverified, Reason: "not safe"})
	r.Record(RemediationOutcome{CheckID: "U-30", State: RemediationExecFailed, Reason: "exit 1"})

	assert.Equal(t, []string{"U-01"}, r.Applied)
	assert.Equal(t, []string{"U-23"}, r.ManualRequired)
	require.Len(t, r.Failed, 2)
	assert.Equal(t, "U-02", r.Failed[0].CheckID)
	assert.Equal(t, []string{"before: yes"}, r.AppliedDetails["U-01"])
	assert.Len(t, r.Outcomes, 4)
}

func TestHostLabelAndEndpoint(t *testing.T) {
	h := Host{ID: "srv-1", Address: "10.0.0.5"}
	assert.Equal(t, "srv-1", h.Label())
	assert.Equal(t, "10.0.0.5:22", h.Endpoint())

	h.Name = "web-01"
	h.Port = 2222
	assert.Equal(t, "web-01", h.Label())
	assert.Equal(t, "10.0.0.5:2222", h.Endpoint())
}
