// Package models holds the records shared by the audit, remediation and
// history packages.
package models

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Severity ranks how damaging a failed check is.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ParseSeverity maps free text onto a Severity, defaulting to medium.
func ParseSeverity(raw string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityHigh:
		return SeverityHigh
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Status is the compliance state of a single check on a single host.
type Status string

const (
	StatusSafe       Status = "safe"
	StatusVulnerable Status = "vulnerable"
	StatusManual     Status = "manual"
	// StatusFixed marks a finding whose remediation was verified on the host.
	StatusFixed Status = "fixed"
)

// ParseStatus accepts the upper-case tokens emitted by audit scripts
// (SAFE, VULNERABLE, MANUAL) as well as the lower-case stored form.
// Anything unrecognised, including an empty value, is treated as safe.
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "VULNERABLE":
		return StatusVulnerable
	case "MANUAL":
		return StatusManual
	case "FIXED":
		return StatusFixed
	default:
		return StatusSafe
	}
}

// Compliant reports whether the status counts as passing.
func (s Status) Compliant() bool {
	return s == StatusSafe || s == StatusFixed
}

// NonCompliant reports whether the status counts as failing.
func (s Status) NonCompliant() bool {
	return s == StatusVulnerable || s == StatusManual
}

// CheckDefinition is the static metadata of one catalog item.
type CheckDefinition struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	Severity   Severity `json:"severity" yaml:"severity"`
	Category   string   `json:"category" yaml:"category"`
	Compliance []string `json:"compliance" yaml:"compliance"`
	ManualOnly bool     `json:"manual_only" yaml:"manual_only"`
}

// Finding is the audited state of one check on one host.
type Finding struct {
	ID                string   `json:"check_id"`
	Name              string   `json:"name"`
	Status            Status   `json:"status"`
	Severity          Severity `json:"severity"`
	Category          string   `json:"category"`
	Compliance        []string `json:"compliance"`
	CurrentValue      string   `json:"current_value"`
	ExpectedValue     string   `json:"expected_value"`
	Details           []string `json:"details"`
	ManualRemediation bool     `json:"requires_manual_remediation"`
	OSType            string   `json:"os_type,omitempty"`
	OSVersion         string   `json:"os_version,omitempty"`
}

// AuditSnapshot is one completed audit of one host.
type AuditSnapshot struct {
	ID            string    `json:"audit_id"`
	Host          string    `json:"host"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	Findings      []Finding `json:"findings"`
	HostState     []string  `json:"host_state"`
	Regression    bool      `json:"regression_detected"`
	RegressionIDs []string  `json:"regression_ids,omitempty"`
	BackupCreated bool      `json:"last_backup_created"`
	// AmendedAt is set when a later remediation folded results into this
	// audit. CompletedAt is never moved by an amendment.
	AmendedAt     time.Time `json:"amended_at,omitzero"`
}

// Finding returns a pointer into the snapshot's finding list.
func (s *AuditSnapshot) Finding(id string) (*Finding, bool) {
	id = NormalizeCheckID(id)
	for i := range s.Findings {
		if s.Findings[i].ID == id {
			return &s.Findings[i], true
		}
	}
	return nil, false
}

// StatusByID indexes the snapshot's findings by identifier.
func (s *AuditSnapshot) StatusByID() map[string]Status {
	out := make(map[string]Status, len(s.Findings))
	for _, f := range s.Findings {
		out[f.ID] = f.Status
	}
	return out
}

// Counts tallies findings per status.
func (s *AuditSnapshot) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, f := range s.Findings {
		out[f.Status]++
	}
	return out
}

// Clone returns a deep copy safe to mutate.
func (s *AuditSnapshot) Clone() *AuditSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Findings = make([]Finding, len(s.Findings))
	for i, f := range s.Findings {
		f.Compliance = append([]string(nil), f.Compliance...)
		f.Details = append([]string(nil), f.Details...)
		out.Findings[i] = f
	}
	out.HostState = append([]string(nil), s.HostState...)
	out.RegressionIDs = append([]string(nil), s.RegressionIDs...)
	return &out
}

// Host is the registry record for one audited machine. Credentials are
// passed through to the transport untouched.
type Host struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Address    string `json:"address" yaml:"address"`
	Port       int    `json:"port" yaml:"port"`
	Username   string `json:"username" yaml:"username"`
	Password   string `json:"-" yaml:"password,omitempty"`
	KeyFile    string `json:"-" yaml:"key_file,omitempty"`
	Privileged bool   `json:"privileged" yaml:"privileged"`
}

// Label returns the name used for storage paths and log fields.
func (h Host) Label() string {
	for _, candidate := range []string{h.Name, h.ID, h.Address} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return "unknown"
}

// Endpoint returns address:port, defaulting the port to 22.
func (h Host) Endpoint() string {
	port := h.Port
	if port <= 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", h.Address, port)
}

var checkIDPattern = regexp.MustCompile(`(?i)^([a-z]+)-?0*(\d+)$`)

// NormalizeCheckID canonicalises identifiers such as "u1", "U01" or " u-01 "
// to "U-01". Identifiers that do not look like PREFIX-NUMBER are only trimmed
// and upper-cased.
func NormalizeCheckID(id string) string {
	id = strings.ToUpper(strings.TrimSpace(id))
	m := checkIDPattern.FindStringSubmatch(id)
	if m == nil {
		return id
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return id
	}
	return fmt.Sprintf("%s-%02d", m[1], n)
}

// SortedIDs returns the identifiers in natural catalog order.
func SortedIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		return lessCheckID(out[i], out[j])
	})
	return out
}

func lessCheckID(a, b string) bool {
	ma := checkIDPattern.FindStringSubmatch(a)
	mb := checkIDPattern.FindStringSubmatch(b)
	if ma != nil && mb != nil && strings.EqualFold(ma[1], mb[1]) {
		na, _ := strconv.Atoi(ma[2])
		nb, _ := strconv.Atoi(mb[2])
		return na < nb
	}
	return a < b
}
