package models

// RemediationState tracks one identifier through a remediation call.
type RemediationState string

const (
	RemediationPending        RemediationState = "pending"
	RemediationManualRequired RemediationState = "manual_required"
	RemediationStaged         RemediationState = "staged"
	RemediationExecuted       RemediationState = "executed"
	RemediationVerified       RemediationState = "verified"
	RemediationUnverified     RemediationState = "unverified"
	RemediationExecFailed     RemediationState = "exec_failed"
)

// Terminal reports whether no further transition is possible.
func (s RemediationState) Terminal() bool {
	switch s {
	case RemediationManualRequired, RemediationVerified, RemediationUnverified, RemediationExecFailed:
		return true
	}
	return false
}

// RemediationOutcome is the per-identifier result of one remediation call.
// It is not persisted on its own; its details are folded into the finding.
type RemediationOutcome struct {
	CheckID string           `json:"check_id"`
	State   RemediationState `json:"state"`
	Script  string           `json:"script,omitempty"`
	Details []string         `json:"details,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	// Skipped is set when the identifier was already compliant and no
	// script was executed.
	Skipped bool `json:"skipped,omitempty"`
}

// Applied reports whether the outcome counts as a successful remediation.
func (o RemediationOutcome) Applied() bool {
	return o.State == RemediationVerified
}

// FailedRemediation names an identifier that ran but could not be confirmed.
type FailedRemediation struct {
	CheckID string `json:"code"`
	Reason  string `json:"reason"`
}

// RemediationReport aggregates one remediation call. Every requested
// identifier appears in exactly one of Applied, ManualRequired or Failed.
type RemediationReport struct {
	Host           string               `json:"host"`
	AuditID        string               `json:"audit_id,omitempty"`
	Applied        []string             `json:"applied"`
	AppliedDetails map[string][]string  `json:"applied_details"`
	ManualRequired []string             `json:"manual_required"`
	Failed         []FailedRemediation  `json:"failed"`
	Outcomes       []RemediationOutcome `json:"outcomes"`
	HostState      []string             `json:"snapshot_after"`
	// PrivilegeAttempted is true when a non-interactive escalation probe ran.
	PrivilegeAttempted bool `json:"privilege_attempted"`
	// PrivilegeEscalated is true when commands ran with the escalation prefix.
	PrivilegeEscalated bool `json:"privilege_escalated"`
	BackupCreated      bool `json:"backup_created"`
}

// Record files an outcome into the matching aggregate list.
func (r *RemediationReport) Record(o RemediationOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.State {
	case RemediationVerified:
		r.Applied = append(r.Applied, o.CheckID)
		if len(o.Details) > 0 {
			if r.AppliedDetails == nil {
				r.AppliedDetails = make(map[string][]string)
			}
			r.AppliedDetails[o.CheckID] = o.Details
		}
	case RemediationManualRequired:
		r.ManualRequired = append(r.ManualRequired, o.CheckID)
	default:
		r.Failed = append(r.Failed, FailedRemediation{CheckID: o.CheckID, Reason: o.Reason})
	}
}
