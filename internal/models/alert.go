package models

import "time"

// AlertType classifies stored alerts.
type AlertType string

const (
	AlertRegression AlertType = "regression"
)

// Alert is a notification raised by an audit, currently only for regressions.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	AuditID   string    `json:"audit_id"`
	Host      string    `json:"host"`
	CheckIDs  []string  `json:"check_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}
