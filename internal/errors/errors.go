package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrTransport      = errors.New("transport failure")
	ErrTimeout        = errors.New("timeout")
	ErrParse          = errors.New("parse failure")
	ErrScriptMissing  = errors.New("remediation script missing")
	ErrScriptStub     = errors.New("remediation script is a stub")
	ErrVerification   = errors.New("remediation not verified")
	ErrConfiguration  = errors.New("configuration error")
	ErrNotFound       = errors.New("not found")
	ErrAuthentication = errors.New("authentication failed")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeTransport     ErrorType = "transport"
	ErrorTypeAuth          ErrorType = "auth"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeParse         ErrorType = "parse"
	ErrorTypeScript        ErrorType = "script"
	ErrorTypeVerification  ErrorType = "verification"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeNotFound      ErrorType = "not_found"
)

// AuditError is a structured error for audit and remediation operations
type AuditError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "connect", "run_audit")
	Host      string // Host label where the error occurred
	CheckID   string // Check identifier if applicable
	Path      string // Artifact path for parse failures
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *AuditError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	switch {
	case e.Host != "" && e.CheckID != "":
		fmt.Fprintf(&b, " on %s/%s", e.Host, e.CheckID)
	case e.Host != "":
		fmt.Fprintf(&b, " on %s", e.Host)
	case e.CheckID != "":
		fmt.Fprintf(&b, " for %s", e.CheckID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *AuditError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AuditError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTransport:
		return e.Type == ErrorTypeTransport || e.Type == ErrorTypeTimeout || e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrAuthentication:
		return e.Type == ErrorTypeAuth
	case ErrParse:
		return e.Type == ErrorTypeParse
	case ErrVerification:
		return e.Type == ErrorTypeVerification
	case ErrConfiguration:
		return e.Type == ErrorTypeConfiguration
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	}

	return errors.Is(e.Err, target)
}

// NewAuditError creates a new AuditError
func NewAuditError(errorType ErrorType, op, host string, err error) *AuditError {
	return &AuditError{
		Type:      errorType,
		Op:        op,
		Host:      host,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithCheck adds the check identifier to the error
func (e *AuditError) WithCheck(checkID string) *AuditError {
	e.CheckID = checkID
	return e
}

// WithPath adds the artifact path to the error
func (e *AuditError) WithPath(path string) *AuditError {
	e.Path = path
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// Helper functions

// WrapTransportError classifies a transport failure. Deadline and timeout
// errors become ErrorTypeTimeout so callers can tell a hung host apart from
// a refused one.
func WrapTransportError(op, host string, err error) error {
	if err == nil {
		return nil
	}
	var existing *AuditError
	if errors.As(err, &existing) {
		return err
	}
	switch {
	case isTimeout(err):
		return NewAuditError(ErrorTypeTimeout, op, host, err)
	case errors.Is(err, ErrAuthentication) || looksLikeAuth(err):
		return NewAuditError(ErrorTypeAuth, op, host, err)
	default:
		return NewAuditError(ErrorTypeTransport, op, host, err)
	}
}

// NewParseFailure records an artifact that could not be decoded even after repair.
func NewParseFailure(path string, err error) *AuditError {
	return NewAuditError(ErrorTypeParse, "parse_result", "", err).WithPath(path)
}

// NewConfigurationError reports a missing precondition such as an unknown
// host or an absent scripts directory.
func NewConfigurationError(op, detail string) *AuditError {
	return NewAuditError(ErrorTypeConfiguration, op, "", fmt.Errorf("%w: %s", ErrConfiguration, detail))
}

// NewVerificationFailure reports a remediation that ran but was not confirmed.
func NewVerificationFailure(host, checkID, reason string) *AuditError {
	return NewAuditError(ErrorTypeVerification, "verify_remediation", host, errors.New(reason)).WithCheck(checkID)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var auditErr *AuditError
	if errors.As(err, &auditErr) {
		return auditErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}

// IsTimeout reports whether err is (or wraps) a timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) || isTimeout(err)
}

// IsConfigurationError reports whether err aborts the whole operation.
func IsConfigurationError(err error) bool {
	return err != nil && errors.Is(err, ErrConfiguration)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return false
}

func looksLikeAuth(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "permission denied (publickey")
}
