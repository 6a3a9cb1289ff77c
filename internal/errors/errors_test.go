package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func TestWrapTransportErrorClassifiesTimeouts(t *testing.T) {
	for _, cause := range []error{context.DeadlineExceeded, netTimeout{}, fmt.Errorf("dial: %w", netTimeout{})} {
		err := WrapTransportError("connect", "web-01", cause)
		if !IsTimeout(err) {
			t.Fatalf("expected timeout classification for %v", cause)
		}
		if !errors.Is(err, ErrTransport) {
			t.Fatalf("timeouts should also match ErrTransport: %v", err)
		}
		if !IsRetryableError(err) {
			t.Fatalf("timeouts should be retryable")
		}
	}
}

func TestWrapTransportErrorAuth(t *testing.T) {
	err := WrapTransportError("connect", "web-01", errors.New("ssh: handshake failed: ssh: unable to authenticate"))
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected auth classification, got %v", err)
	}
	if IsRetryableError(err) {
		t.Fatal("auth errors must not be retryable")
	}
}

func TestWrapTransportErrorKeepsExisting(t *testing.T) {
	inner := NewAuditError(ErrorTypeTransport, "exec", "a", errors.New("boom"))
	if got := WrapTransportError("connect", "b", inner); got != error(inner) {
		t.Fatalf("expected existing error to pass through, got %v", got)
	}
	if WrapTransportError("x", "y", nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestParseFailureMessage(t *testing.T) {
	err := NewParseFailure("/data/web/1/result.json", errors.New("invalid character"))
	if !errors.Is(err, ErrParse) {
		t.Fatal("expected ErrParse")
	}
	msg := err.Error()
	if !strings.Contains(msg, "result.json") || !strings.Contains(msg, "invalid character") {
		t.Fatalf("message should carry path and cause: %s", msg)
	}
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("apply_remediation", "scripts directory missing")
	if !IsConfigurationError(err) {
		t.Fatal("expected configuration error")
	}
	if IsConfigurationError(errors.New("other")) {
		t.Fatal("plain error is not configuration")
	}
}

func TestVerificationFailure(t *testing.T) {
	err := NewVerificationFailure("web-01", "U-02", "status=VULNERABLE")
	if !errors.Is(err, ErrVerification) {
		t.Fatal("expected ErrVerification")
	}
	if !strings.Contains(err.Error(), "web-01/U-02") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
