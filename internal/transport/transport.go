// Package transport runs commands on audited hosts and stages files there.
//
// A non-zero exit status is not an error: Run reports it in Result and only
// returns an error when the command could not be run or did not finish in
// time.
package transport

import (
	"context"
	"os"
	"strings"

	"github.com/rcourtman/hostaudit/internal/models"
)

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
	}
}

// Transport is one session with one host. Implementations need not be safe
// for concurrent use; each audit or remediation call owns its session.
type Transport interface {
	Run(ctx context.Context, cmd string) (Result, error)
	Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, host models.Host) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host models.Host) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, host models.Host) (Transport, error) {
	return f(ctx, host)
}

// ShellQuote wraps s in single quotes for POSIX sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ShellCommand runs script under sh -c with args bound to $1, $2 and so on.
// script is fixed text; every caller-supplied value goes in args, quoted.
func ShellCommand(script string, args ...string) string {
	var b strings.Builder
	b.WriteString("sh -c ")
	b.WriteString(ShellQuote(script))
	b.WriteString(" hostaudit")
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(ShellQuote(a))
	}
	return b.String()
}
