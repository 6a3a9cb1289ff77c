package transport

import (
	"context"
	"os"

	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	// EscalationPrefix runs a command through non-interactive sudo.
	EscalationPrefix = "sudo -n "
	escalationProbe  = "sudo -n true"
)

// Privileged decorates a Transport with an escalation prefix chosen once per
// session. Uploads always run as the login user.
type Privileged struct {
	Transport
	prefix    string
	attempted bool
}

// Escalate decides the prefix for the session. Hosts whose login account is
// already privileged are not probed. A refused or failed probe leaves the
// session unprivileged; commands that need root will then fail on their own.
// A timeout or a cancelled context is returned, since the host is not
// answering and nothing run afterwards could succeed.
func Escalate(ctx context.Context, t Transport, host models.Host) (*Privileged, error) {
	p := &Privileged{Transport: t}
	if host.Privileged {
		return p, nil
	}

	p.attempted = true
	res, err := t.Run(ctx, escalationProbe)
	if err != nil && (ctx.Err() != nil || auditerrors.IsTimeout(err)) {
		return nil, err
	}
	if err != nil || !res.OK() {
		log.Warn().
			Err(err).
			Str("host", host.Label()).
			Int("exit_code", res.ExitCode).
			Msg("Non-interactive privilege escalation unavailable, continuing unprivileged")
		return p, nil
	}
	p.prefix = EscalationPrefix
	log.Debug().Str("host", host.Label()).Msg("Privilege escalation available")
	return p, nil
}

// Run prefixes cmd with the escalation prefix, if any.
func (p *Privileged) Run(ctx context.Context, cmd string) (Result, error) {
	return p.Transport.Run(ctx, p.prefix+cmd)
}

// Upload delegates to the underlying session.
func (p *Privileged) Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	return p.Transport.Upload(ctx, path, data, mode)
}

// Prefix returns the prefix prepended to every command.
func (p *Privileged) Prefix() string { return p.prefix }

// Attempted reports whether an escalation probe ran.
func (p *Privileged) Attempted() bool { return p.attempted }

// Escalated reports whether commands run with the escalation prefix.
func (p *Privileged) Escalated() bool { return p.prefix != "" }

// Unprivileged returns the undecorated session.
func (p *Privileged) Unprivileged() Transport { return p.Transport }
