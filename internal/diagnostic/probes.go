package diagnostic

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/hostaudit/internal/catalog"
	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rcourtman/hostaudit/internal/transport"
	"github.com/rs/zerolog/log"
)

// Probe checks one catalog item with a single remote command.
type Probe struct {
	ID      string
	Command string
	// Classify inspects the command output and reports whether the host is
	// vulnerable, with a one-line explanation.
	Classify func(stdout string) (vulnerable bool, detail string)
}

// ProbeRegistry maps identifiers to probes.
type ProbeRegistry struct {
	probes map[string]Probe
}

// NewProbeRegistry indexes probes by normalised identifier. Later probes
// replace earlier ones with the same identifier.
func NewProbeRegistry(probes ...Probe) *ProbeRegistry {
	r := &ProbeRegistry{probes: make(map[string]Probe, len(probes))}
	for _, p := range probes {
		p.ID = models.NormalizeCheckID(p.ID)
		if p.ID == "" || p.Classify == nil {
			continue
		}
		r.probes[p.ID] = p
	}
	return r
}

// DefaultProbes returns the built-in probe set.
func DefaultProbes() *ProbeRegistry {
	return NewProbeRegistry(builtinProbes...)
}

// Lookup returns the probe for id.
func (r *ProbeRegistry) Lookup(id string) (Probe, bool) {
	p, ok := r.probes[models.NormalizeCheckID(id)]
	return p, ok
}

// IDs lists the registered identifiers in catalog order.
func (r *ProbeRegistry) IDs() []string {
	ids := make([]string, 0, len(r.probes))
	for id := range r.probes {
		ids = append(ids, id)
	}
	return models.SortedIDs(ids)
}

// Run probes every catalog item that has a registered probe; other items
// are left out of the result. A probe that fails on the remote side marks
// its item vulnerable. A timeout or a cancelled context aborts the run and
// returns the error, since no later probe on the same host can succeed.
func (r *ProbeRegistry) Run(ctx context.Context, t transport.Transport, cat *catalog.Catalog, host string, timeout time.Duration) ([]models.Finding, error) {
	defs := cat.Definitions()
	out := make([]models.Finding, 0, len(r.probes))
	for _, def := range defs {
		probe, ok := r.probes[def.ID]
		if !ok {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		res, err := t.Run(cctx, probe.Command)
		cancel()

		var vulnerable bool
		var detail string
		if err != nil {
			if ctx.Err() != nil || auditerrors.IsTimeout(err) {
				return nil, err
			}
			vulnerable, detail = true, fmt.Sprintf("probe failed, treated as vulnerable: %v", err)
			log.Warn().Err(err).Str("host", host).Str("check_id", def.ID).Msg("Probe failed")
		} else {
			vulnerable, detail = probe.Classify(res.Stdout)
		}

		f := models.Finding{
			ID:                def.ID,
			Name:              def.Name,
			Status:            models.StatusSafe,
			Severity:          def.Severity,
			Category:          def.Category,
			Compliance:        append([]string{}, def.Compliance...),
			CurrentValue:      strings.TrimSpace(res.Stdout),
			Details:           []string{detail},
			ManualRemediation: cat.ManualOnly(def.ID),
		}
		if vulnerable {
			f.Status = models.StatusVulnerable
		}
		out = append(out, f)
	}
	return out, nil
}

var (
	passMinLenRe = regexp.MustCompile(`PASS_MIN_LEN\s+(\d+)`)
	statRe       = regexp.MustCompile(`^(\S+)\s+(\S+)\s+([0-7]{3,4})$`)
)

var builtinProbes = []Probe{
	{
		ID:      "U-01",
		Command: `grep -E '^PermitRootLogin' /etc/ssh/sshd_config 2>/dev/null || echo 'PermitRootLogin yes'`,
		Classify: func(out string) (bool, string) {
			fields := strings.Fields(out)
			if len(fields) < 2 || fields[0] != "PermitRootLogin" {
				return true, "PermitRootLogin not set, sshd default allows root"
			}
			switch strings.ToLower(fields[1]) {
			case "no", "prohibit-password", "without-password", "forced-commands-only":
				return false, strings.TrimSpace(out)
			}
			return true, "PermitRootLogin is " + fields[1]
		},
	},
	{
		ID:      "U-02",
		Command: `grep -E '^PASS_MIN_LEN' /etc/login.defs 2>/dev/null || echo 'PASS_MIN_LEN 0'`,
		Classify: func(out string) (bool, string) {
			m := passMinLenRe.FindStringSubmatch(out)
			if m == nil {
				return true, "PASS_MIN_LEN not set"
			}
			n, _ := strconv.Atoi(m[1])
			if n < 8 {
				return true, fmt.Sprintf("minimum password length is %d, 8 or more required", n)
			}
			return false, strings.TrimSpace(out)
		},
	},
	{
		ID:      "U-03",
		Command: `grep -hE '^auth.*(pam_tally2?|pam_faillock)' /etc/pam.d/common-auth /etc/pam.d/system-auth 2>/dev/null || echo 'NOT_SET'`,
		Classify: func(out string) (bool, string) {
			if strings.Contains(out, "NOT_SET") || !(strings.Contains(out, "pam_tally") || strings.Contains(out, "pam_faillock")) {
				return true, "no account lockout module configured"
			}
			return false, "account lockout configured"
		},
	},
	{
		ID:      "U-06",
		Command: `grep -E '^auth.*required.*pam_wheel' /etc/pam.d/su 2>/dev/null || echo 'NOT_SET'`,
		Classify: func(out string) (bool, string) {
			if strings.Contains(out, "NOT_SET") || !strings.Contains(out, "pam_wheel") {
				return true, "su is not restricted to the wheel group"
			}
			return false, "su restricted by pam_wheel"
		},
	},
	{
		ID:      "U-18",
		Command: `stat -c '%U %G %a' /etc/shadow 2>/dev/null || echo 'UNKNOWN'`,
		Classify: func(out string) (bool, string) {
			m := statRe.FindStringSubmatch(strings.TrimSpace(out))
			if m == nil {
				return true, "could not stat /etc/shadow"
			}
			mode, _ := strconv.ParseUint(m[3], 8, 32)
			if m[1] != "root" || mode&0o037 != 0 {
				return true, fmt.Sprintf("/etc/shadow is %s:%s %s, want root owner and mode 640 or stricter", m[1], m[2], m[3])
			}
			return false, strings.TrimSpace(out)
		},
	},
	{
		ID:      "U-36",
		Command: `systemctl list-unit-files --type=service --type=socket --state=enabled 2>/dev/null | grep -E '^(rsh|rlogin|rexec)' || echo 'OK'`,
		Classify: func(out string) (bool, string) {
			out = strings.TrimSpace(out)
			if out == "" || out == "OK" {
				return false, "no r-services enabled"
			}
			if len(out) > 100 {
				out = out[:100]
			}
			return true, "r-services enabled: " + out
		},
	},
	{
		ID:      "U-66",
		Command: `test -f /var/log/auth.log -o -f /var/log/secure && echo 'EXISTS' || echo 'NOT_EXISTS'`,
		Classify: func(out string) (bool, string) {
			if strings.Contains(out, "NOT_EXISTS") || !strings.Contains(out, "EXISTS") {
				return true, "no authentication log found"
			}
			return false, "authentication log present"
		},
	},
}
