// Package remediation applies per-item corrective scripts to a host and
// confirms each one through the result artifact the script leaves behind.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/hostaudit/internal/artifacts"
	"github.com/rcourtman/hostaudit/internal/catalog"
	"github.com/rcourtman/hostaudit/internal/diagnostic"
	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/history"
	"github.com/rcourtman/hostaudit/internal/logging"
	"github.com/rcourtman/hostaudit/internal/metrics"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rcourtman/hostaudit/internal/repair"
	"github.com/rcourtman/hostaudit/internal/transport"
	"github.com/rs/zerolog"
)

const (
	// WorkdirName is created under the login user's home directory.
	WorkdirName = "hostaudit_remediation"
	// FallbackWorkdir is used when $HOME cannot be resolved.
	FallbackWorkdir = "/tmp/" + WorkdirName
	// ResultFileName is the artifact each script rewrites.
	ResultFileName = "remediation_result.json"

	// AlreadyCompliant is the detail of identifiers skipped because the
	// latest audit already shows them compliant.
	AlreadyCompliant = "already compliant"
	// DetailSeparator precedes remediation lines appended to a finding.
	DetailSeparator = "--- remediation ---"

	backupDirPrefix       = "/tmp/hostaudit_backup_"
	defaultCommandTimeout = 30 * time.Second
	defaultScriptTimeout  = 5 * time.Minute
)

// Files copied before any change is made.
var backupFiles = []string{"/etc/ssh/sshd_config", "/etc/login.defs"}

// Options tune an Orchestrator.
type Options struct {
	CommandTimeout time.Duration
	ScriptTimeout  time.Duration
	// SkipBackup disables the configuration backup taken before changes.
	SkipBackup bool
}

// Orchestrator applies remediation scripts. Calls for different hosts may
// run concurrently; callers serialise calls for the same host.
type Orchestrator struct {
	dialer    transport.Dialer
	catalog   catalog.Provider
	store     history.Store
	scripts   *Library
	artifacts *artifacts.Store
	repairer  *repair.Repairer
	opts      Options
	now       func() time.Time
}

// New returns an Orchestrator reading scripts from lib.
func New(dialer transport.Dialer, cat catalog.Provider, store history.Store, lib *Library, opts Options) *Orchestrator {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.ScriptTimeout <= 0 {
		opts.ScriptTimeout = defaultScriptTimeout
	}
	return &Orchestrator{
		dialer:   dialer,
		catalog:  cat,
		store:    store,
		scripts:  lib,
		repairer: repair.New(),
		opts:     opts,
		now:      time.Now,
	}
}

// WithArtifacts keeps the remote result artifact and a manifest of every run.
func (o *Orchestrator) WithArtifacts(s *artifacts.Store) *Orchestrator {
	o.artifacts = s
	return o
}

// StagedScript is one manifest entry.
type StagedScript struct {
	CheckID string `json:"check_id,omitempty"`
	Script  string `json:"script"`
	Bytes   int    `json:"bytes"`
	Digest  string `json:"blake3"`
}

// Manifest is written next to the kept result artifact.
type Manifest struct {
	RunID     string                      `json:"run_id"`
	Host      string                      `json:"host"`
	AuditID   string                      `json:"audit_id,omitempty"`
	Workdir   string                      `json:"workdir"`
	StartedAt time.Time                   `json:"started_at"`
	Scripts   []StagedScript              `json:"scripts"`
	Outcomes  []models.RemediationOutcome `json:"outcomes"`
}

// pending is an identifier that has a script to run.
type pending struct {
	id     string
	script Script
}

// Apply remediates ids on host. Every requested identifier ends up in
// exactly one of the report's Applied, ManualRequired or Failed lists.
//
// Only whole-call preconditions (unreachable host, or a timeout during
// privilege escalation) return an error before the report is complete. A
// report is returned together with an error when the history store could
// not be updated afterwards.
func (o *Orchestrator) Apply(ctx context.Context, host models.Host, ids []string) (*models.RemediationReport, error) {
	label := host.Label()
	runID := ulid.Make().String()
	ctx, _ = logging.WithRunID(ctx, runID)
	logger := logging.FromContext(ctx).With().Str("host", label).Logger()

	defer metrics.TrackHost()()
	cat := o.catalog.Catalog()
	policy := cat.Policy()
	started := o.now().UTC()

	report := &models.RemediationReport{
		Host:           label,
		Applied:        []string{},
		AppliedDetails: map[string][]string{},
		ManualRequired: []string{},
		Failed:         []models.FailedRemediation{},
	}

	latest, err := history.Latest(ctx, o.store, label)
	if err != nil {
		if !errors.Is(err, auditerrors.ErrNotFound) {
			logger.Warn().Err(err).Msg("Could not load latest audit, remediating without it")
		}
		latest = nil
	}

	var queue []pending
	for _, id := range normalizeIDs(ids) {
		switch {
		case cat.ManualOnly(id):
			o.finish(report, models.RemediationOutcome{CheckID: id, State: models.RemediationManualRequired, Reason: "manual remediation required"}, logger)
			continue
		case alreadyCompliant(latest, id):
			o.finish(report, models.RemediationOutcome{
				CheckID: id, State: models.RemediationVerified, Skipped: true, Details: []string{AlreadyCompliant},
			}, logger)
			continue
		}

		script, err := o.scripts.Resolve(id, policy.MinScriptBytes)
		if err != nil {
			reason := "no remediation script"
			if errors.Is(err, auditerrors.ErrScriptStub) {
				reason = "remediation script is a stub"
			}
			logger.Info().Err(err).Str("check_id", id).Msg("No usable remediation script, manual remediation required")
			o.finish(report, models.RemediationOutcome{CheckID: id, State: models.RemediationManualRequired, Reason: reason}, logger)
			continue
		}
		queue = append(queue, pending{id: id, script: script})
	}

	if len(queue) == 0 {
		logger.Info().
			Int("manual_required", len(report.ManualRequired)).
			Int("already_compliant", len(report.Applied)).
			Msg("Nothing to execute")
		return report, nil
	}

	t, err := o.dialer.Dial(ctx, host)
	if err != nil {
		return nil, auditerrors.WrapTransportError("connect", label, err)
	}
	defer t.Close()

	pctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	session, err := transport.Escalate(pctx, t, host)
	cancel()
	if err != nil {
		return nil, auditerrors.WrapTransportError("escalate", label, err)
	}
	report.PrivilegeAttempted = session.Attempted()
	report.PrivilegeEscalated = session.Escalated()

	if !o.opts.SkipBackup {
		report.BackupCreated = o.backup(ctx, session, label, logger)
	}

	workdir := o.workdir(ctx, session, logger)
	manifest := Manifest{RunID: runID, Host: label, Workdir: workdir, StartedAt: started}

	if common, ok := o.scripts.Common(); ok {
		if err := o.stage(ctx, session, workdir, common); err != nil {
			logger.Warn().Err(err).Str("script", common.Name).Msg("Failed to stage shared remediation script")
		} else {
			manifest.Scripts = append(manifest.Scripts, staged(common))
		}
	}

	ready := make([]pending, 0, len(queue))
	uploaded := make(map[string]bool)
	for _, p := range queue {
		if !uploaded[p.script.Name] {
			if err := o.stage(ctx, session, workdir, p.script); err != nil {
				o.finish(report, models.RemediationOutcome{
					CheckID: p.id, State: models.RemediationExecFailed, Script: p.script.Name,
					Reason: cleanOutput(auditerrors.WrapTransportError("stage_script", label, err).Error(), policy.ReasonLimit),
				}, logger)
				continue
			}
			uploaded[p.script.Name] = true
			manifest.Scripts = append(manifest.Scripts, staged(p.script))
		}
		logger.Debug().Str("check_id", p.id).Str("script", p.script.Name).Str("state", string(models.RemediationStaged)).Msg("Remediation script staged")
		ready = append(ready, p)
	}

	for _, p := range ready {
		outcome := o.execute(ctx, session, label, workdir, p, policy.ReasonLimit, logger)
		o.finish(report, outcome, logger)
	}

	report.HostState = diagnostic.CollectHostState(ctx, session, label, o.opts.CommandTimeout)

	if o.artifacts != nil {
		o.keepArtifacts(ctx, session, label, workdir, &manifest, report, logger)
	}

	auditID, err := o.amend(ctx, label, latest, report)
	report.AuditID = auditID

	logger.Info().
		Str("audit_id", auditID).
		Strs("applied", report.Applied).
		Strs("manual_required", report.ManualRequired).
		Int("failed", len(report.Failed)).
		Bool("escalated", report.PrivilegeEscalated).
		Dur("duration", o.now().UTC().Sub(started)).
		Msg("Remediation complete")

	if err != nil {
		return report, fmt.Errorf("record remediation for %s: %w", label, err)
	}
	return report, nil
}

// execute runs one staged script and verifies it.
func (o *Orchestrator) execute(ctx context.Context, session *transport.Privileged, label, workdir string, p pending, limit int, logger zerolog.Logger) models.RemediationOutcome {
	out := models.RemediationOutcome{CheckID: p.id, Script: p.script.Name, State: models.RemediationStaged}
	resultPath := path.Join(workdir, ResultFileName)
	scriptPath := path.Join(workdir, p.script.Name)

	cctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	_, _ = session.Run(cctx, "rm -f "+transport.ShellQuote(resultPath))
	cancel()

	start := o.now()
	sctx, cancel := context.WithTimeout(ctx, o.opts.ScriptTimeout)
	res, err := session.Run(sctx, transport.ShellCommand(`cd "$1" && bash "$2"`, workdir, scriptPath))
	cancel()
	metrics.ObserveRemediation(o.now().Sub(start))

	scriptOut := res.Stderr
	if strings.TrimSpace(scriptOut) == "" {
		scriptOut = res.Stdout
	}

	switch {
	case err != nil:
		out.State = models.RemediationExecFailed
		out.Reason = cleanOutput(auditerrors.WrapTransportError("run_script", label, err).Error(), limit)
		return out
	case !res.OK():
		out.State = models.RemediationExecFailed
		out.Reason = fmt.Sprintf("script exited with status %d", res.ExitCode)
		if snippet := cleanOutput(scriptOut, limit); snippet != "" {
			out.Reason += ": " + snippet
		}
		logger.Warn().Str("check_id", p.id).Str("script", p.script.Name).Int("exit_code", res.ExitCode).Msg("Remediation script failed")
		return out
	}
	out.State = models.RemediationExecuted

	ok, detail, item := o.verify(ctx, session, resultPath, p.id)
	if !ok {
		out.State = models.RemediationUnverified
		out.Reason = withOutput(detail, scriptOut, limit)
		logger.Warn().Err(auditerrors.NewVerificationFailure(label, p.id, detail)).Msg("Remediation ran but was not confirmed")
		return out
	}
	out.State = models.RemediationVerified
	out.Details = itemDetails(item)
	return out
}

// verify reads the result artifact and reports whether it confirms id.
func (o *Orchestrator) verify(ctx context.Context, session *transport.Privileged, resultPath, id string) (bool, string, repair.Item) {
	cctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	res, err := session.Run(cctx, "cat "+transport.ShellQuote(resultPath)+" 2>/dev/null")
	cancel()
	if err != nil || !res.OK() || strings.TrimSpace(res.Stdout) == "" {
		return false, ResultFileName + " could not be read", repair.Item{}
	}

	items, err := o.repairer.Decode([]byte(res.Stdout), resultPath)
	if err != nil {
		metrics.RecordParseFailure("remediation")
		return false, fmt.Sprintf("%s could not be parsed: %v", ResultFileName, errors.Unwrap(err)), repair.Item{}
	}

	for _, item := range items {
		if models.NormalizeCheckID(item.CheckID.String()) != id {
			continue
		}
		status := strings.ToUpper(strings.TrimSpace(item.Status.String()))
		if status == "SAFE" {
			return true, "", item
		}
		detail := item.Details.String()
		if detail == "" {
			detail = firstNonEmpty(item.PostValue.String(), status)
		}
		return false, fmt.Sprintf("not reflected (status=%s): %s", status, detail), repair.Item{}
	}
	return false, fmt.Sprintf("no result for %s in %s", id, ResultFileName), repair.Item{}
}

func (o *Orchestrator) stage(ctx context.Context, session *transport.Privileged, workdir string, s Script) error {
	cctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	defer cancel()
	return session.Upload(cctx, path.Join(workdir, s.Name), s.Data, 0o755)
}

// workdir resolves and creates the remote working directory as the login
// user, so uploads can write to it.
func (o *Orchestrator) workdir(ctx context.Context, session *transport.Privileged, logger zerolog.Logger) string {
	plain := session.Unprivileged()
	cctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	defer cancel()

	dir := FallbackWorkdir
	if res, err := plain.Run(cctx, "echo $HOME"); err == nil {
		home := strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0])
		if strings.HasPrefix(home, "/") {
			dir = path.Join(home, WorkdirName)
		}
	}
	if _, err := plain.Run(cctx, "mkdir -p "+transport.ShellQuote(dir)); err != nil {
		logger.Warn().Err(err).Str("workdir", dir).Msg("Failed to create remediation workdir")
	}
	return dir
}

// backup copies the configuration files into a per-host directory. It
// never fails the call.
func (o *Orchestrator) backup(ctx context.Context, session *transport.Privileged, label string, logger zerolog.Logger) bool {
	dir := backupDirPrefix + safeName(label)
	cmds := []string{"mkdir -p " + transport.ShellQuote(dir)}
	for _, f := range backupFiles {
		dst := path.Join(dir, path.Base(f)+".bak")
		cmds = append(cmds, fmt.Sprintf("cp %s %s 2>/dev/null || true", transport.ShellQuote(f), transport.ShellQuote(dst)))
	}
	for _, cmd := range cmds {
		cctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
		res, err := session.Run(cctx, cmd)
		cancel()
		if err != nil || !res.OK() {
			logger.Warn().Err(err).Int("exit_code", res.ExitCode).Str("dir", dir).Msg("Configuration backup failed")
			return false
		}
	}
	logger.Info().Str("dir", dir).Msg("Configuration backup created")
	return true
}

func (o *Orchestrator) keepArtifacts(ctx context.Context, session *transport.Privileged, label, workdir string, manifest *Manifest, report *models.RemediationReport, logger zerolog.Logger) {
	cctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	res, err := session.Run(cctx, "cat "+transport.ShellQuote(path.Join(workdir, ResultFileName))+" 2>/dev/null")
	cancel()

	if err == nil && res.OK() && strings.TrimSpace(res.Stdout) != "" {
		raw := []byte(strings.TrimSpace(res.Stdout))
		var decoded any
		if items, derr := o.repairer.Decode(raw, ResultFileName); derr == nil {
			decoded = items
		}
		if _, err := o.artifacts.SaveResult(artifacts.KindRemediation, label, manifest.RunID, ResultFileName, raw, decoded); err != nil {
			logger.Warn().Err(err).Msg("Failed to keep remediation artifact")
		}
	} else {
		logger.Warn().Err(err).Msg("Remote remediation artifact unreadable, not kept")
	}

	manifest.Outcomes = report.Outcomes
	if _, err := o.artifacts.WriteManifest(artifacts.KindRemediation, label, manifest.RunID, manifest); err != nil {
		logger.Warn().Err(err).Msg("Failed to write remediation manifest")
	}
}

// amend folds verified outcomes into the host's latest audit, or records a
// new audit when the host has none. It returns the audit identifier.
func (o *Orchestrator) amend(ctx context.Context, label string, latest *models.AuditSnapshot, report *models.RemediationReport) (string, error) {
	cat := o.catalog.Catalog()
	now := o.now().UTC()

	apply := func(snap *models.AuditSnapshot) {
		for _, out := range report.Outcomes {
			if out.State != models.RemediationVerified || out.Skipped {
				continue
			}
			f, ok := snap.Finding(out.CheckID)
			if !ok {
				def := cat.Resolve(out.CheckID)
				snap.Findings = append(snap.Findings, models.Finding{
					ID:                def.ID,
					Name:              def.Name,
					Status:            models.StatusVulnerable,
					Severity:          def.Severity,
					Category:          def.Category,
					Compliance:        append([]string{}, def.Compliance...),
					Details:           []string{},
					ManualRemediation: def.ManualOnly,
				})
				f = &snap.Findings[len(snap.Findings)-1]
			}
			if f.Status.Compliant() {
				continue
			}
			f.Status = models.StatusFixed
			if len(out.Details) > 0 {
				f.Details = append(append(f.Details, DetailSeparator), out.Details...)
			}
		}
		if len(report.HostState) > 0 {
			snap.HostState = append([]string(nil), report.HostState...)
		}
		snap.BackupCreated = report.BackupCreated
	}

	// An amended audit keeps the time it completed; the amendment is
	// recorded separately.
	if latest != nil {
		_, err := o.store.Modify(ctx, latest.ID, func(snap *models.AuditSnapshot) error {
			apply(snap)
			snap.AmendedAt = now
			return nil
		})
		return latest.ID, err
	}

	if len(report.Applied) == 0 {
		return "", nil
	}
	snap := &models.AuditSnapshot{
		ID:          ulid.Make().String(),
		Host:        label,
		StartedAt:   now,
		CompletedAt: now.Add(time.Nanosecond),
		Findings:    []models.Finding{},
	}
	apply(snap)
	return snap.ID, o.store.Append(ctx, snap)
}

func (o *Orchestrator) finish(report *models.RemediationReport, out models.RemediationOutcome, logger zerolog.Logger) {
	report.Record(out)
	metrics.RecordRemediation(string(out.State))
	ev := logger.Info()
	if !out.Applied() && out.State != models.RemediationManualRequired {
		ev = logger.Warn().Str("reason", out.Reason)
	}
	ev.Str("check_id", out.CheckID).Str("state", string(out.State)).Bool("skipped", out.Skipped).Msg("Remediation outcome")
}

func staged(s Script) StagedScript {
	return StagedScript{CheckID: s.CheckID, Script: s.Name, Bytes: len(s.Data), Digest: artifacts.Digest(s.Data)}
}

// itemDetails renders a confirmed result item as detail lines.
func itemDetails(item repair.Item) []string {
	var lines []string
	if v := strings.TrimSpace(item.PreValue.String()); v != "" {
		lines = append(lines, "before: "+v)
	}
	if v := strings.TrimSpace(item.PostValue.String()); v != "" {
		lines = append(lines, "after: "+v)
	}
	return append(lines, item.Details.ExpandedLines()...)
}

func alreadyCompliant(snap *models.AuditSnapshot, id string) bool {
	if snap == nil {
		return false
	}
	f, ok := snap.Finding(id)
	return ok && f.Status.Compliant()
}

// normalizeIDs canonicalises ids, dropping blanks and repeats.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := models.NormalizeCheckID(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
