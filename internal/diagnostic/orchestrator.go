// Package diagnostic runs compliance audits against remote hosts.
//
// A scripted audit uploads the audit script, runs it with a host and run
// scoped result path, reads the result artifact back and repairs it. When
// the artifact is missing or unrepairable the script's own output is
// searched for a sentinel-delimited payload. Without a script, each catalog
// item that has a registered probe is checked with one remote command and
// items without one are left out of the snapshot.
package diagnostic

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/hostaudit/internal/artifacts"
	"github.com/rcourtman/hostaudit/internal/catalog"
	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/history"
	"github.com/rcourtman/hostaudit/internal/logging"
	"github.com/rcourtman/hostaudit/internal/metrics"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rcourtman/hostaudit/internal/regression"
	"github.com/rcourtman/hostaudit/internal/repair"
	"github.com/rcourtman/hostaudit/internal/transport"
	"github.com/rs/zerolog"
)

const (
	defaultRemoteBase     = "/tmp/hostaudit"
	defaultCommandTimeout = 30 * time.Second
	defaultScriptTimeout  = 10 * time.Minute

	// ResultFileName is the artifact the audit script writes.
	ResultFileName = "result.json"
	// ResultEnv tells the audit script where to write its artifact.
	ResultEnv = "HOSTAUDIT_RESULT"
)

// Audit outcomes recorded in metrics.
const (
	OutcomeSuccess     = "success"
	OutcomeSoftSuccess = "soft_success"
	OutcomeFailed      = "failed"
)

// Options tune one Orchestrator.
type Options struct {
	// ScriptPath is the local audit script. Empty selects probe mode.
	ScriptPath string
	// Fallback forces probe mode even when a script is configured.
	Fallback bool
	// RemoteBase is the remote directory under which per-run directories
	// are created.
	RemoteBase     string
	CommandTimeout time.Duration
	ScriptTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.RemoteBase == "" {
		o.RemoteBase = defaultRemoteBase
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.ScriptTimeout <= 0 {
		o.ScriptTimeout = defaultScriptTimeout
	}
	return o
}

// Orchestrator drives audits. It holds no per-host state and may run
// audits for different hosts concurrently; callers serialise calls for the
// same host.
type Orchestrator struct {
	dialer    transport.Dialer
	catalog   catalog.Provider
	store     history.Store
	detector  *regression.Detector
	artifacts *artifacts.Store
	repairer  *repair.Repairer
	probes    *ProbeRegistry
	opts      Options
	now       func() time.Time
}

// New returns an Orchestrator. Artifacts are not kept unless
// WithArtifacts is called.
func New(dialer transport.Dialer, cat catalog.Provider, store history.Store, opts Options) *Orchestrator {
	return &Orchestrator{
		dialer:   dialer,
		catalog:  cat,
		store:    store,
		detector: regression.NewDetector(store),
		repairer: repair.New(),
		probes:   DefaultProbes(),
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// WithArtifacts keeps a local copy of every result artifact.
func (o *Orchestrator) WithArtifacts(s *artifacts.Store) *Orchestrator {
	o.artifacts = s
	return o
}

// WithProbes replaces the fallback probe registry.
func (o *Orchestrator) WithProbes(r *ProbeRegistry) *Orchestrator {
	o.probes = r
	return o
}

// WithRepairer replaces the result repairer.
func (o *Orchestrator) WithRepairer(r *repair.Repairer) *Orchestrator {
	o.repairer = r
	return o
}

// scriptRun is what one scripted execution produced.
type scriptRun struct {
	items   []repair.Item
	raw     []byte
	source  string
	execErr error
}

// RunAudit audits one host, records the snapshot and returns it.
//
// It fails only when execution failed and no findings could be parsed, or
// when the soft-success policy is disabled and the script exited non-zero.
func (o *Orchestrator) RunAudit(ctx context.Context, host models.Host) (*models.AuditSnapshot, error) {
	label := host.Label()
	auditID := ulid.Make().String()
	ctx, _ = logging.WithRunID(ctx, auditID)
	logger := logging.FromContext(ctx).With().Str("host", label).Str("audit_id", auditID).Logger()

	defer metrics.TrackHost()()
	started := o.now().UTC()
	cat := o.catalog.Catalog()

	scripted := !o.opts.Fallback && o.opts.ScriptPath != ""
	var script []byte
	if scripted {
		data, err := os.ReadFile(o.opts.ScriptPath)
		if err != nil {
			return nil, auditerrors.NewConfigurationError("run_audit", fmt.Sprintf("audit script unavailable: %v", err))
		}
		script = data
	}

	t, err := o.dialer.Dial(ctx, host)
	if err != nil {
		metrics.RecordAudit(OutcomeFailed, o.now().Sub(started))
		return nil, auditerrors.WrapTransportError("connect", label, err)
	}
	defer t.Close()

	pctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	session, err := transport.Escalate(pctx, t, host)
	cancel()
	if err != nil {
		metrics.RecordAudit(OutcomeFailed, o.now().Sub(started))
		return nil, auditerrors.WrapTransportError("escalate", label, err)
	}

	var findings []models.Finding
	var run scriptRun
	if scripted {
		run = o.runScript(ctx, session, label, auditID, script, logger)
		findings = BuildFindings(run.items, cat)
	} else {
		logger.Info().Int("probes", len(o.probes.IDs())).Msg("Running probe audit")
		findings, err = o.probes.Run(ctx, session, cat, label, o.opts.CommandTimeout)
		if err != nil {
			metrics.RecordAudit(OutcomeFailed, o.now().Sub(started))
			logger.Error().Err(err).Msg("Probe audit aborted")
			return nil, auditerrors.WrapTransportError("probe_audit", label, err)
		}
	}

	outcome := OutcomeSuccess
	if run.execErr != nil {
		if len(findings) == 0 || !cat.Policy().SoftSuccessEnabled() {
			metrics.RecordAudit(OutcomeFailed, o.now().Sub(started))
			logger.Error().Err(run.execErr).Int("findings", len(findings)).Msg("Audit failed")
			return nil, run.execErr
		}
		outcome = OutcomeSoftSuccess
		logger.Warn().Err(run.execErr).Int("findings", len(findings)).Msg("Audit script reported failure but produced findings")
	}

	snap := &models.AuditSnapshot{
		ID:        auditID,
		Host:      label,
		StartedAt: started,
		Findings:  findings,
		HostState: CollectHostState(ctx, session, label, o.opts.CommandTimeout),
	}
	snap.CompletedAt = o.now().UTC()
	if !snap.CompletedAt.After(started) {
		snap.CompletedAt = started.Add(time.Nanosecond)
	}

	// A host that timed out part way through is a failed audit, not a
	// partial snapshot.
	if err := ctx.Err(); err != nil {
		metrics.RecordAudit(OutcomeFailed, o.now().Sub(started))
		return nil, auditerrors.WrapTransportError("run_audit", label, err)
	}

	ids, err := o.detector.Mark(ctx, snap)
	if err != nil {
		logger.Warn().Err(err).Msg("Regression check failed")
	}

	if err := o.store.Append(ctx, snap); err != nil {
		metrics.RecordAudit(OutcomeFailed, o.now().Sub(started))
		return nil, fmt.Errorf("record audit %s: %w", auditID, err)
	}

	if len(ids) > 0 {
		if err := o.detector.Alert(ctx, snap); err != nil {
			logger.Warn().Err(err).Msg("Failed to store regression alert")
		}
		metrics.RecordRegressions(len(ids))
	}

	if o.artifacts != nil && scripted {
		if rec, err := o.artifacts.SaveResult(artifacts.KindAnalysis, label, auditID, ResultFileName, run.raw, findings); err != nil {
			logger.Warn().Err(err).Msg("Failed to keep audit artifact")
		} else {
			logger.Debug().Str("path", rec.Path).Str("blake3", rec.Digest).Msg("Audit artifact stored")
		}
	}

	for _, f := range findings {
		metrics.RecordFinding(string(f.Status))
	}
	metrics.RecordAudit(outcome, snap.CompletedAt.Sub(started))

	counts := snap.Counts()
	logger.Info().
		Int("findings", len(findings)).
		Int("vulnerable", counts[models.StatusVulnerable]).
		Int("manual", counts[models.StatusManual]).
		Bool("regression", snap.Regression).
		Str("outcome", outcome).
		Str("source", run.source).
		Dur("duration", snap.CompletedAt.Sub(started)).
		Msg("Audit complete")
	return snap, nil
}

// runScript stages and runs the audit script and collects its result.
func (o *Orchestrator) runScript(ctx context.Context, session *transport.Privileged, label, runID string, script []byte, logger zerolog.Logger) scriptRun {
	remoteDir := path.Join(o.opts.RemoteBase, safeRemoteSegment(label), runID)
	scriptPath := path.Join(remoteDir, "audit.sh")
	resultPath := path.Join(remoteDir, ResultFileName)

	uctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	err := session.Upload(uctx, scriptPath, script, 0o755)
	cancel()
	if err != nil {
		return scriptRun{execErr: auditerrors.WrapTransportError("stage_audit", label, err)}
	}
	defer o.cleanup(ctx, session, remoteDir, logger)

	cmd := transport.ShellCommand(`cd "$1" && `+ResultEnv+`="$2" bash "$3"`, remoteDir, resultPath, scriptPath)
	logger.Info().Str("script", scriptPath).Msg("Running audit script")

	sctx, cancel := context.WithTimeout(ctx, o.opts.ScriptTimeout)
	res, runErr := session.Run(sctx, cmd)
	cancel()

	var run scriptRun
	switch {
	case runErr != nil:
		run.execErr = auditerrors.WrapTransportError("run_audit", label, runErr)
	case !res.OK():
		run.execErr = auditerrors.NewAuditError(auditerrors.ErrorTypeScript, "run_audit", label,
			fmt.Errorf("audit script exited with status %d: %s", res.ExitCode, trimOutput(res.Combined(), 300)))
	}

	cctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	artifact, readErr := session.Run(cctx, fmt.Sprintf("cat %s 2>/dev/null", transport.ShellQuote(resultPath)))
	cancel()

	if readErr == nil && strings.TrimSpace(artifact.Stdout) != "" {
		raw := []byte(artifact.Stdout)
		items, err := o.repairer.Decode(raw, resultPath)
		if err == nil {
			run.items, run.raw, run.source = items, raw, "artifact"
			return run
		}
		metrics.RecordParseFailure("artifact")
		logger.Warn().Err(err).Str("path", resultPath).Msg("Result artifact unparsable, trying embedded payload")
		run.raw = raw
	} else {
		logger.Warn().Err(readErr).Str("path", resultPath).Msg("Result artifact missing, trying embedded payload")
	}

	payload, ok := ExtractSentinel(res.Stdout)
	if !ok {
		return run
	}
	items, err := o.repairer.Decode([]byte(payload), "embedded payload")
	if err != nil {
		metrics.RecordParseFailure("sentinel")
		logger.Warn().Err(err).Msg("Embedded payload unparsable, audit has no findings")
		return run
	}
	run.items, run.raw, run.source = items, []byte(payload), "sentinel"
	return run
}

func (o *Orchestrator) cleanup(ctx context.Context, session *transport.Privileged, dir string, logger zerolog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CommandTimeout)
	defer cancel()
	if _, err := session.Run(cctx, "rm -rf "+transport.ShellQuote(dir)); err != nil {
		logger.Debug().Err(err).Str("dir", dir).Msg("Remote cleanup failed")
	}
}

func safeRemoteSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

// trimOutput keeps the first limit bytes of s, trimmed.
func trimOutput(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
