package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/hostaudit/internal/diagnostic"
	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/history"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rcourtman/hostaudit/internal/regression"
	"github.com/rcourtman/hostaudit/internal/remediation"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	auditHosts    string
	auditFallback bool

	remediateNoBackup   bool
	remediateVulnerable bool

	historyLimit int
	historyAudit string

	alertsSince    time.Duration
	alertsUnread   bool
	alertsMarkRead bool

	catalogCategory string
)

func init() {
	auditCmd.Flags().StringVar(&auditHosts, "hosts", "", "comma-separated wildcard patterns selecting hosts by name or id (default all)")
	auditCmd.Flags().BoolVar(&auditFallback, "fallback", false, "probe each check with one command instead of running the audit script")

	remediateCmd.Flags().BoolVar(&remediateNoBackup, "no-backup", false, "skip the configuration backup taken before changes")
	remediateCmd.Flags().BoolVar(&remediateVulnerable, "vulnerable", false, "remediate every non-compliant item of the latest audit")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of audits to list (0 for all)")
	historyCmd.Flags().StringVar(&historyAudit, "audit", "", "show the findings of one audit")

	alertsCmd.Flags().DurationVar(&alertsSince, "since", 0, "only alerts newer than this, e.g. 60m (default all)")
	alertsCmd.Flags().BoolVar(&alertsUnread, "unread", false, "only unread alerts")
	alertsCmd.Flags().BoolVar(&alertsMarkRead, "mark-read", false, "mark the listed alerts read")

	catalogCmd.Flags().StringVar(&catalogCategory, "category", "", "only checks in this category")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit registered hosts",
	Example: `  # Audit every registered host
  hostaudit audit

  # Audit web servers with command probes only
  hostaudit audit --hosts 'web-*' --fallback`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.hosts()
		if err != nil {
			return err
		}
		hosts := reg.Select(auditHosts)
		if len(hosts) == 0 {
			return auditerrors.NewConfigurationError("select_hosts", fmt.Sprintf("no host matches %q", auditHosts))
		}
		dialer, err := a.dialer()
		if err != nil {
			return err
		}

		cfg := a.cfg
		opts := diagnostic.Options{
			ScriptPath:     cfg.AnalysisScript(),
			Fallback:       auditFallback,
			CommandTimeout: cfg.CommandTimeout,
			ScriptTimeout:  cfg.ScriptTimeout,
		}
		if !opts.Fallback {
			if _, err := os.Stat(opts.ScriptPath); err != nil {
				log.Warn().Str("script", opts.ScriptPath).Msg("Audit script not found, using command probes")
				opts.Fallback = true
			}
		}

		orch := diagnostic.New(dialer, a.catalog, a.store, opts).WithArtifacts(a.artifacts)
		perHost := cfg.ConnectTimeout + cfg.ScriptTimeout + 4*cfg.CommandTimeout
		results := orch.RunBulk(ctx, hosts, cfg.Concurrency, perHost)

		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			type jsonResult struct {
				Host     string                `json:"host"`
				Snapshot *models.AuditSnapshot `json:"snapshot,omitempty"`
				Error    string                `json:"error,omitempty"`
			}
			payload := make([]jsonResult, 0, len(results))
			for _, r := range results {
				jr := jsonResult{Host: r.Host.Label(), Snapshot: r.Snapshot}
				if r.Err != nil {
					jr.Error = r.Err.Error()
				}
				payload = append(payload, jr)
			}
			if err := printJSON(out, payload); err != nil {
				return err
			}
		} else {
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				if r.Err != nil {
					rows = append(rows, []string{r.Host.Label(), "-", "-", "-", "-", "-", "-", vulnStyle.Render(truncate(r.Err.Error(), 60))})
					continue
				}
				s := snapshotRow(r.Snapshot)
				rows = append(rows, []string{r.Host.Label(), s[0], s[2], s[3], s[4], s[5], s[6], ""})
			}
			renderTable(out, []string{"HOST", "AUDIT", "CHECKS", "COMPLIANT", "VULNERABLE", "MANUAL", "REGRESSION", "ERROR"}, rows)
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d hosts failed", failed, len(results))
		}
		return nil
	},
}

var remediateCmd = &cobra.Command{
	Use:   "remediate <host> [ids...]",
	Short: "Apply and verify remediation scripts on a host",
	Example: `  # Fix two items
  hostaudit remediate web-1 U-01 U-18

  # Fix everything the latest audit found
  hostaudit remediate web-1 --vulnerable`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.hosts()
		if err != nil {
			return err
		}
		host, err := reg.Lookup(args[0])
		if err != nil {
			return err
		}

		ids := args[1:]
		if remediateVulnerable {
			latest, err := history.Latest(ctx, a.store, host.Label())
			if err != nil {
				return fmt.Errorf("--vulnerable needs a prior audit: %w", err)
			}
			for _, f := range latest.Findings {
				if f.Status.NonCompliant() {
					ids = append(ids, f.ID)
				}
			}
		}
		if len(ids) == 0 {
			return errors.New("no identifiers to remediate")
		}

		lib, err := remediation.OpenLibrary(a.cfg.RemediationDir())
		if err != nil {
			return err
		}
		dialer, err := a.dialer()
		if err != nil {
			return err
		}

		orch := remediation.New(dialer, a.catalog, a.store, lib, remediation.Options{
			CommandTimeout: a.cfg.CommandTimeout,
			ScriptTimeout:  a.cfg.ScriptTimeout,
			SkipBackup:     remediateNoBackup,
		}).WithArtifacts(a.artifacts)

		report, applyErr := orch.Apply(ctx, host, ids)
		if report == nil {
			return applyErr
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := printJSON(out, report); err != nil {
				return err
			}
			return applyErr
		}

		rows := make([][]string, 0, len(report.Outcomes))
		for _, o := range report.Outcomes {
			var result, detail string
			switch {
			case o.Applied() && o.Skipped:
				result, detail = safeStyle.Render("applied"), remediation.AlreadyCompliant
			case o.Applied():
				result, detail = safeStyle.Render("applied"), strings.Join(o.Details, "; ")
			case o.State == models.RemediationManualRequired:
				result, detail = manualStyle.Render("manual"), o.Reason
			default:
				result, detail = vulnStyle.Render("failed"), o.Reason
			}
			rows = append(rows, []string{o.CheckID, result, string(o.State), o.Script, truncate(detail, 80)})
		}
		renderTable(out, []string{"ID", "RESULT", "STATE", "SCRIPT", "DETAIL"}, rows)
		fmt.Fprintf(out, "applied %d, manual %d, failed %d", len(report.Applied), len(report.ManualRequired), len(report.Failed))
		if report.PrivilegeAttempted && !report.PrivilegeEscalated {
			fmt.Fprint(out, " (privilege escalation unavailable, ran unprivileged)")
		}
		fmt.Fprintln(out)
		return applyErr
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <host>",
	Short: "List the audits of a host, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		out := cmd.OutOrStdout()

		if historyAudit != "" {
			snap, err := a.store.Get(ctx, historyAudit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, snap)
			}
			fmt.Fprintf(out, "%s  %s  completed %s\n", snap.Host, snap.ID, formatTime(snap.CompletedAt))
			if !snap.AmendedAt.IsZero() {
				fmt.Fprintf(out, "amended by remediation %s\n", formatTime(snap.AmendedAt))
			}
			renderTable(out, findingHeaders, findingRows(snap.Findings))
			return nil
		}

		snaps, err := a.store.ListByHost(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(out, snaps)
		}
		rows := make([][]string, 0, len(snaps))
		for _, s := range snaps {
			rows = append(rows, snapshotRow(s))
		}
		renderTable(out, snapshotHeaders, rows)
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <audit-a> <audit-b>",
	Short: "Compare the host state and statuses of two audits",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		before, err := a.store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		after, err := a.store.Get(ctx, args[1])
		if err != nil {
			return err
		}
		if before.Host != after.Host {
			log.Warn().Str("before", before.Host).Str("after", after.Host).Msg("Comparing audits of different hosts")
		}

		diff := regression.DiffSnapshots(before, after)
		changes := regression.StatusChanges(before, after)

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, struct {
				regression.Diff
				Changes []regression.StatusChange `json:"status_changes"`
			}{diff, changes})
		}

		for _, line := range diff.Removed {
			fmt.Fprintln(out, vulnStyle.Render("- "+line))
		}
		for _, line := range diff.Added {
			fmt.Fprintln(out, safeStyle.Render("+ "+line))
		}
		fmt.Fprintf(out, "removed %d, added %d, unchanged %d\n", diff.Summary.Removed, diff.Summary.Added, diff.Summary.Unchanged)

		rows := make([][]string, 0, len(changes))
		for _, c := range changes {
			rows = append(rows, []string{c.CheckID, statusText(c.Before), statusText(c.After)})
		}
		renderTable(out, []string{"ID", "BEFORE", "AFTER"}, rows)
		return nil
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List regression alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var since time.Time
		if alertsSince > 0 {
			since = time.Now().Add(-alertsSince)
		}
		alerts, err := a.store.ListAlerts(ctx, since, alertsUnread)
		if err != nil {
			return err
		}

		if alertsMarkRead {
			for _, al := range alerts {
				if err := a.store.MarkAlertRead(ctx, al.ID); err != nil {
					return err
				}
			}
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, alerts)
		}
		rows := make([][]string, 0, len(alerts))
		for _, al := range alerts {
			rows = append(rows, []string{
				al.ID, formatTime(al.CreatedAt), al.Host, al.AuditID,
				strings.Join(al.CheckIDs, ","), yesNo(al.Read || alertsMarkRead),
			})
		}
		renderTable(out, []string{"ALERT", "CREATED", "HOST", "AUDIT", "CHECKS", "READ"}, rows)
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the check catalog and its policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		cat := a.catalog.Catalog()
		defs := cat.Definitions()
		if catalogCategory != "" {
			defs = cat.ByCategory()[catalogCategory]
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, defs)
		}
		rows := make([][]string, 0, len(defs))
		for _, d := range defs {
			manual := ""
			if cat.ManualOnly(d.ID) {
				manual = manualStyle.Render("manual")
			}
			rows = append(rows, []string{d.ID, string(d.Severity), d.Category, manual, d.Name})
		}
		renderTable(out, []string{"ID", "SEVERITY", "CATEGORY", "REMEDIATION", "NAME"}, rows)

		p := cat.Policy()
		fmt.Fprintf(out, "%d checks, soft success %s, stub threshold %s bytes\n",
			len(defs), yesNo(p.SoftSuccessEnabled()), strconv.FormatInt(p.MinScriptBytes, 10))
		return nil
	},
}
