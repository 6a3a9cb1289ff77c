// Package regression compares successive audits of the same host.
package regression

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/hostaudit/internal/history"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rs/zerolog/log"
)

// Detector finds checks that moved from compliant to non-compliant
// between a host's previous audit and a new one.
type Detector struct {
	store history.Store
	now   func() time.Time
}

// NewDetector returns a Detector reading prior snapshots from store.
func NewDetector(store history.Store) *Detector {
	return &Detector{store: store, now: time.Now}
}

// Prior returns the host's newest snapshot completed strictly before snap.
// It returns nil when there is none.
func (d *Detector) Prior(ctx context.Context, snap *models.AuditSnapshot) (*models.AuditSnapshot, error) {
	snaps, err := d.store.ListByHost(ctx, snap.Host, 0)
	if err != nil {
		return nil, fmt.Errorf("list prior audits for %s: %w", snap.Host, err)
	}
	for _, candidate := range snaps {
		if candidate.ID == snap.ID {
			continue
		}
		if candidate.CompletedAt.Before(snap.CompletedAt) {
			return candidate, nil
		}
	}
	return nil, nil
}

// Detect returns the regressing identifiers of snap in catalog order.
// The first audit of a host never regresses.
func (d *Detector) Detect(ctx context.Context, snap *models.AuditSnapshot) ([]string, error) {
	prior, err := d.Prior(ctx, snap)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, nil
	}
	return Compare(prior, snap), nil
}

// Compare lists identifiers present in both snapshots whose status went
// from compliant in before to non-compliant in after.
func Compare(before, after *models.AuditSnapshot) []string {
	if before == nil || after == nil {
		return nil
	}
	prior := before.StatusByID()
	var out []string
	for _, f := range after.Findings {
		old, ok := prior[f.ID]
		if !ok {
			continue
		}
		if old.Compliant() && f.Status.NonCompliant() {
			out = append(out, f.ID)
		}
	}
	return models.SortedIDs(out)
}

// Mark runs Detect and marks snap with the result. snap is modified in
// place but not saved.
func (d *Detector) Mark(ctx context.Context, snap *models.AuditSnapshot) ([]string, error) {
	ids, err := d.Detect(ctx, snap)
	if err != nil {
		return nil, err
	}
	snap.Regression = len(ids) > 0
	snap.RegressionIDs = ids
	return ids, nil
}

// Alert stores a regression alert for a snapshot already marked by Mark.
// Callers save snap first so the alert never points at a missing audit.
func (d *Detector) Alert(ctx context.Context, snap *models.AuditSnapshot) error {
	if len(snap.RegressionIDs) == 0 {
		return nil
	}
	ids := append([]string{}, snap.RegressionIDs...)
	alert := models.Alert{
		ID:        ulid.Make().String(),
		Type:      models.AlertRegression,
		Severity:  "error",
		Message:   fmt.Sprintf("regression detected: %s changed from compliant to non-compliant", strings.Join(ids, ", ")),
		AuditID:   snap.ID,
		Host:      snap.Host,
		CheckIDs:  ids,
		CreatedAt: d.now().UTC(),
	}
	log.Warn().
		Str("host", snap.Host).
		Str("audit_id", snap.ID).
		Strs("check_ids", ids).
		Msg("Compliance regression detected")
	if err := d.store.AddAlert(ctx, alert); err != nil {
		return fmt.Errorf("store regression alert for %s: %w", snap.ID, err)
	}
	return nil
}

// Record runs Mark and then Alert, for snapshots that are already saved.
// A failure to store the alert is logged, not returned.
func (d *Detector) Record(ctx context.Context, snap *models.AuditSnapshot) ([]string, error) {
	ids, err := d.Mark(ctx, snap)
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	if err := d.Alert(ctx, snap); err != nil {
		log.Warn().Err(err).Str("host", snap.Host).Str("audit_id", snap.ID).Msg("Failed to store regression alert")
	}
	return ids, nil
}

// Summary counts the lines of a Diff.
type Summary struct {
	Removed   int `json:"removed"`
	Added     int `json:"added"`
	Unchanged int `json:"unchanged"`
}

// Diff is a set comparison of two host-state snapshots, keeping the
// original line order of each side.
type Diff struct {
	Removed   []string `json:"removed"`
	Added     []string `json:"added"`
	Unchanged []string `json:"unchanged"`
	Summary   Summary  `json:"summary"`
}

// DiffSnapshots compares the host-state lines of two audits.
func DiffSnapshots(before, after *models.AuditSnapshot) Diff {
	var b, a []string
	if before != nil {
		b = before.HostState
	}
	if after != nil {
		a = after.HostState
	}
	return DiffLines(b, a)
}

// DiffLines compares two line lists as sets.
func DiffLines(before, after []string) Diff {
	inBefore := make(map[string]struct{}, len(before))
	for _, l := range before {
		inBefore[l] = struct{}{}
	}
	inAfter := make(map[string]struct{}, len(after))
	for _, l := range after {
		inAfter[l] = struct{}{}
	}

	d := Diff{Removed: []string{}, Added: []string{}, Unchanged: []string{}}
	for _, l := range before {
		if _, ok := inAfter[l]; !ok {
			d.Removed = append(d.Removed, l)
		}
	}
	for _, l := range after {
		if _, ok := inBefore[l]; ok {
			d.Unchanged = append(d.Unchanged, l)
		} else {
			d.Added = append(d.Added, l)
		}
	}
	d.Summary = Summary{Removed: len(d.Removed), Added: len(d.Added), Unchanged: len(d.Unchanged)}
	return d
}

// StatusChange is one identifier whose status differs between two audits.
type StatusChange struct {
	CheckID string        `json:"check_id"`
	Before  models.Status `json:"before"`
	After   models.Status `json:"after"`
}

// StatusChanges lists every identifier present in both audits whose status
// changed, in catalog order.
func StatusChanges(before, after *models.AuditSnapshot) []StatusChange {
	if before == nil || after == nil {
		return nil
	}
	prior := before.StatusByID()
	var out []StatusChange
	for _, f := range after.Findings {
		if old, ok := prior[f.ID]; ok && old != f.Status {
			out = append(out, StatusChange{CheckID: f.ID, Before: old, After: f.Status})
		}
	}
	order := make(map[string]int, len(out))
	ids := make([]string, len(out))
	for i, c := range out {
		ids[i] = c.CheckID
	}
	for i, id := range models.SortedIDs(ids) {
		order[id] = i
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i].CheckID] < order[out[j].CheckID] })
	return out
}
