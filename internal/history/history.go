// Package history keeps the per-host sequence of audit snapshots and the
// alerts raised from them.
package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/models"
)

// Store is the compliance history. Reads after a successful write observe
// that write. Listings are newest first by completion time.
type Store interface {
	Append(ctx context.Context, snap *models.AuditSnapshot) error
	Get(ctx context.Context, auditID string) (*models.AuditSnapshot, error)
	ListByHost(ctx context.Context, host string, limit int) ([]*models.AuditSnapshot, error)
	Update(ctx context.Context, snap *models.AuditSnapshot) error
	// Modify loads a snapshot, applies fn and writes the result back under
	// the store's write lock. fn may mutate the snapshot it is given.
	Modify(ctx context.Context, auditID string, fn func(*models.AuditSnapshot) error) (*models.AuditSnapshot, error)
	Hosts(ctx context.Context) ([]string, error)

	AddAlert(ctx context.Context, alert models.Alert) error
	ListAlerts(ctx context.Context, since time.Time, unreadOnly bool) ([]models.Alert, error)
	MarkAlertRead(ctx context.Context, id string) error

	Close() error
}

// Latest returns the newest snapshot for host, or ErrNotFound.
func Latest(ctx context.Context, s Store, host string) (*models.AuditSnapshot, error) {
	snaps, err := s.ListByHost(ctx, host, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, notFound("no audit for host %s", host)
	}
	return snaps[0], nil
}

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", auditerrors.ErrNotFound, fmt.Sprintf(format, args...))
}

func validate(snap *models.AuditSnapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.ID == "" {
		return fmt.Errorf("snapshot has no audit id")
	}
	if snap.Host == "" {
		return fmt.Errorf("snapshot %s has no host", snap.ID)
	}
	seen := make(map[string]struct{}, len(snap.Findings))
	for _, f := range snap.Findings {
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("snapshot %s has duplicate finding %s", snap.ID, f.ID)
		}
		seen[f.ID] = struct{}{}
	}
	return nil
}

// sortNewestFirst orders by completion time, then by audit id, both descending.
func sortNewestFirst(snaps []*models.AuditSnapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		a, b := snaps[i], snaps[j]
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.After(b.CompletedAt)
		}
		return a.ID > b.ID
	})
}
