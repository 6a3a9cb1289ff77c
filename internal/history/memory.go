package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rcourtman/hostaudit/internal/models"
)

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	snaps  map[string]*models.AuditSnapshot
	alerts []models.Alert
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]*models.AuditSnapshot)}
}

func (m *MemoryStore) Append(_ context.Context, snap *models.AuditSnapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.snaps[snap.ID]; exists {
		return fmt.Errorf("audit %s already recorded", snap.ID)
	}
	m.snaps[snap.ID] = snap.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, auditID string) (*models.AuditSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[auditID]
	if !ok {
		return nil, notFound("audit %s", auditID)
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) ListByHost(_ context.Context, host string, limit int) ([]*models.AuditSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditSnapshot
	for _, snap := range m.snaps {
		if snap.Host == host {
			out = append(out, snap.Clone())
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, snap *models.AuditSnapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snaps[snap.ID]; !ok {
		return notFound("audit %s", snap.ID)
	}
	m.snaps[snap.ID] = snap.Clone()
	return nil
}

func (m *MemoryStore) Modify(_ context.Context, auditID string, fn func(*models.AuditSnapshot) error) (*models.AuditSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.snaps[auditID]
	if !ok {
		return nil, notFound("audit %s", auditID)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = auditID
	if err := validate(next); err != nil {
		return nil, err
	}
	m.snaps[auditID] = next.Clone()
	return next, nil
}

func (m *MemoryStore) Hosts(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, snap := range m.snaps {
		if _, ok := seen[snap.Host]; !ok {
			seen[snap.Host] = struct{}{}
			out = append(out, snap.Host)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) AddAlert(_ context.Context, alert models.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	alert.CheckIDs = append([]string(nil), alert.CheckIDs...)
	m.alerts = append(m.alerts, alert)
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, since time.Time, unreadOnly bool) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.CreatedAt.Before(since) || (unreadOnly && a.Read) {
			continue
		}
		a.CheckIDs = append([]string(nil), a.CheckIDs...)
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkAlertRead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id {
			m.alerts[i].Read = true
			return nil
		}
	}
	return notFound("alert %s", id)
}

func (m *MemoryStore) Close() error { return nil }
