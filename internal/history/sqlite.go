package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/hostaudit/internal/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists snapshots and alerts in a single SQLite file.
// Snapshots are stored as JSON documents next to the indexed columns used
// for ordering.
type SQLiteStore struct {
	db *sql.DB
	// mu serialises read-modify-write cycles.
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the history database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_snapshots (
		audit_id      TEXT PRIMARY KEY,
		host          TEXT NOT NULL,
		started_at    INTEGER NOT NULL,
		completed_at  INTEGER NOT NULL,
		regression    INTEGER NOT NULL DEFAULT 0,
		document      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_host_completed ON audit_snapshots(host, completed_at DESC);

	CREATE TABLE IF NOT EXISTS alerts (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		severity    TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL DEFAULT '',
		audit_id    TEXT NOT NULL DEFAULT '',
		host        TEXT NOT NULL DEFAULT '',
		check_ids   TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		read        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init history schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts a new snapshot.
func (s *SQLiteStore) Append(ctx context.Context, snap *models.AuditSnapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_snapshots (audit_id, host, started_at, completed_at, regression, document)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Host, snap.StartedAt.UnixNano(), snap.CompletedAt.UnixNano(), boolToInt(snap.Regression), string(doc),
	)
	if err != nil {
		return fmt.Errorf("append snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// Get retrieves a snapshot by audit id.
func (s *SQLiteStore) Get(ctx context.Context, auditID string) (*models.AuditSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document FROM audit_snapshots WHERE audit_id = ?`, auditID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("audit %s", auditID)
	}
	return snap, err
}

// ListByHost returns the host's snapshots newest first. limit <= 0 means all.
func (s *SQLiteStore) ListByHost(ctx context.Context, host string, limit int) ([]*models.AuditSnapshot, error) {
	query := `SELECT document FROM audit_snapshots WHERE host = ? ORDER BY completed_at DESC, audit_id DESC`
	args := []any{host}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", host, err)
	}
	defer rows.Close()

	var out []*models.AuditSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Update replaces an existing snapshot.
func (s *SQLiteStore) Update(ctx context.Context, snap *models.AuditSnapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(ctx, s.db, snap)
}

// Modify implements Store.Modify inside a transaction.
func (s *SQLiteStore) Modify(ctx context.Context, auditID string, fn func(*models.AuditSnapshot) error) (*models.AuditSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin modify %s: %w", auditID, err)
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := scanSnapshot(tx.QueryRowContext(ctx, `SELECT document FROM audit_snapshots WHERE audit_id = ?`, auditID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("audit %s", auditID)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(snap); err != nil {
		return nil, err
	}
	snap.ID = auditID
	if err := validate(snap); err != nil {
		return nil, err
	}
	if err := s.update(ctx, tx, snap); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit modify %s: %w", auditID, err)
	}
	return snap, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) update(ctx context.Context, db execer, snap *models.AuditSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE audit_snapshots SET
			host = ?, started_at = ?, completed_at = ?, regression = ?, document = ?
		WHERE audit_id = ?`,
		snap.Host, snap.StartedAt.UnixNano(), snap.CompletedAt.UnixNano(), boolToInt(snap.Regression), string(doc),
		snap.ID,
	)
	if err != nil {
		return fmt.Errorf("update snapshot %s: %w", snap.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return notFound("audit %s", snap.ID)
	}
	return nil
}

// Hosts lists every host with at least one snapshot.
func (s *SQLiteStore) Hosts(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT host FROM audit_snapshots ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// AddAlert stores an alert.
func (s *SQLiteStore) AddAlert(ctx context.Context, alert models.Alert) error {
	if alert.ID == "" {
		return fmt.Errorf("alert has no id")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, type, severity, message, audit_id, host, check_ids, created_at, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, string(alert.Type), alert.Severity, alert.Message, alert.AuditID, alert.Host,
		strings.Join(alert.CheckIDs, ","), alert.CreatedAt.UnixNano(), boolToInt(alert.Read),
	)
	if err != nil {
		return fmt.Errorf("add alert %s: %w", alert.ID, err)
	}
	return nil
}

// ListAlerts returns alerts created at or after since, newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, since time.Time, unreadOnly bool) ([]models.Alert, error) {
	query := `SELECT id, type, severity, message, audit_id, host, check_ids, created_at, read
		FROM alerts WHERE created_at >= ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAlertRead flags an alert as read.
func (s *SQLiteStore) MarkAlertRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark alert %s read: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return notFound("alert %s", id)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (*models.AuditSnapshot, error) {
	var doc string
	if err := sc.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	var snap models.AuditSnapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func scanAlert(sc scanner) (models.Alert, error) {
	var a models.Alert
	var typ, checkIDs string
	var createdAt int64
	var read int
	if err := sc.Scan(&a.ID, &typ, &a.Severity, &a.Message, &a.AuditID, &a.Host, &checkIDs, &createdAt, &read); err != nil {
		return models.Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	a.Type = models.AlertType(typ)
	if checkIDs != "" {
		a.CheckIDs = strings.Split(checkIDs, ",")
	}
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.Read = read != 0
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
