// Package sqlite implements the storage backend on modernc.org/sqlite
// (pure Go, no CGO). The partial unique index on locks(document_id) WHERE
// is_active enforces the single-active-lock invariant at the storage layer,
// so concurrent acquirers racing past their initial read lose at insert
// time with storage.ErrConflict.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite3 "modernc.org/sqlite"

	"github.com/docuvault/doclease/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS locks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	holder_user TEXT NOT NULL DEFAULT '',
	guest_email TEXT NOT NULL DEFAULT '',
	guest_name  TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL DEFAULT 0,
	is_active   INTEGER NOT NULL DEFAULT 1,
	released_at INTEGER NOT NULL DEFAULT 0,
	released_by TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS locks_one_active
	ON locks(document_id) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS locks_by_document
	ON locks(document_id, acquired_at DESC);

CREATE TABLE IF NOT EXISTS notifications (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	lock_id     TEXT NOT NULL DEFAULT '',
	recipient   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	is_read     INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_by_recipient
	ON notifications(recipient, created_at DESC);

CREATE TABLE IF NOT EXISTS owners (
	document_id TEXT PRIMARY KEY,
	owner       TEXT NOT NULL
);
`

// Store implements storage.Backend on a local SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating when necessary) the database at path and bootstraps
// the schema. WAL mode keeps readers unblocked during lock churn.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite supports a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetActiveLock returns the active lock row for the document.
func (s *Store) GetActiveLock(ctx context.Context, documentID string) (*storage.Lock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, holder_user, guest_email, guest_name, reason,
		       acquired_at, expires_at, is_active, released_at, released_by
		FROM locks WHERE document_id = ? AND is_active = 1`, documentID)
	return scanLock(row)
}

// InsertLock appends a new lock row. A second active row for the same
// document violates locks_one_active and surfaces as storage.ErrConflict.
func (s *Store) InsertLock(ctx context.Context, lock *storage.Lock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (id, document_id, holder_user, guest_email, guest_name,
		                   reason, acquired_at, expires_at, is_active, released_at, released_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lock.ID, lock.DocumentID, lock.Holder.UserID, lock.Holder.GuestEmail,
		lock.Holder.GuestName, lock.Reason, lock.AcquiredAtUnix, lock.ExpiresAtUnix,
		boolToInt(lock.IsActive), lock.ReleasedAtUnix, lock.ReleasedBy)
	if isConstraintViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("insert lock: %w", err))
	}
	return nil
}

// GetLock returns a lock row by id.
func (s *Store) GetLock(ctx context.Context, lockID string) (*storage.Lock, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, holder_user, guest_email, guest_name, reason,
		       acquired_at, expires_at, is_active, released_at, released_by
		FROM locks WHERE id = ?`, lockID)
	return scanLock(row)
}

// UpdateLock applies the update and returns the resulting row.
func (s *Store) UpdateLock(ctx context.Context, lockID string, update storage.LockUpdate) (*storage.Lock, error) {
	set := ""
	args := make([]any, 0, 4)
	if update.AcquiredAtUnix != nil {
		set += "acquired_at = ?"
		args = append(args, *update.AcquiredAtUnix)
	}
	if update.ExpiresAtUnix != nil {
		if set != "" {
			set += ", "
		}
		set += "expires_at = ?"
		args = append(args, *update.ExpiresAtUnix)
	}
	if update.Reason != nil {
		if set != "" {
			set += ", "
		}
		set += "reason = ?"
		args = append(args, *update.Reason)
	}
	if set != "" {
		args = append(args, lockID)
		res, err := s.db.ExecContext(ctx, "UPDATE locks SET "+set+" WHERE id = ?", args...)
		if err != nil {
			return nil, storage.NewTransientError(fmt.Errorf("update lock: %w", err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, storage.ErrNotFound
		}
	}
	return s.GetLock(ctx, lockID)
}

// DeactivateLock marks the row inactive; already-inactive rows are left alone.
func (s *Store) DeactivateLock(ctx context.Context, lockID string, releasedAtUnix int64, releasedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE locks SET is_active = 0, released_at = ?, released_by = ?
		WHERE id = ? AND is_active = 1`, releasedAtUnix, releasedBy, lockID)
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("deactivate lock: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing row from already-released.
		var one int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM locks WHERE id = ?", lockID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return storage.NewTransientError(fmt.Errorf("deactivate lock: %w", err))
		}
	}
	return nil
}

// ListLocks returns the document's lock rows newest first.
func (s *Store) ListLocks(ctx context.Context, documentID string, limit int) ([]storage.Lock, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, holder_user, guest_email, guest_name, reason,
		       acquired_at, expires_at, is_active, released_at, released_by
		FROM locks WHERE document_id = ?
		ORDER BY acquired_at DESC, rowid DESC LIMIT ?`, documentID, limit)
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("list locks: %w", err))
	}
	defer rows.Close()
	return collectLocks(rows)
}

// ListActiveLocks enumerates every active row for the expiry sweeper.
func (s *Store) ListActiveLocks(ctx context.Context) ([]storage.Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, holder_user, guest_email, guest_name, reason,
		       acquired_at, expires_at, is_active, released_at, released_by
		FROM locks WHERE is_active = 1 ORDER BY document_id`)
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("list active locks: %w", err))
	}
	defer rows.Close()
	return collectLocks(rows)
}

// GetDocumentOwner returns the recorded owner for the document.
func (s *Store) GetDocumentOwner(ctx context.Context, documentID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, "SELECT owner FROM owners WHERE document_id = ?", documentID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", storage.NewTransientError(fmt.Errorf("get owner: %w", err))
	}
	return owner, nil
}

// SetDocumentOwner records or replaces the document owner.
func (s *Store) SetDocumentOwner(ctx context.Context, documentID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners (document_id, owner) VALUES (?, ?)
		ON CONFLICT(document_id) DO UPDATE SET owner = excluded.owner`, documentID, owner)
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("set owner: %w", err))
	}
	return nil
}

// InsertNotification appends one inbox entry.
func (s *Store) InsertNotification(ctx context.Context, n *storage.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, document_id, lock_id, recipient, kind, message, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.DocumentID, n.LockID, n.Recipient, n.Kind, n.Message, boolToInt(n.IsRead), n.CreatedAtUnix)
	if isConstraintViolation(err) {
		return storage.ErrConflict
	}
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("insert notification: %w", err))
	}
	return nil
}

// ListNotifications returns the recipient's inbox newest first.
func (s *Store) ListNotifications(ctx context.Context, recipient string, opts storage.ListNotificationsOptions) ([]storage.Notification, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultNotificationLimit
	}
	query := `
		SELECT id, document_id, lock_id, recipient, kind, message, is_read, created_at
		FROM notifications WHERE recipient = ?`
	if opts.UnreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, recipient, limit)
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("list notifications: %w", err))
	}
	defer rows.Close()
	out := make([]storage.Notification, 0, limit)
	for rows.Next() {
		var n storage.Notification
		var isRead int
		if err := rows.Scan(&n.ID, &n.DocumentID, &n.LockID, &n.Recipient, &n.Kind, &n.Message, &isRead, &n.CreatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.IsRead = isRead != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags one of the recipient's entries read.
func (s *Store) MarkNotificationRead(ctx context.Context, recipient, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient = ?", id, recipient)
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("mark read: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkAllNotificationsRead flags the whole inbox read.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE recipient = ? AND is_read = 0", recipient)
	if err != nil {
		return 0, storage.NewTransientError(fmt.Errorf("mark all read: %w", err))
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (*storage.Lock, error) {
	var lock storage.Lock
	var isActive int
	err := row.Scan(&lock.ID, &lock.DocumentID, &lock.Holder.UserID, &lock.Holder.GuestEmail,
		&lock.Holder.GuestName, &lock.Reason, &lock.AcquiredAtUnix, &lock.ExpiresAtUnix,
		&isActive, &lock.ReleasedAtUnix, &lock.ReleasedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("scan lock: %w", err))
	}
	lock.IsActive = isActive != 0
	return &lock, nil
}

func collectLocks(rows *sql.Rows) ([]storage.Lock, error) {
	var out []storage.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lock)
	}
	return out, rows.Err()
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite3.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 19 // SQLITE_CONSTRAINT
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
