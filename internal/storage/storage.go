package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested record is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrConflict       = errors.New("storage: active lock exists")
	ErrCASMismatch    = errors.New("storage: stale update")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Notification kinds written by the lock manager.
const (
	KindLockAcquired         = "lock_acquired"
	KindLockReleased         = "lock_released"
	KindLockExpired          = "lock_expired"
	KindForceUnlock          = "force_unlock"
	KindLockAttempt          = "lock_attempt"
	KindOwnershipTransferred = "ownership_transferred"
	KindAccessRequested      = "access_requested"
)

// DefaultNotificationLimit caps inbox listings when the caller does not set one.
const DefaultNotificationLimit = 50

// Holder identifies who holds a lock: a registered user or an invited guest,
// never both. The zero value is no holder.
type Holder struct {
	UserID     string `json:"user_id,omitempty"`
	GuestEmail string `json:"guest_email,omitempty"`
	GuestName  string `json:"guest_name,omitempty"`
}

// IsGuest reports whether the holder is a guest descriptor.
func (h Holder) IsGuest() bool {
	return h.UserID == "" && h.GuestEmail != ""
}

// IsZero reports whether no holder is set.
func (h Holder) IsZero() bool {
	return h.UserID == "" && h.GuestEmail == ""
}

// Equal reports whether two holders identify the same actor. Users match on
// user id, guests on email.
func (h Holder) Equal(other Holder) bool {
	if h.UserID != "" || other.UserID != "" {
		return h.UserID == other.UserID
	}
	return h.GuestEmail != "" && h.GuestEmail == other.GuestEmail
}

// Descriptor returns a human-readable identity for notifications and logs.
func (h Holder) Descriptor() string {
	if h.UserID != "" {
		return h.UserID
	}
	if h.GuestName != "" {
		return fmt.Sprintf("%s <%s>", h.GuestName, h.GuestEmail)
	}
	return h.GuestEmail
}

// Recipient returns the inbox address for the holder: user id for users,
// email for guests.
func (h Holder) Recipient() string {
	if h.UserID != "" {
		return h.UserID
	}
	return h.GuestEmail
}

// Lock is one exclusive-edit lease record. Rows are deactivated on release
// or expiry, never deleted, preserving per-document lock history.
type Lock struct {
	ID             string `json:"id"`
	DocumentID     string `json:"document_id"`
	Holder         Holder `json:"holder"`
	Reason         string `json:"reason,omitempty"`
	AcquiredAtUnix int64  `json:"acquired_at_unix"`
	// ExpiresAtUnix is zero for locks held until explicitly released.
	ExpiresAtUnix  int64  `json:"expires_at_unix,omitempty"`
	IsActive       bool   `json:"is_active"`
	ReleasedAtUnix int64  `json:"released_at_unix,omitempty"`
	ReleasedBy     string `json:"released_by,omitempty"`
}

// Expired reports whether the lock's lease has lapsed at the supplied time.
// Indefinite locks never expire.
func (l *Lock) Expired(nowUnix int64) bool {
	return l.ExpiresAtUnix != 0 && l.ExpiresAtUnix <= nowUnix
}

// LockUpdate mutates selected fields of an existing lock row. Nil fields are
// left untouched.
type LockUpdate struct {
	AcquiredAtUnix *int64
	ExpiresAtUnix  *int64
	Reason         *string
}

// Notification is one durable inbox entry.
type Notification struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	// LockID is empty for notifications that are not scoped to a lock.
	LockID        string `json:"lock_id,omitempty"`
	Recipient     string `json:"recipient"`
	Kind          string `json:"kind"`
	Message       string `json:"message,omitempty"`
	IsRead        bool   `json:"is_read"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

// ListNotificationsOptions filters inbox listings.
type ListNotificationsOptions struct {
	UnreadOnly bool
	// Limit caps results; <=0 applies DefaultNotificationLimit.
	Limit int
}

// Backend is the storage contract for the lock store, notification store,
// and document ownership records.
//
// Backends must guarantee at most one active lock row per document:
// InsertLock returns ErrConflict when an active row already exists for the
// same document. This is the insert-if-absent primitive that makes the
// race-loser detection in the lock manager correct.
type Backend interface {
	// GetActiveLock returns the active lock for a document, ErrNotFound when
	// the document is unlocked. Expiry is the caller's concern.
	GetActiveLock(ctx context.Context, documentID string) (*Lock, error)
	// InsertLock appends a new lock row, enforcing the single-active-lock
	// invariant.
	InsertLock(ctx context.Context, lock *Lock) error
	// GetLock returns a lock row by id regardless of its active state.
	GetLock(ctx context.Context, lockID string) (*Lock, error)
	// UpdateLock applies the update to an existing row and returns the result.
	UpdateLock(ctx context.Context, lockID string, update LockUpdate) (*Lock, error)
	// DeactivateLock marks the row inactive. Deactivating an already
	// inactive row is a no-op so concurrent cleanups converge.
	DeactivateLock(ctx context.Context, lockID string, releasedAtUnix int64, releasedBy string) error
	// ListLocks returns a document's lock rows newest first, active or not.
	ListLocks(ctx context.Context, documentID string, limit int) ([]Lock, error)
	// ListActiveLocks enumerates every active lock row for the expiry sweeper.
	ListActiveLocks(ctx context.Context) ([]Lock, error)

	// GetDocumentOwner returns the recorded owner, ErrNotFound when unset.
	GetDocumentOwner(ctx context.Context, documentID string) (string, error)
	// SetDocumentOwner records (or replaces) the document owner.
	SetDocumentOwner(ctx context.Context, documentID, owner string) error

	// InsertNotification appends one inbox entry.
	InsertNotification(ctx context.Context, n *Notification) error
	// ListNotifications returns a recipient's inbox, created_at descending.
	ListNotifications(ctx context.Context, recipient string, opts ListNotificationsOptions) ([]Notification, error)
	// MarkNotificationRead flags one entry read; ErrNotFound when the id does
	// not belong to the recipient.
	MarkNotificationRead(ctx context.Context, recipient, id string) error
	// MarkAllNotificationsRead flags the whole inbox read and reports how
	// many entries changed.
	MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error)

	// Close releases backend resources.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
