package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/docuvault/doclease/internal/storage"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
// The write lock doubles as the uniqueness guard: InsertLock checks for an
// active row and inserts under the same critical section.
type Store struct {
	mu            sync.RWMutex
	locks         map[string]*storage.Lock   // lock id -> row
	activeByDoc   map[string]string          // document id -> active lock id
	docLocks      map[string][]string        // document id -> lock ids, insertion order
	owners        map[string]string          // document id -> owner user id
	notifications map[string][]*storage.Notification // recipient -> entries, insertion order
	notifByID     map[string]*storage.Notification
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		locks:         make(map[string]*storage.Lock),
		activeByDoc:   make(map[string]string),
		docLocks:      make(map[string][]string),
		owners:        make(map[string]string),
		notifications: make(map[string][]*storage.Notification),
		notifByID:     make(map[string]*storage.Notification),
	}
}

// Close satisfies storage.Backend but requires no action for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// GetActiveLock returns a copy of the document's active lock row.
func (s *Store) GetActiveLock(_ context.Context, documentID string) (*storage.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeByDoc[documentID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneLock(s.locks[id]), nil
}

// InsertLock appends a new lock row, rejecting a second active row per document.
func (s *Store) InsertLock(_ context.Context, lock *storage.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock.IsActive {
		if _, held := s.activeByDoc[lock.DocumentID]; held {
			return storage.ErrConflict
		}
	}
	if _, exists := s.locks[lock.ID]; exists {
		return storage.ErrConflict
	}
	clone := cloneLock(lock)
	s.locks[clone.ID] = clone
	s.docLocks[clone.DocumentID] = append(s.docLocks[clone.DocumentID], clone.ID)
	if clone.IsActive {
		s.activeByDoc[clone.DocumentID] = clone.ID
	}
	return nil
}

// GetLock returns a copy of the lock row by id.
func (s *Store) GetLock(_ context.Context, lockID string) (*storage.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[lockID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneLock(lock), nil
}

// UpdateLock applies the update in place and returns the resulting row.
func (s *Store) UpdateLock(_ context.Context, lockID string, update storage.LockUpdate) (*storage.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[lockID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if update.AcquiredAtUnix != nil {
		lock.AcquiredAtUnix = *update.AcquiredAtUnix
	}
	if update.ExpiresAtUnix != nil {
		lock.ExpiresAtUnix = *update.ExpiresAtUnix
	}
	if update.Reason != nil {
		lock.Reason = *update.Reason
	}
	return cloneLock(lock), nil
}

// DeactivateLock marks the row inactive; repeated calls converge to a no-op.
func (s *Store) DeactivateLock(_ context.Context, lockID string, releasedAtUnix int64, releasedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[lockID]
	if !ok {
		return storage.ErrNotFound
	}
	if !lock.IsActive {
		return nil
	}
	lock.IsActive = false
	lock.ReleasedAtUnix = releasedAtUnix
	lock.ReleasedBy = releasedBy
	if s.activeByDoc[lock.DocumentID] == lockID {
		delete(s.activeByDoc, lock.DocumentID)
	}
	return nil
}

// ListLocks returns the document's lock rows newest first.
func (s *Store) ListLocks(_ context.Context, documentID string, limit int) ([]storage.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.docLocks[documentID]
	out := make([]storage.Lock, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *cloneLock(s.locks[ids[i]]))
	}
	return out, nil
}

// ListActiveLocks enumerates active rows ordered by document id for
// deterministic sweeps.
func (s *Store) ListActiveLocks(_ context.Context) ([]storage.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := make([]string, 0, len(s.activeByDoc))
	for doc := range s.activeByDoc {
		docs = append(docs, doc)
	}
	sort.Strings(docs)
	out := make([]storage.Lock, 0, len(docs))
	for _, doc := range docs {
		out = append(out, *cloneLock(s.locks[s.activeByDoc[doc]]))
	}
	return out, nil
}

// GetDocumentOwner returns the recorded owner for the document.
func (s *Store) GetDocumentOwner(_ context.Context, documentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[documentID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return owner, nil
}

// SetDocumentOwner records or replaces the document owner.
func (s *Store) SetDocumentOwner(_ context.Context, documentID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[documentID] = owner
	return nil
}

// InsertNotification appends one inbox entry.
func (s *Store) InsertNotification(_ context.Context, n *storage.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notifByID[n.ID]; exists {
		return storage.ErrConflict
	}
	clone := *n
	s.notifByID[clone.ID] = &clone
	s.notifications[clone.Recipient] = append(s.notifications[clone.Recipient], &clone)
	return nil
}

// ListNotifications returns the recipient's inbox newest first.
func (s *Store) ListNotifications(_ context.Context, recipient string, opts storage.ListNotificationsOptions) ([]storage.Notification, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = storage.DefaultNotificationLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.notifications[recipient]
	out := make([]storage.Notification, 0, limit)
	for i := len(entries) - 1; i >= 0; i-- {
		if len(out) >= limit {
			break
		}
		if opts.UnreadOnly && entries[i].IsRead {
			continue
		}
		out = append(out, *entries[i])
	}
	return out, nil
}

// MarkNotificationRead flags one of the recipient's entries read.
func (s *Store) MarkNotificationRead(_ context.Context, recipient, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifByID[id]
	if !ok || n.Recipient != recipient {
		return storage.ErrNotFound
	}
	n.IsRead = true
	return nil
}

// MarkAllNotificationsRead flags the whole inbox read.
func (s *Store) MarkAllNotificationsRead(_ context.Context, recipient string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, n := range s.notifications[recipient] {
		if !n.IsRead {
			n.IsRead = true
			changed++
		}
	}
	return changed, nil
}

func cloneLock(lock *storage.Lock) *storage.Lock {
	clone := *lock
	return &clone
}
