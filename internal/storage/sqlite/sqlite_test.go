package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/docuvault/doclease/internal/storage"
	"github.com/docuvault/doclease/internal/storage/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "doclease.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func TestPartialUniqueIndexRejectsSecondActiveLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)

	first := &storage.Lock{
		ID:             "lock-1",
		DocumentID:     "doc-1",
		Holder:         storage.Holder{UserID: "alice"},
		AcquiredAtUnix: 100,
		ExpiresAtUnix:  1900,
		IsActive:       true,
	}
	if err := store.InsertLock(ctx, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}

	second := &storage.Lock{
		ID:             "lock-2",
		DocumentID:     "doc-1",
		Holder:         storage.Holder{UserID: "bob"},
		AcquiredAtUnix: 101,
		IsActive:       true,
	}
	if err := store.InsertLock(ctx, second); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict from unique index, got %v", err)
	}

	// Inactive rows do not participate in the index.
	if err := store.DeactivateLock(ctx, "lock-1", 150, "alice"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := store.InsertLock(ctx, second); err != nil {
		t.Fatalf("insert after deactivate: %v", err)
	}

	active, err := store.GetActiveLock(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != "lock-2" || active.Holder.UserID != "bob" {
		t.Fatalf("unexpected active lock: %+v", active)
	}
}

func TestUpdateLockRenewalFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)

	lock := &storage.Lock{
		ID:             "lock-1",
		DocumentID:     "doc-1",
		Holder:         storage.Holder{GuestEmail: "guest@example.com", GuestName: "Guest"},
		AcquiredAtUnix: 100,
		ExpiresAtUnix:  160,
		IsActive:       true,
	}
	if err := store.InsertLock(ctx, lock); err != nil {
		t.Fatalf("insert: %v", err)
	}

	acquired, expires := int64(200), int64(260)
	updated, err := store.UpdateLock(ctx, "lock-1", storage.LockUpdate{
		AcquiredAtUnix: &acquired,
		ExpiresAtUnix:  &expires,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.AcquiredAtUnix != 200 || updated.ExpiresAtUnix != 260 {
		t.Fatalf("renewal timestamps not applied: %+v", updated)
	}
	if !updated.Holder.IsGuest() || updated.Holder.GuestEmail != "guest@example.com" {
		t.Fatalf("guest holder not round-tripped: %+v", updated.Holder)
	}

	if _, err := store.UpdateLock(ctx, "missing", storage.LockUpdate{AcquiredAtUnix: &acquired}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing lock, got %v", err)
	}
}

func TestNotificationsAndOwners(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.GetDocumentOwner(ctx, "doc-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unset owner, got %v", err)
	}
	if err := store.SetDocumentOwner(ctx, "doc-1", "alice"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := store.SetDocumentOwner(ctx, "doc-1", "carol"); err != nil {
		t.Fatalf("replace owner: %v", err)
	}
	owner, err := store.GetDocumentOwner(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get owner: %v", err)
	}
	if owner != "carol" {
		t.Fatalf("expected replaced owner carol, got %q", owner)
	}

	for i := 0; i < 4; i++ {
		n := &storage.Notification{
			ID:            []string{"n1", "n2", "n3", "n4"}[i],
			DocumentID:    "doc-1",
			Recipient:     "carol",
			Kind:          storage.KindLockAttempt,
			CreatedAtUnix: int64(100 + i),
		}
		if err := store.InsertNotification(ctx, n); err != nil {
			t.Fatalf("insert notification %d: %v", i, err)
		}
	}
	got, err := store.ListNotifications(ctx, "carol", storage.ListNotificationsOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "n4" || got[1].ID != "n3" {
		t.Fatalf("expected newest-first capped listing, got %+v", got)
	}

	if err := store.MarkNotificationRead(ctx, "carol", "n4"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, err := store.ListNotifications(ctx, "carol", storage.ListNotificationsOptions{UnreadOnly: true})
	if err != nil {
		t.Fatalf("list unread: %v", err)
	}
	if len(unread) != 3 {
		t.Fatalf("expected 3 unread, got %d", len(unread))
	}
	changed, err := store.MarkAllNotificationsRead(ctx, "carol")
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if changed != 3 {
		t.Fatalf("expected 3 changed, got %d", changed)
	}
}
