package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docuvault/doclease/internal/bus"
	"github.com/docuvault/doclease/internal/clock"
	"github.com/docuvault/doclease/internal/core"
	"github.com/docuvault/doclease/internal/storage"
	"github.com/docuvault/doclease/internal/storage/memory"
)

type testEnv struct {
	svc   *core.Service
	store *memory.Store
	clock *clock.Manual
	bus   *bus.Bus
}

func newTestEnv(t *testing.T, opts ...func(*core.Config)) *testEnv {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(time.Unix(1_000_000, 0))
	b := bus.New(nil)
	t.Cleanup(b.Close)
	cfg := core.Config{
		Store:      store,
		Bus:        b,
		Clock:      clk,
		DefaultTTL: 30 * time.Minute,
		MaxTTL:     2 * time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &testEnv{svc: core.New(cfg), store: store, clock: clk, bus: b}
}

func failureCode(t *testing.T, err error) string {
	t.Helper()
	var f core.Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected core.Failure, got %T: %v", err, err)
	}
	return f.Code
}

func TestAcquireGrantsExclusiveLease(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	alice := storage.Holder{UserID: "alice"}

	res, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: alice, Reason: "editing"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Renewed || res.Lock == nil || !res.Lock.IsActive {
		t.Fatalf("unexpected acquire result: %+v", res)
	}
	wantExpiry := env.clock.Now().Add(30 * time.Minute).Unix()
	if res.Lock.ExpiresAtUnix != wantExpiry {
		t.Fatalf("expected default ttl expiry %d, got %d", wantExpiry, res.Lock.ExpiresAtUnix)
	}

	_, err = env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "bob"}})
	if code := failureCode(t, err); code != "lock_held" {
		t.Fatalf("expected lock_held, got %q", code)
	}
	var f core.Failure
	errors.As(err, &f)
	if f.Held == nil || f.Held.Holder.UserID != "alice" {
		t.Fatalf("contended failure must carry the competing lock, got %+v", f.Held)
	}

	// The holder hears about the attempt.
	inbox, err := env.svc.ListNotifications(ctx, core.ListNotificationsCommand{Recipient: "alice"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != storage.KindLockAttempt {
		t.Fatalf("expected one lock_attempt notification, got %+v", inbox)
	}
}

func TestAcquireByHolderRenewsMonotonically(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	alice := storage.Holder{UserID: "alice"}

	first, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: alice, TTLMinutes: 60})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	env.clock.Advance(10 * time.Minute)
	renewed, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: alice, TTLMinutes: 60})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.Renewed {
		t.Fatal("expected renewal, got fresh acquire")
	}
	if renewed.Lock.ID != first.Lock.ID {
		t.Fatal("renewal must keep the same lock id")
	}
	if renewed.Lock.ExpiresAtUnix <= first.Lock.ExpiresAtUnix {
		t.Fatalf("renewal must extend expiry: %d -> %d", first.Lock.ExpiresAtUnix, renewed.Lock.ExpiresAtUnix)
	}

	// A shorter renewal never pulls the expiry backwards.
	shorter, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: alice, TTLMinutes: 1})
	if err != nil {
		t.Fatalf("short renew: %v", err)
	}
	if shorter.Lock.ExpiresAtUnix < renewed.Lock.ExpiresAtUnix {
		t.Fatalf("expiry moved backwards: %d -> %d", renewed.Lock.ExpiresAtUnix, shorter.Lock.ExpiresAtUnix)
	}
}

func TestIndefiniteLeaseNeverExpires(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "alice"}, TTLMinutes: -1})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Lock.ExpiresAtUnix != 0 {
		t.Fatalf("expected indefinite lease, got expiry %d", res.Lock.ExpiresAtUnix)
	}

	env.clock.Advance(1000 * time.Hour)
	status, err := env.svc.Status(ctx, core.StatusCommand{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Locked {
		t.Fatal("indefinite lease must not expire")
	}
}

func TestExpiredLeaseIsAcquirable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "alice"}, TTLMinutes: 5})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.clock.Advance(6 * time.Minute)

	second, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "bob"}})
	if err != nil {
		t.Fatalf("acquire over expired lease: %v", err)
	}
	if second.Lock.ID == first.Lock.ID {
		t.Fatal("expected a fresh lock row, not the expired one")
	}

	// The expired row stays in history with the expiry marker.
	old, err := env.store.GetLock(ctx, first.Lock.ID)
	if err != nil {
		t.Fatalf("get expired lock: %v", err)
	}
	if old.IsActive || old.ReleasedBy != core.ReleasedByExpiry {
		t.Fatalf("expired lock not deactivated by expiry: %+v", old)
	}

	// And the previous holder has an expiry notice.
	inbox, err := env.svc.ListNotifications(ctx, core.ListNotificationsCommand{Recipient: "alice"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != storage.KindLockExpired {
		t.Fatalf("expected lock_expired notification, got %+v", inbox)
	}
}

func TestReleaseRequiresHolder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	alice := storage.Holder{UserID: "alice"}

	if _, err := env.svc.Release(ctx, core.ReleaseCommand{DocumentID: "doc-1", Holder: alice}); failureCode(t, err) != "not_locked" {
		t.Fatalf("expected not_locked for unlocked document, got %v", err)
	}

	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: alice}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := env.svc.Release(ctx, core.ReleaseCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "bob"}}); failureCode(t, err) != "not_holder" {
		t.Fatalf("expected not_holder, got %v", err)
	}

	res, err := env.svc.Release(ctx, core.ReleaseCommand{DocumentID: "doc-1", Holder: alice})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Lock.IsActive || res.Lock.ReleasedBy != "alice" {
		t.Fatalf("unexpected released lock: %+v", res.Lock)
	}

	status, err := env.svc.Status(ctx, core.StatusCommand{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Locked {
		t.Fatal("document still locked after release")
	}

	// The release lands in the holder's inbox.
	inbox, err := env.svc.ListNotifications(ctx, core.ListNotificationsCommand{Recipient: "alice"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != storage.KindLockReleased {
		t.Fatalf("expected lock_released notification, got %+v", inbox)
	}
	if inbox[0].LockID != res.Lock.ID {
		t.Fatalf("notification references lock %q, want %q", inbox[0].LockID, res.Lock.ID)
	}
}

func TestGuestLockReleasableOnlyByOwner(t *testing.T) {
	t.Parallel()

	var revoked []string
	env := newTestEnv(t, func(cfg *core.Config) {
		cfg.GuestRevoker = func(documentID string, holder storage.Holder) {
			revoked = append(revoked, holder.GuestEmail)
		}
	})
	ctx := context.Background()
	guest := storage.Holder{GuestEmail: "guest@example.com", GuestName: "Guest"}

	if err := env.svc.TransferOwnership(ctx, core.TransferOwnershipCommand{DocumentID: "doc-1", NewOwnerID: "alice", RequestedBy: "alice"}); err != nil {
		t.Fatalf("claim ownership: %v", err)
	}
	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: guest}); err != nil {
		t.Fatalf("guest acquire: %v", err)
	}

	// The guest cannot release their own lock; only the owner ends it.
	if _, err := env.svc.Release(ctx, core.ReleaseCommand{DocumentID: "doc-1", Holder: guest}); failureCode(t, err) != "not_authorized" {
		t.Fatalf("expected not_authorized for guest self-release, got %v", err)
	}
	// A non-owner user cannot take the guest's lock.
	if _, err := env.svc.Release(ctx, core.ReleaseCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "bob"}}); failureCode(t, err) != "not_holder" {
		t.Fatalf("expected not_holder for non-owner, got %v", err)
	}
	// Another guest cannot either.
	if _, err := env.svc.Release(ctx, core.ReleaseCommand{DocumentID: "doc-1", Holder: storage.Holder{GuestEmail: "other@example.com"}}); failureCode(t, err) != "not_authorized" {
		t.Fatalf("expected not_authorized for other guest, got %v", err)
	}

	// The owner can, and the guest session gets revoked.
	res, err := env.svc.Release(ctx, core.ReleaseCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "alice"}})
	if err != nil {
		t.Fatalf("owner release of guest lock: %v", err)
	}
	if res.Lock.IsActive {
		t.Fatal("guest lock still active")
	}
	if len(revoked) != 1 || revoked[0] != "guest@example.com" {
		t.Fatalf("guest revoker not invoked: %v", revoked)
	}

	// The guest hears about it.
	inbox, err := env.svc.ListNotifications(ctx, core.ListNotificationsCommand{Recipient: "guest@example.com"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != storage.KindForceUnlock {
		t.Fatalf("expected force_unlock notification for guest, got %+v", inbox)
	}
}

func TestForceReleaseRestrictedToOwner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.svc.TransferOwnership(ctx, core.TransferOwnershipCommand{DocumentID: "doc-1", NewOwnerID: "alice", RequestedBy: "alice"}); err != nil {
		t.Fatalf("claim ownership: %v", err)
	}
	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "bob"}}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := env.svc.ForceRelease(ctx, core.ForceReleaseCommand{DocumentID: "doc-1", RequestedBy: "mallory"}); failureCode(t, err) != "not_authorized" {
		t.Fatalf("expected not_authorized for non-owner, got %v", err)
	}

	res, err := env.svc.ForceRelease(ctx, core.ForceReleaseCommand{DocumentID: "doc-1", RequestedBy: "alice"})
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if res.Lock.IsActive || res.Lock.ReleasedBy != "alice" {
		t.Fatalf("unexpected force-released lock: %+v", res.Lock)
	}

	inbox, err := env.svc.ListNotifications(ctx, core.ListNotificationsCommand{Recipient: "bob"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != storage.KindForceUnlock {
		t.Fatalf("expected force_unlock notification, got %+v", inbox)
	}
}

func TestRequestAccessNotifiesHolder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.RequestAccess(ctx, core.RequestAccessCommand{DocumentID: "doc-1", RequesterID: "bob"}); failureCode(t, err) != "not_locked" {
		t.Fatalf("expected not_locked, got %v", err)
	}

	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "alice"}}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	res, err := env.svc.RequestAccess(ctx, core.RequestAccessCommand{DocumentID: "doc-1", RequesterID: "bob", Message: "need to fix a typo"})
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if res.Holder != "alice" {
		t.Fatalf("unexpected holder descriptor %q", res.Holder)
	}

	inbox, err := env.svc.ListNotifications(ctx, core.ListNotificationsCommand{Recipient: "alice"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != storage.KindAccessRequested {
		t.Fatalf("expected access_requested notification, got %+v", inbox)
	}
}

func TestTransferOwnershipAuthorization(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	// Unowned documents accept the first claim.
	if err := env.svc.TransferOwnership(ctx, core.TransferOwnershipCommand{DocumentID: "doc-1", NewOwnerID: "alice", RequestedBy: "alice"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.svc.TransferOwnership(ctx, core.TransferOwnershipCommand{DocumentID: "doc-1", NewOwnerID: "mallory", RequestedBy: "mallory"}); failureCode(t, err) != "not_authorized" {
		t.Fatalf("expected not_authorized for non-owner transfer, got %v", err)
	}
	if err := env.svc.TransferOwnership(ctx, core.TransferOwnershipCommand{DocumentID: "doc-1", NewOwnerID: "carol", RequestedBy: "alice"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	inbox, err := env.svc.ListNotifications(ctx, core.ListNotificationsCommand{Recipient: "carol"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(inbox) != 1 || inbox[0].Kind != storage.KindOwnershipTransferred {
		t.Fatalf("expected ownership_transferred notification, got %+v", inbox)
	}
}

func TestSweepExpiredNotifiesAndPublishes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "alice"}, TTLMinutes: 5}); err != nil {
		t.Fatalf("acquire doc-1: %v", err)
	}
	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-2", Holder: storage.Holder{UserID: "bob"}, TTLMinutes: 60}); err != nil {
		t.Fatalf("acquire doc-2: %v", err)
	}

	sub := env.bus.SubscribeDocument("doc-1")
	defer sub.Close()

	env.clock.Advance(10 * time.Minute)
	expired, err := env.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired lease, got %d", expired)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != bus.EventLockExpired {
			t.Fatalf("expected lock_expired event, got %+v", ev)
		}
	default:
		t.Fatal("no change event published for expiry")
	}

	status, err := env.svc.Status(ctx, core.StatusCommand{DocumentID: "doc-2"})
	if err != nil {
		t.Fatalf("status doc-2: %v", err)
	}
	if !status.Locked {
		t.Fatal("unexpired lease must survive the sweep")
	}
}

func TestStatusHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	alice := storage.Holder{UserID: "alice"}

	for i := 0; i < 3; i++ {
		if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: alice}); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if _, err := env.svc.Release(ctx, core.ReleaseCommand{DocumentID: "doc-1", Holder: alice}); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		env.clock.Advance(time.Minute)
	}

	status, err := env.svc.Status(ctx, core.StatusCommand{DocumentID: "doc-1", IncludeHistory: true, HistoryLimit: 2})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Locked {
		t.Fatal("expected unlocked document")
	}
	if len(status.History) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(status.History))
	}
	if status.History[0].AcquiredAtUnix < status.History[1].AcquiredAtUnix {
		t.Fatal("history not newest-first")
	}
}

func TestMarkNotificationsRead(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "alice"}}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for _, requester := range []string{"bob", "carol"} {
		if _, err := env.svc.RequestAccess(ctx, core.RequestAccessCommand{DocumentID: "doc-1", RequesterID: requester}); err != nil {
			t.Fatalf("request access: %v", err)
		}
	}

	inbox, err := env.svc.ListNotifications(ctx, core.ListNotificationsCommand{Recipient: "alice", UnreadOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(inbox))
	}

	if err := env.svc.MarkNotificationRead(ctx, "alice", inbox[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := env.svc.MarkNotificationRead(ctx, "alice", "missing"); failureCode(t, err) != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}

	changed, err := env.svc.MarkAllNotificationsRead(ctx, "alice")
	if err != nil {
		t.Fatalf("mark all: %v", err)
	}
	if changed != 1 {
		t.Fatalf("expected 1 remaining unread marked, got %d", changed)
	}
}

func TestAcquireValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{Holder: storage.Holder{UserID: "alice"}}); failureCode(t, err) != "validation" {
		t.Fatalf("expected validation for missing document, got %v", err)
	}
	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1"}); failureCode(t, err) != "validation" {
		t.Fatalf("expected validation for missing holder, got %v", err)
	}
	if _, err := env.svc.Acquire(ctx, core.AcquireCommand{
		DocumentID: "doc-1",
		Holder:     storage.Holder{UserID: "alice", GuestEmail: "guest@example.com"},
	}); failureCode(t, err) != "validation" {
		t.Fatalf("expected validation for ambiguous holder, got %v", err)
	}
}

func TestAcquireRaceLoserGetsLockHeld(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	// Simulate another node winning the insert between our read and write by
	// pre-inserting directly into the backend.
	winner := &storage.Lock{
		ID:             "lock-w",
		DocumentID:     "doc-1",
		Holder:         storage.Holder{UserID: "winner"},
		AcquiredAtUnix: env.clock.Now().Unix(),
		ExpiresAtUnix:  env.clock.Now().Add(time.Hour).Unix(),
		IsActive:       true,
	}
	racing := raceStore{Backend: env.store, plant: winner}
	svc := core.New(core.Config{Store: &racing, Clock: env.clock, Bus: env.bus})

	_, err := svc.Acquire(ctx, core.AcquireCommand{DocumentID: "doc-1", Holder: storage.Holder{UserID: "loser"}})
	if code := failureCode(t, err); code != "lock_held" {
		t.Fatalf("expected lock_held for race loser, got %v", err)
	}
	var f core.Failure
	errors.As(err, &f)
	if f.Held == nil || f.Held.Holder.UserID != "winner" {
		t.Fatalf("race loser failure must carry the winner's lock, got %+v", f.Held)
	}
}

// raceStore reports no active lock on the first read, then plants a
// competing row right before the caller's insert.
type raceStore struct {
	storage.Backend
	plant   *storage.Lock
	planted bool
}

func (r *raceStore) GetActiveLock(ctx context.Context, documentID string) (*storage.Lock, error) {
	if !r.planted {
		return nil, storage.ErrNotFound
	}
	return r.Backend.GetActiveLock(ctx, documentID)
}

func (r *raceStore) InsertLock(ctx context.Context, lock *storage.Lock) error {
	if !r.planted {
		r.planted = true
		if err := r.Backend.InsertLock(ctx, r.plant); err != nil {
			return err
		}
	}
	return r.Backend.InsertLock(ctx, lock)
}
