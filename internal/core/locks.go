package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/docuvault/doclease/internal/bus"
	"github.com/docuvault/doclease/internal/storage"
	"github.com/docuvault/doclease/internal/uuidv7"
)

// ReleasedByExpiry marks lock rows deactivated because their lease ran out.
const ReleasedByExpiry = "expiry"

// AcquireCommand describes a lock acquire or renewal attempt.
type AcquireCommand struct {
	DocumentID string
	Holder     storage.Holder
	Reason     string
	// TTLMinutes: zero selects the server default, negative requests an
	// indefinite lease.
	TTLMinutes int64
}

// AcquireResult reports a granted (or renewed) lease.
type AcquireResult struct {
	Renewed bool
	Lock    *storage.Lock
}

// ReleaseCommand describes a voluntary release by the holding user, or the
// document owner releasing a guest's lock on the guest's behalf. Guests
// cannot release locks themselves.
type ReleaseCommand struct {
	DocumentID string
	Holder     storage.Holder
}

// ReleaseResult reports the deactivated lock row.
type ReleaseResult struct {
	Lock *storage.Lock
}

// ForceReleaseCommand describes an owner override of any active lock.
type ForceReleaseCommand struct {
	DocumentID  string
	RequestedBy string
}

// Acquire grants an exclusive lease on a document, renews the caller's
// existing lease, or fails with lock_held when another holder is active.
func (s *Service) Acquire(ctx context.Context, cmd AcquireCommand) (*AcquireResult, error) {
	logger := s.loggerFor(ctx)

	if err := validateDocumentID(cmd.DocumentID); err != nil {
		return nil, err
	}
	if err := validateHolder(cmd.Holder); err != nil {
		return nil, err
	}
	ttl, indefinite := s.resolveTTL(cmd.TTLMinutes)

	mu := s.docMutex(cmd.DocumentID)
	mu.Lock()
	defer mu.Unlock()

	now := s.clock.Now()
	nowUnix := now.Unix()

	logger.Info("lease.acquire.begin",
		"document", cmd.DocumentID,
		"holder", cmd.Holder.Descriptor(),
		"guest", cmd.Holder.IsGuest(),
		"ttl_minutes", cmd.TTLMinutes,
	)

	active, err := s.activeLock(ctx, cmd.DocumentID, nowUnix)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if active.Holder.Equal(cmd.Holder) {
			return s.renew(ctx, logger, active, cmd, nowUnix, ttl, indefinite)
		}
		s.notifyLockAttempt(ctx, active, cmd.Holder, nowUnix)
		logger.Info("lease.acquire.held",
			"document", cmd.DocumentID,
			"holder", active.Holder.Descriptor(),
			"requested_by", cmd.Holder.Descriptor(),
		)
		return nil, heldFailure(active)
	}

	lock := &storage.Lock{
		ID:             uuidv7.NewString(),
		DocumentID:     cmd.DocumentID,
		Holder:         cmd.Holder,
		Reason:         strings.TrimSpace(cmd.Reason),
		AcquiredAtUnix: nowUnix,
		IsActive:       true,
	}
	if !indefinite {
		lock.ExpiresAtUnix = now.Add(ttl).Unix()
	}
	if err := s.store.InsertLock(ctx, lock); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost the race to a concurrent acquire on another node.
			winner, readErr := s.store.GetActiveLock(ctx, cmd.DocumentID)
			if readErr != nil {
				return nil, storageFailure(readErr)
			}
			s.notifyLockAttempt(ctx, winner, cmd.Holder, nowUnix)
			logger.Info("lease.acquire.lost_race",
				"document", cmd.DocumentID,
				"holder", winner.Holder.Descriptor(),
				"requested_by", cmd.Holder.Descriptor(),
			)
			return nil, heldFailure(winner)
		}
		return nil, storageFailure(err)
	}

	s.notifyOwnerAcquired(ctx, lock, nowUnix)
	s.bus.PublishDocument(lock.DocumentID, bus.Event{
		Type:   bus.EventLockAcquired,
		LockID: lock.ID,
		Holder: lock.Holder.Descriptor(),
		AtUnix: nowUnix,
	})
	logger.Info("lease.acquire.granted",
		"document", lock.DocumentID,
		"lock_id", lock.ID,
		"holder", lock.Holder.Descriptor(),
		"expires_at", lock.ExpiresAtUnix,
	)
	return &AcquireResult{Lock: lock}, nil
}

// renew extends the caller's existing lease. The expiry only ever moves
// forward; a renewal can never shorten a lease it already holds.
func (s *Service) renew(ctx context.Context, logger pslog.Logger, active *storage.Lock, cmd AcquireCommand, nowUnix int64, ttl time.Duration, indefinite bool) (*AcquireResult, error) {
	update := storage.LockUpdate{}
	switch {
	case indefinite:
		if active.ExpiresAtUnix != 0 {
			zero := int64(0)
			update.ExpiresAtUnix = &zero
		}
	case active.ExpiresAtUnix == 0:
		// Indefinite lease stays indefinite; a bounded renewal does not
		// re-arm expiry underneath the holder.
	default:
		next := nowUnix + int64(ttl.Seconds())
		if next > active.ExpiresAtUnix {
			update.ExpiresAtUnix = &next
		}
	}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" && reason != active.Reason {
		update.Reason = &reason
	}
	if update.ExpiresAtUnix == nil && update.Reason == nil {
		logger.Debug("lease.renew.noop", "document", active.DocumentID, "lock_id", active.ID)
		return &AcquireResult{Renewed: true, Lock: active}, nil
	}
	if update.ExpiresAtUnix != nil {
		// An extension restarts the lease; acquired_at reflects the renewal.
		update.AcquiredAtUnix = &nowUnix
	}
	updated, err := s.store.UpdateLock(ctx, active.ID, update)
	if err != nil {
		return nil, storageFailure(err)
	}
	s.bus.PublishDocument(updated.DocumentID, bus.Event{
		Type:   bus.EventLockAcquired,
		LockID: updated.ID,
		Holder: updated.Holder.Descriptor(),
		AtUnix: nowUnix,
	})
	logger.Info("lease.renew.extended",
		"document", updated.DocumentID,
		"lock_id", updated.ID,
		"expires_at", updated.ExpiresAtUnix,
	)
	return &AcquireResult{Renewed: true, Lock: updated}, nil
}

// Release ends an active lease. A holding user releases their own lease;
// guest-held leases are released only by the document owner, which also
// revokes the guest's access. Users never release other users' leases
// this way.
func (s *Service) Release(ctx context.Context, cmd ReleaseCommand) (*ReleaseResult, error) {
	logger := s.loggerFor(ctx)

	if err := validateDocumentID(cmd.DocumentID); err != nil {
		return nil, err
	}
	if err := validateHolder(cmd.Holder); err != nil {
		return nil, err
	}

	mu := s.docMutex(cmd.DocumentID)
	mu.Lock()
	defer mu.Unlock()

	nowUnix := s.clock.Now().Unix()
	active, err := s.activeLock(ctx, cmd.DocumentID, nowUnix)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, Failure{Code: "not_locked", Detail: "document has no active lock", HTTPStatus: http.StatusNotFound}
	}

	// Guest leases end only through the owner path. The guest does not get
	// to release their own lock; the document owner revokes it for them.
	if active.Holder.IsGuest() {
		if cmd.Holder.IsGuest() {
			return nil, Failure{
				Code:       "not_authorized",
				Detail:     "guest locks are released by the document owner",
				HTTPStatus: http.StatusForbidden,
			}
		}
		owner, err := s.documentOwner(ctx, cmd.DocumentID)
		if err != nil {
			return nil, err
		}
		if owner == "" || owner != cmd.Holder.UserID {
			return nil, Failure{
				Code:       "not_holder",
				Detail:     fmt.Sprintf("lock is held by %s", active.Holder.Descriptor()),
				HTTPStatus: http.StatusForbidden,
				Held:       active,
			}
		}
		released, err := s.deactivate(ctx, active, nowUnix, cmd.Holder.Descriptor())
		if err != nil {
			return nil, err
		}
		s.notify(ctx, active.Holder.Recipient(), &storage.Notification{
			DocumentID:    released.DocumentID,
			LockID:        released.ID,
			Kind:          storage.KindForceUnlock,
			Message:       fmt.Sprintf("your lock on document %s was released by the document owner", released.DocumentID),
			CreatedAtUnix: nowUnix,
		})
		s.bus.PublishDocument(released.DocumentID, bus.Event{
			Type:   bus.EventLockReleased,
			LockID: released.ID,
			Actor:  cmd.Holder.Descriptor(),
			Holder: active.Holder.Descriptor(),
			AtUnix: nowUnix,
		})
		s.revokeGuest(released.DocumentID, active.Holder)
		logger.Info("lease.release.guest_by_owner",
			"document", released.DocumentID,
			"lock_id", released.ID,
			"guest", active.Holder.Descriptor(),
			"owner", cmd.Holder.UserID,
		)
		return &ReleaseResult{Lock: released}, nil
	}

	if active.Holder.Equal(cmd.Holder) {
		released, err := s.deactivate(ctx, active, nowUnix, cmd.Holder.Descriptor())
		if err != nil {
			return nil, err
		}
		s.notify(ctx, active.Holder.Recipient(), &storage.Notification{
			DocumentID:    released.DocumentID,
			LockID:        released.ID,
			Kind:          storage.KindLockReleased,
			Message:       fmt.Sprintf("your lock on document %s was released", released.DocumentID),
			CreatedAtUnix: nowUnix,
		})
		s.bus.PublishDocument(released.DocumentID, bus.Event{
			Type:   bus.EventLockReleased,
			LockID: released.ID,
			Actor:  cmd.Holder.Descriptor(),
			AtUnix: nowUnix,
		})
		logger.Info("lease.release.done",
			"document", released.DocumentID,
			"lock_id", released.ID,
			"released_by", cmd.Holder.Descriptor(),
		)
		return &ReleaseResult{Lock: released}, nil
	}

	if cmd.Holder.IsGuest() {
		return nil, Failure{
			Code:       "not_authorized",
			Detail:     "guests may not release locks they do not hold",
			HTTPStatus: http.StatusForbidden,
		}
	}
	return nil, Failure{
		Code:       "not_holder",
		Detail:     fmt.Sprintf("lock is held by %s", active.Holder.Descriptor()),
		HTTPStatus: http.StatusForbidden,
		Held:       active,
	}
}

// ForceRelease lets the document owner break any active lock.
func (s *Service) ForceRelease(ctx context.Context, cmd ForceReleaseCommand) (*ReleaseResult, error) {
	logger := s.loggerFor(ctx)

	if err := validateDocumentID(cmd.DocumentID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.RequestedBy) == "" {
		return nil, Failure{Code: "validation", Detail: "requested_by is required", HTTPStatus: http.StatusBadRequest}
	}

	owner, err := s.documentOwner(ctx, cmd.DocumentID)
	if err != nil {
		return nil, err
	}
	if owner == "" || owner != cmd.RequestedBy {
		return nil, Failure{
			Code:       "not_authorized",
			Detail:     "only the document owner may force-release",
			HTTPStatus: http.StatusForbidden,
		}
	}

	mu := s.docMutex(cmd.DocumentID)
	mu.Lock()
	defer mu.Unlock()

	nowUnix := s.clock.Now().Unix()
	active, err := s.activeLock(ctx, cmd.DocumentID, nowUnix)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, Failure{Code: "not_locked", Detail: "document has no active lock", HTTPStatus: http.StatusNotFound}
	}

	released, err := s.deactivate(ctx, active, nowUnix, cmd.RequestedBy)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, active.Holder.Recipient(), &storage.Notification{
		DocumentID:    released.DocumentID,
		LockID:        released.ID,
		Kind:          storage.KindForceUnlock,
		Message:       fmt.Sprintf("your lock on document %s was force-released by %s", released.DocumentID, cmd.RequestedBy),
		CreatedAtUnix: nowUnix,
	})
	s.bus.PublishDocument(released.DocumentID, bus.Event{
		Type:   bus.EventLockReleased,
		LockID: released.ID,
		Actor:  cmd.RequestedBy,
		Holder: active.Holder.Descriptor(),
		AtUnix: nowUnix,
	})
	if active.Holder.IsGuest() {
		s.revokeGuest(released.DocumentID, active.Holder)
	}
	logger.Info("lease.force_release.done",
		"document", released.DocumentID,
		"lock_id", released.ID,
		"holder", active.Holder.Descriptor(),
		"requested_by", cmd.RequestedBy,
	)
	return &ReleaseResult{Lock: released}, nil
}

// activeLock loads the document's active lock, lazily expiring a stale row.
// Returns nil when the document is unlocked. Callers hold the doc mutex.
func (s *Service) activeLock(ctx context.Context, documentID string, nowUnix int64) (*storage.Lock, error) {
	active, err := s.store.GetActiveLock(ctx, documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, storageFailure(err)
	}
	if !active.Expired(nowUnix) {
		return active, nil
	}
	if _, err := s.expireLock(ctx, active, nowUnix); err != nil {
		return nil, err
	}
	return nil, nil
}

// expireLock deactivates a lease past its expiry and emits the expiry
// notification and change event.
func (s *Service) expireLock(ctx context.Context, lock *storage.Lock, nowUnix int64) (*storage.Lock, error) {
	expired, err := s.deactivate(ctx, lock, nowUnix, ReleasedByExpiry)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, lock.Holder.Recipient(), &storage.Notification{
		DocumentID:    expired.DocumentID,
		LockID:        expired.ID,
		Kind:          storage.KindLockExpired,
		Message:       fmt.Sprintf("your lock on document %s expired", expired.DocumentID),
		CreatedAtUnix: nowUnix,
	})
	s.bus.PublishDocument(expired.DocumentID, bus.Event{
		Type:   bus.EventLockExpired,
		LockID: expired.ID,
		Holder: lock.Holder.Descriptor(),
		AtUnix: nowUnix,
	})
	s.loggerFor(ctx).Info("lease.expired",
		"document", expired.DocumentID,
		"lock_id", expired.ID,
		"holder", lock.Holder.Descriptor(),
	)
	return expired, nil
}

func (s *Service) deactivate(ctx context.Context, lock *storage.Lock, nowUnix int64, releasedBy string) (*storage.Lock, error) {
	if err := s.store.DeactivateLock(ctx, lock.ID, nowUnix, releasedBy); err != nil {
		return nil, storageFailure(err)
	}
	released := *lock
	released.IsActive = false
	released.ReleasedAtUnix = nowUnix
	released.ReleasedBy = releasedBy
	return &released, nil
}

// documentOwner returns the registered owner, or "" when none is set.
func (s *Service) documentOwner(ctx context.Context, documentID string) (string, error) {
	owner, err := s.store.GetDocumentOwner(ctx, documentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", storageFailure(err)
	}
	return owner, nil
}

func (s *Service) revokeGuest(documentID string, holder storage.Holder) {
	if s.guestRevoker == nil {
		return
	}
	s.guestRevoker(documentID, holder)
}

func (s *Service) notifyLockAttempt(ctx context.Context, active *storage.Lock, requester storage.Holder, nowUnix int64) {
	if active == nil {
		return
	}
	s.notify(ctx, active.Holder.Recipient(), &storage.Notification{
		DocumentID:    active.DocumentID,
		LockID:        active.ID,
		Kind:          storage.KindLockAttempt,
		Message:       fmt.Sprintf("%s tried to lock document %s while you hold it", requester.Descriptor(), active.DocumentID),
		CreatedAtUnix: nowUnix,
	})
	s.bus.PublishDocument(active.DocumentID, bus.Event{
		Type:   bus.EventLockAttempt,
		LockID: active.ID,
		Actor:  requester.Descriptor(),
		Holder: active.Holder.Descriptor(),
		AtUnix: nowUnix,
	})
}

// notifyOwnerAcquired tells the document owner somebody else took the lock.
func (s *Service) notifyOwnerAcquired(ctx context.Context, lock *storage.Lock, nowUnix int64) {
	owner, err := s.documentOwner(ctx, lock.DocumentID)
	if err != nil || owner == "" || owner == lock.Holder.UserID {
		return
	}
	s.notify(ctx, owner, &storage.Notification{
		DocumentID:    lock.DocumentID,
		LockID:        lock.ID,
		Kind:          storage.KindLockAcquired,
		Message:       fmt.Sprintf("%s locked your document %s", lock.Holder.Descriptor(), lock.DocumentID),
		CreatedAtUnix: nowUnix,
	})
}

func (s *Service) loggerFor(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return s.logger
}

func heldFailure(active *storage.Lock) Failure {
	f := Failure{
		Code:       "lock_held",
		HTTPStatus: http.StatusConflict,
		Held:       active,
	}
	if active != nil {
		f.Detail = fmt.Sprintf("document is locked by %s", active.Holder.Descriptor())
	}
	return f
}

func storageFailure(err error) Failure {
	if storage.IsTransient(err) {
		return Failure{
			Code:       "unavailable",
			Detail:     err.Error(),
			RetryAfter: 1,
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}
	return Failure{Code: "internal", Detail: err.Error(), HTTPStatus: http.StatusInternalServerError}
}

func validateDocumentID(documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return Failure{Code: "validation", Detail: "document_id is required", HTTPStatus: http.StatusBadRequest}
	}
	return nil
}

func validateHolder(h storage.Holder) error {
	switch {
	case h.IsZero():
		return Failure{Code: "validation", Detail: "user_id or guest_email is required", HTTPStatus: http.StatusBadRequest}
	case h.UserID != "" && h.GuestEmail != "":
		return Failure{Code: "validation", Detail: "user_id and guest_email are mutually exclusive", HTTPStatus: http.StatusBadRequest}
	}
	return nil
}
