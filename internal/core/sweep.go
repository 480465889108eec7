package core

import (
	"context"
	"errors"

	"github.com/docuvault/doclease/internal/storage"
)

// SweepExpired deactivates every lease past its expiry and emits the expiry
// notifications and change events. Reads already expire lazily; the sweep
// exists so holders hear about expiry promptly even when nobody touches the
// document. Returns the number of leases expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	active, err := s.store.ListActiveLocks(ctx)
	if err != nil {
		return 0, storageFailure(err)
	}
	nowUnix := s.clock.Now().Unix()

	expired := 0
	for i := range active {
		lock := &active[i]
		if !lock.Expired(nowUnix) {
			continue
		}
		if err := s.sweepOne(ctx, lock, nowUnix); err != nil {
			// Keep sweeping the rest; the next pass retries this one.
			s.loggerFor(ctx).Warn("lease.sweep.error",
				"document", lock.DocumentID,
				"lock_id", lock.ID,
				"error", err,
			)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.loggerFor(ctx).Info("lease.sweep.done", "expired", expired)
	}
	return expired, nil
}

func (s *Service) sweepOne(ctx context.Context, lock *storage.Lock, nowUnix int64) error {
	mu := s.docMutex(lock.DocumentID)
	mu.Lock()
	defer mu.Unlock()

	// Re-check under the doc mutex: the holder may have renewed or released
	// between the listing and now.
	current, err := s.store.GetActiveLock(ctx, lock.DocumentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if current.ID != lock.ID || !current.Expired(nowUnix) {
		return nil
	}
	_, err = s.expireLock(ctx, current, nowUnix)
	return err
}
