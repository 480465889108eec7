// Package retry decorates a storage.Backend with bounded retries of
// transient errors. Expected domain errors (not found, conflict) pass
// through untouched.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/docuvault/doclease/internal/clock"
	"github.com/docuvault/doclease/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) GetActiveLock(ctx context.Context, documentID string) (*storage.Lock, error) {
	var lock *storage.Lock
	err := b.withRetry(ctx, "get_active_lock", documentID, func(ctx context.Context) error {
		var err error
		lock, err = b.inner.GetActiveLock(ctx, documentID)
		return err
	})
	return lock, err
}

func (b *backend) InsertLock(ctx context.Context, lock *storage.Lock) error {
	return b.withRetry(ctx, "insert_lock", lock.DocumentID, func(ctx context.Context) error {
		return b.inner.InsertLock(ctx, lock)
	})
}

func (b *backend) GetLock(ctx context.Context, lockID string) (*storage.Lock, error) {
	var lock *storage.Lock
	err := b.withRetry(ctx, "get_lock", lockID, func(ctx context.Context) error {
		var err error
		lock, err = b.inner.GetLock(ctx, lockID)
		return err
	})
	return lock, err
}

func (b *backend) UpdateLock(ctx context.Context, lockID string, update storage.LockUpdate) (*storage.Lock, error) {
	var lock *storage.Lock
	err := b.withRetry(ctx, "update_lock", lockID, func(ctx context.Context) error {
		var err error
		lock, err = b.inner.UpdateLock(ctx, lockID, update)
		return err
	})
	return lock, err
}

func (b *backend) DeactivateLock(ctx context.Context, lockID string, releasedAtUnix int64, releasedBy string) error {
	return b.withRetry(ctx, "deactivate_lock", lockID, func(ctx context.Context) error {
		return b.inner.DeactivateLock(ctx, lockID, releasedAtUnix, releasedBy)
	})
}

func (b *backend) ListLocks(ctx context.Context, documentID string, limit int) ([]storage.Lock, error) {
	var locks []storage.Lock
	err := b.withRetry(ctx, "list_locks", documentID, func(ctx context.Context) error {
		var err error
		locks, err = b.inner.ListLocks(ctx, documentID, limit)
		return err
	})
	return locks, err
}

func (b *backend) ListActiveLocks(ctx context.Context) ([]storage.Lock, error) {
	var locks []storage.Lock
	err := b.withRetry(ctx, "list_active_locks", "", func(ctx context.Context) error {
		var err error
		locks, err = b.inner.ListActiveLocks(ctx)
		return err
	})
	return locks, err
}

func (b *backend) GetDocumentOwner(ctx context.Context, documentID string) (string, error) {
	var owner string
	err := b.withRetry(ctx, "get_owner", documentID, func(ctx context.Context) error {
		var err error
		owner, err = b.inner.GetDocumentOwner(ctx, documentID)
		return err
	})
	return owner, err
}

func (b *backend) SetDocumentOwner(ctx context.Context, documentID, owner string) error {
	return b.withRetry(ctx, "set_owner", documentID, func(ctx context.Context) error {
		return b.inner.SetDocumentOwner(ctx, documentID, owner)
	})
}

func (b *backend) InsertNotification(ctx context.Context, n *storage.Notification) error {
	return b.withRetry(ctx, "insert_notification", n.Recipient, func(ctx context.Context) error {
		return b.inner.InsertNotification(ctx, n)
	})
}

func (b *backend) ListNotifications(ctx context.Context, recipient string, opts storage.ListNotificationsOptions) ([]storage.Notification, error) {
	var entries []storage.Notification
	err := b.withRetry(ctx, "list_notifications", recipient, func(ctx context.Context) error {
		var err error
		entries, err = b.inner.ListNotifications(ctx, recipient, opts)
		return err
	})
	return entries, err
}

func (b *backend) MarkNotificationRead(ctx context.Context, recipient, id string) error {
	return b.withRetry(ctx, "mark_read", recipient, func(ctx context.Context) error {
		return b.inner.MarkNotificationRead(ctx, recipient, id)
	})
}

func (b *backend) MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error) {
	var changed int64
	err := b.withRetry(ctx, "mark_all_read", recipient, func(ctx context.Context) error {
		var err error
		changed, err = b.inner.MarkAllNotificationsRead(ctx, recipient)
		return err
	})
	return changed, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(delay)
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
