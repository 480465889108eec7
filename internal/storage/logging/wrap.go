// Package logging decorates a storage.Backend with structured debug logging.
package logging

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/docuvault/doclease/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
}

// Wrap decorates inner with debug logging of every backend call.
func Wrap(inner storage.Backend, logger pslog.Logger) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{inner: inner, logger: logger}
}

func (b *backend) loggerFor(ctx context.Context) pslog.Logger {
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return b.logger
}

func (b *backend) GetActiveLock(ctx context.Context, documentID string) (*storage.Lock, error) {
	begin := time.Now()
	lock, err := b.inner.GetActiveLock(ctx, documentID)
	logger := b.loggerFor(ctx)
	if err != nil {
		logger.Debug("storage.get_active_lock.miss", "document", documentID, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.get_active_lock.hit",
		"document", documentID,
		"lock_id", lock.ID,
		"holder", lock.Holder.Descriptor(),
		"expires_at", lock.ExpiresAtUnix,
		"elapsed", time.Since(begin),
	)
	return lock, nil
}

func (b *backend) InsertLock(ctx context.Context, lock *storage.Lock) error {
	begin := time.Now()
	err := b.inner.InsertLock(ctx, lock)
	logger := b.loggerFor(ctx)
	if err != nil {
		logger.Debug("storage.insert_lock.error", "document", lock.DocumentID, "lock_id", lock.ID, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.insert_lock.success",
		"document", lock.DocumentID,
		"lock_id", lock.ID,
		"holder", lock.Holder.Descriptor(),
		"guest", lock.Holder.IsGuest(),
		"expires_at", lock.ExpiresAtUnix,
		"elapsed", time.Since(begin),
	)
	return nil
}

func (b *backend) GetLock(ctx context.Context, lockID string) (*storage.Lock, error) {
	lock, err := b.inner.GetLock(ctx, lockID)
	if err != nil {
		b.loggerFor(ctx).Debug("storage.get_lock.error", "lock_id", lockID, "error", err)
	}
	return lock, err
}

func (b *backend) UpdateLock(ctx context.Context, lockID string, update storage.LockUpdate) (*storage.Lock, error) {
	begin := time.Now()
	lock, err := b.inner.UpdateLock(ctx, lockID, update)
	logger := b.loggerFor(ctx)
	if err != nil {
		logger.Debug("storage.update_lock.error", "lock_id", lockID, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	logger.Debug("storage.update_lock.success", "lock_id", lockID, "expires_at", lock.ExpiresAtUnix, "elapsed", time.Since(begin))
	return lock, nil
}

func (b *backend) DeactivateLock(ctx context.Context, lockID string, releasedAtUnix int64, releasedBy string) error {
	begin := time.Now()
	err := b.inner.DeactivateLock(ctx, lockID, releasedAtUnix, releasedBy)
	logger := b.loggerFor(ctx)
	if err != nil {
		logger.Debug("storage.deactivate_lock.error", "lock_id", lockID, "error", err, "elapsed", time.Since(begin))
		return err
	}
	logger.Debug("storage.deactivate_lock.success", "lock_id", lockID, "released_by", releasedBy, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListLocks(ctx context.Context, documentID string, limit int) ([]storage.Lock, error) {
	locks, err := b.inner.ListLocks(ctx, documentID, limit)
	if err != nil {
		b.loggerFor(ctx).Debug("storage.list_locks.error", "document", documentID, "error", err)
	}
	return locks, err
}

func (b *backend) ListActiveLocks(ctx context.Context) ([]storage.Lock, error) {
	locks, err := b.inner.ListActiveLocks(ctx)
	if err != nil {
		b.loggerFor(ctx).Debug("storage.list_active_locks.error", "error", err)
	}
	return locks, err
}

func (b *backend) GetDocumentOwner(ctx context.Context, documentID string) (string, error) {
	owner, err := b.inner.GetDocumentOwner(ctx, documentID)
	if err != nil {
		b.loggerFor(ctx).Debug("storage.get_owner.miss", "document", documentID, "error", err)
	}
	return owner, err
}

func (b *backend) SetDocumentOwner(ctx context.Context, documentID, owner string) error {
	err := b.inner.SetDocumentOwner(ctx, documentID, owner)
	logger := b.loggerFor(ctx)
	if err != nil {
		logger.Debug("storage.set_owner.error", "document", documentID, "error", err)
		return err
	}
	logger.Debug("storage.set_owner.success", "document", documentID, "owner", owner)
	return nil
}

func (b *backend) InsertNotification(ctx context.Context, n *storage.Notification) error {
	err := b.inner.InsertNotification(ctx, n)
	logger := b.loggerFor(ctx)
	if err != nil {
		logger.Debug("storage.insert_notification.error", "recipient", n.Recipient, "kind", n.Kind, "error", err)
		return err
	}
	logger.Debug("storage.insert_notification.success", "recipient", n.Recipient, "kind", n.Kind, "document", n.DocumentID)
	return nil
}

func (b *backend) ListNotifications(ctx context.Context, recipient string, opts storage.ListNotificationsOptions) ([]storage.Notification, error) {
	entries, err := b.inner.ListNotifications(ctx, recipient, opts)
	if err != nil {
		b.loggerFor(ctx).Debug("storage.list_notifications.error", "recipient", recipient, "error", err)
	}
	return entries, err
}

func (b *backend) MarkNotificationRead(ctx context.Context, recipient, id string) error {
	err := b.inner.MarkNotificationRead(ctx, recipient, id)
	if err != nil {
		b.loggerFor(ctx).Debug("storage.mark_read.error", "recipient", recipient, "id", id, "error", err)
	}
	return err
}

func (b *backend) MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error) {
	changed, err := b.inner.MarkAllNotificationsRead(ctx, recipient)
	if err != nil {
		b.loggerFor(ctx).Debug("storage.mark_all_read.error", "recipient", recipient, "error", err)
	}
	return changed, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
