package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/xid"

	"github.com/docuvault/doclease/internal/bus"
	"github.com/docuvault/doclease/internal/storage"
)

// ListNotificationsCommand queries a recipient's inbox.
type ListNotificationsCommand struct {
	Recipient  string
	UnreadOnly bool
	Limit      int
}

// ListNotifications returns inbox entries newest first, capped at the
// configured inbox limit.
func (s *Service) ListNotifications(ctx context.Context, cmd ListNotificationsCommand) ([]storage.Notification, error) {
	if err := validateRecipient(cmd.Recipient); err != nil {
		return nil, err
	}
	limit := cmd.Limit
	if limit <= 0 || limit > s.inboxLimit {
		limit = s.inboxLimit
	}
	entries, err := s.store.ListNotifications(ctx, cmd.Recipient, storage.ListNotificationsOptions{
		UnreadOnly: cmd.UnreadOnly,
		Limit:      limit,
	})
	if err != nil {
		return nil, storageFailure(err)
	}
	return entries, nil
}

// MarkNotificationRead marks a single inbox entry as read.
func (s *Service) MarkNotificationRead(ctx context.Context, recipient, notificationID string) error {
	if err := validateRecipient(recipient); err != nil {
		return err
	}
	if strings.TrimSpace(notificationID) == "" {
		return Failure{Code: "validation", Detail: "notification_id is required", HTTPStatus: http.StatusBadRequest}
	}
	if err := s.store.MarkNotificationRead(ctx, recipient, notificationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Failure{Code: "not_found", Detail: "no such notification", HTTPStatus: http.StatusNotFound}
		}
		return storageFailure(err)
	}
	return nil
}

// MarkAllNotificationsRead marks the whole inbox read and reports how many
// entries changed.
func (s *Service) MarkAllNotificationsRead(ctx context.Context, recipient string) (int64, error) {
	if err := validateRecipient(recipient); err != nil {
		return 0, err
	}
	changed, err := s.store.MarkAllNotificationsRead(ctx, recipient)
	if err != nil {
		return 0, storageFailure(err)
	}
	return changed, nil
}

// notify stores an inbox entry and fans it out on the bus. Notification
// delivery is best effort: a storage failure here never fails the lock
// operation that produced it.
func (s *Service) notify(ctx context.Context, recipient string, n *storage.Notification) {
	if recipient == "" {
		return
	}
	n.Recipient = recipient
	if n.ID == "" {
		n.ID = xid.New().String()
	}
	if err := s.store.InsertNotification(ctx, n); err != nil {
		s.loggerFor(ctx).Warn("notify.store_failed",
			"recipient", recipient,
			"kind", n.Kind,
			"document", n.DocumentID,
			"error", err,
		)
		return
	}
	s.bus.PublishInbox(recipient, bus.Event{
		Type:       bus.EventNotification,
		DocumentID: n.DocumentID,
		LockID:     n.LockID,
		Message:    n.Message,
		AtUnix:     n.CreatedAtUnix,
	})
}

func validateRecipient(recipient string) error {
	if strings.TrimSpace(recipient) == "" {
		return Failure{Code: "validation", Detail: "recipient is required", HTTPStatus: http.StatusBadRequest}
	}
	return nil
}
