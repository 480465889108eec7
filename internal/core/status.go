package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/docuvault/doclease/internal/bus"
	"github.com/docuvault/doclease/internal/storage"
)

// StatusCommand queries a document's lock state.
type StatusCommand struct {
	DocumentID     string
	IncludeHistory bool
	HistoryLimit   int
}

// StatusResult reports the document's current lock state.
type StatusResult struct {
	Locked  bool
	Lock    *storage.Lock
	History []storage.Lock
}

// RequestAccessCommand asks the current holder to yield the document.
type RequestAccessCommand struct {
	DocumentID  string
	RequesterID string
	Message     string
}

// RequestAccessResult identifies the holder the request was forwarded to.
type RequestAccessResult struct {
	Holder string
	Lock   *storage.Lock
}

// TransferOwnershipCommand moves document ownership to another user.
type TransferOwnershipCommand struct {
	DocumentID  string
	NewOwnerID  string
	RequestedBy string
}

const defaultHistoryLimit = 20

// Status reports whether the document is locked and by whom. A stale lease
// found here is expired in place, so readers never observe a lock past its
// expiry.
func (s *Service) Status(ctx context.Context, cmd StatusCommand) (*StatusResult, error) {
	if err := validateDocumentID(cmd.DocumentID); err != nil {
		return nil, err
	}

	mu := s.docMutex(cmd.DocumentID)
	mu.Lock()
	nowUnix := s.clock.Now().Unix()
	active, err := s.activeLock(ctx, cmd.DocumentID, nowUnix)
	mu.Unlock()
	if err != nil {
		return nil, err
	}

	result := &StatusResult{Locked: active != nil, Lock: active}
	if cmd.IncludeHistory {
		limit := cmd.HistoryLimit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		history, err := s.store.ListLocks(ctx, cmd.DocumentID, limit)
		if err != nil {
			return nil, storageFailure(err)
		}
		result.History = history
	}
	return result, nil
}

// RequestAccess files an access request with the current holder. Fails with
// not_locked when nobody holds the document.
func (s *Service) RequestAccess(ctx context.Context, cmd RequestAccessCommand) (*RequestAccessResult, error) {
	logger := s.loggerFor(ctx)

	if err := validateDocumentID(cmd.DocumentID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.RequesterID) == "" {
		return nil, Failure{Code: "validation", Detail: "requester_id is required", HTTPStatus: http.StatusBadRequest}
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
		return nil, Failure{
			Code:       "not_locked",
			Detail:     "document has no active lock to request access to",
			HTTPStatus: http.StatusNotFound,
		}
	}

	message := fmt.Sprintf("%s requested access to document %s", cmd.RequesterID, cmd.DocumentID)
	if m := strings.TrimSpace(cmd.Message); m != "" {
		message = fmt.Sprintf("%s: %s", message, m)
	}
	s.notify(ctx, active.Holder.Recipient(), &storage.Notification{
		DocumentID:    cmd.DocumentID,
		LockID:        active.ID,
		Kind:          storage.KindAccessRequested,
		Message:       message,
		CreatedAtUnix: nowUnix,
	})
	s.bus.PublishDocument(cmd.DocumentID, bus.Event{
		Type:    bus.EventAccessRequested,
		LockID:  active.ID,
		Actor:   cmd.RequesterID,
		Holder:  active.Holder.Descriptor(),
		Message: strings.TrimSpace(cmd.Message),
		AtUnix:  nowUnix,
	})
	logger.Info("lease.request_access",
		"document", cmd.DocumentID,
		"holder", active.Holder.Descriptor(),
		"requester", cmd.RequesterID,
	)
	return &RequestAccessResult{Holder: active.Holder.Descriptor(), Lock: active}, nil
}

// TransferOwnership reassigns a document's owner. The current owner must
// request the transfer; a document without an owner accepts the first claim.
func (s *Service) TransferOwnership(ctx context.Context, cmd TransferOwnershipCommand) error {
	logger := s.loggerFor(ctx)

	if err := validateDocumentID(cmd.DocumentID); err != nil {
		return err
	}
	if strings.TrimSpace(cmd.NewOwnerID) == "" {
		return Failure{Code: "validation", Detail: "new_owner_id is required", HTTPStatus: http.StatusBadRequest}
	}
	if strings.TrimSpace(cmd.RequestedBy) == "" {
		return Failure{Code: "validation", Detail: "requested_by is required", HTTPStatus: http.StatusBadRequest}
	}

	owner, err := s.documentOwner(ctx, cmd.DocumentID)
	if err != nil {
		return err
	}
	if owner != "" && owner != cmd.RequestedBy {
		return Failure{
			Code:       "not_authorized",
			Detail:     "only the current owner may transfer ownership",
			HTTPStatus: http.StatusForbidden,
		}
	}
	if err := s.store.SetDocumentOwner(ctx, cmd.DocumentID, cmd.NewOwnerID); err != nil {
		return storageFailure(err)
	}

	nowUnix := s.clock.Now().Unix()
	if cmd.NewOwnerID != cmd.RequestedBy {
		s.notify(ctx, cmd.NewOwnerID, &storage.Notification{
			DocumentID:    cmd.DocumentID,
			Kind:          storage.KindOwnershipTransferred,
			Message:       fmt.Sprintf("%s transferred ownership of document %s to you", cmd.RequestedBy, cmd.DocumentID),
			CreatedAtUnix: nowUnix,
		})
	}
	s.bus.PublishDocument(cmd.DocumentID, bus.Event{
		Type:   bus.EventOwnershipMoved,
		Actor:  cmd.RequestedBy,
		Holder: cmd.NewOwnerID,
		AtUnix: nowUnix,
	})
	logger.Info("lease.ownership.transferred",
		"document", cmd.DocumentID,
		"from", cmd.RequestedBy,
		"to", cmd.NewOwnerID,
	)
	return nil
}
