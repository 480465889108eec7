// Package httpapi exposes the lease lock manager over HTTP/JSON and a
// websocket watch endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/pslog"

	"github.com/docuvault/doclease/api"
	"github.com/docuvault/doclease/internal/clock"
	"github.com/docuvault/doclease/internal/core"
	"github.com/docuvault/doclease/internal/storage"
	"github.com/docuvault/doclease/internal/uuidv7"
)

const requestBodyLimit = 64 << 10

// Config wires the HTTP handler's dependencies.
type Config struct {
	Core   *core.Service
	Logger pslog.Logger
	Clock  clock.Clock
	Ready  func() bool
}

// Handler wires HTTP endpoints to core operations.
type Handler struct {
	core   *core.Service
	logger pslog.Logger
	clock  clock.Clock
	ready  func() bool
}

// NewHandler constructs the HTTP handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{core: cfg.Core, logger: logger, clock: clk, ready: cfg.Ready}
}

// Register mounts all endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/acquire", h.wrap("acquire", h.handleAcquire))
	mux.Handle("/v1/release", h.wrap("release", h.handleRelease))
	mux.Handle("/v1/force-release", h.wrap("force_release", h.handleForceRelease))
	mux.Handle("/v1/request-access", h.wrap("request_access", h.handleRequestAccess))
	mux.Handle("/v1/transfer-ownership", h.wrap("transfer_ownership", h.handleTransferOwnership))
	mux.Handle("/v1/status", h.wrap("status", h.handleStatus))
	mux.Handle("/v1/notifications", h.wrap("notifications", h.handleNotifications))
	mux.Handle("/v1/notifications/read", h.wrap("notifications.read", h.handleNotificationsRead))
	mux.Handle("/v1/watch", h.wrap("watch", h.handleWatch))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := uuidv7.NewString()
		logger := h.logger.With(
			"operation", operation,
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx := pslog.ContextWithLogger(r.Context(), logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)
		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req api.AcquireRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	res, err := h.core.Acquire(r.Context(), core.AcquireCommand{
		DocumentID: req.DocumentID,
		Holder: storage.Holder{
			UserID:     req.UserID,
			GuestEmail: req.GuestEmail,
			GuestName:  req.GuestName,
		},
		Reason:     req.Reason,
		TTLMinutes: req.TTLMinutes,
	})
	if err != nil {
		var failure core.Failure
		if errors.As(err, &failure) && failure.Code == api.CodeLockHeld {
			// Contended acquire carries the competing lease so the caller can
			// show who holds the document.
			h.writeJSON(w, http.StatusConflict, api.AcquireResponse{
				Acquired: false,
				Lock:     lockInfo(failure.Held),
			})
			return nil
		}
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.AcquireResponse{
		Acquired: true,
		Renewed:  res.Renewed,
		Lock:     lockInfo(res.Lock),
	})
	return nil
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req api.ReleaseRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	res, err := h.core.Release(r.Context(), core.ReleaseCommand{
		DocumentID: req.DocumentID,
		Holder:     storage.Holder{UserID: req.UserID, GuestEmail: req.GuestEmail},
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseResponse{Released: true, Lock: lockInfo(res.Lock)})
	return nil
}

func (h *Handler) handleForceRelease(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req api.ForceReleaseRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	res, err := h.core.ForceRelease(r.Context(), core.ForceReleaseCommand{
		DocumentID:  req.DocumentID,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.ReleaseResponse{Released: true, Lock: lockInfo(res.Lock)})
	return nil
}

func (h *Handler) handleRequestAccess(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req api.RequestAccessRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	res, err := h.core.RequestAccess(r.Context(), core.RequestAccessCommand{
		DocumentID:  req.DocumentID,
		RequesterID: req.RequesterID,
		Message:     req.Message,
	})
	if err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.StatusResponse{
		DocumentID: req.DocumentID,
		Locked:     true,
		Lock:       lockInfo(res.Lock),
	})
	return nil
}

func (h *Handler) handleTransferOwnership(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req api.TransferOwnershipRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if err := h.core.TransferOwnership(r.Context(), core.TransferOwnershipCommand{
		DocumentID:  req.DocumentID,
		NewOwnerID:  req.NewOwnerID,
		RequestedBy: req.RequestedBy,
	}); err != nil {
		return convertCoreError(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	q := r.URL.Query()
	cmd := core.StatusCommand{
		DocumentID:     q.Get("document_id"),
		IncludeHistory: parseBool(q.Get("history")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: api.CodeValidation, Detail: "invalid limit"}
		}
		cmd.HistoryLimit = n
	}
	res, err := h.core.Status(r.Context(), cmd)
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.StatusResponse{
		DocumentID: cmd.DocumentID,
		Locked:     res.Locked,
		Lock:       lockInfo(res.Lock),
	}
	for i := range res.History {
		resp.History = append(resp.History, *lockInfo(&res.History[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	q := r.URL.Query()
	cmd := core.ListNotificationsCommand{
		Recipient:  q.Get("recipient"),
		UnreadOnly: parseBool(q.Get("unread")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return httpError{Status: http.StatusBadRequest, Code: api.CodeValidation, Detail: "invalid limit"}
		}
		cmd.Limit = n
	}
	entries, err := h.core.ListNotifications(r.Context(), cmd)
	if err != nil {
		return convertCoreError(err)
	}
	resp := api.NotificationsResponse{
		Recipient:     cmd.Recipient,
		Notifications: make([]api.Notification, 0, len(entries)),
	}
	for _, n := range entries {
		resp.Notifications = append(resp.Notifications, api.Notification{
			ID:         n.ID,
			DocumentID: n.DocumentID,
			LockID:     n.LockID,
			Kind:       n.Kind,
			Message:    n.Message,
			IsRead:     n.IsRead,
			CreatedAt:  n.CreatedAtUnix,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleNotificationsRead(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodPost); err != nil {
		return err
	}
	var req api.MarkReadRequest
	if err := decodeRequest(r, &req); err != nil {
		return err
	}
	if req.All {
		updated, err := h.core.MarkAllNotificationsRead(r.Context(), req.Recipient)
		if err != nil {
			return convertCoreError(err)
		}
		h.writeJSON(w, http.StatusOK, api.MarkReadResponse{Updated: updated})
		return nil
	}
	if err := h.core.MarkNotificationRead(r.Context(), req.Recipient, req.NotificationID); err != nil {
		return convertCoreError(err)
	}
	h.writeJSON(w, http.StatusOK, api.MarkReadResponse{Updated: 1})
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	if h.ready != nil && !h.ready() {
		return httpError{Status: http.StatusServiceUnavailable, Code: api.CodeUnavailable, Detail: "server not ready"}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	return nil
}

func lockInfo(l *storage.Lock) *api.LockInfo {
	if l == nil {
		return nil
	}
	return &api.LockInfo{
		LockID:     l.ID,
		DocumentID: l.DocumentID,
		UserID:     l.Holder.UserID,
		GuestEmail: l.Holder.GuestEmail,
		GuestName:  l.Holder.GuestName,
		Holder:     l.Holder.Descriptor(),
		Reason:     l.Reason,
		AcquiredAt: l.AcquiredAtUnix,
		ExpiresAt:  l.ExpiresAtUnix,
		IsActive:   l.IsActive,
		ReleasedAt: l.ReleasedAtUnix,
		ReleasedBy: l.ReleasedBy,
	}
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// convertCoreError maps transport-neutral core failures onto HTTP-aware errors.
func convertCoreError(err error) error {
	var failure core.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{
			Status:     status,
			Code:       failure.Code,
			Detail:     failure.Detail,
			RetryAfter: failure.RetryAfter,
		}
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Code: api.CodeNotFound, Detail: "resource not found"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httpError{Status: http.StatusRequestTimeout, Code: api.CodeUnavailable, Detail: err.Error()}
	}
	return err
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var httpErr httpError
	if !errors.As(err, &httpErr) {
		httpErr = httpError{Status: http.StatusInternalServerError, Code: api.CodeInternal, Detail: err.Error()}
	}
	if httpErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(httpErr.RetryAfter, 10))
	}
	h.writeJSON(w, httpErr.Status, api.ErrorResponse{
		Code:       httpErr.Code,
		Detail:     httpErr.Detail,
		RetryAfter: httpErr.RetryAfter,
	})
}
