package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docuvault/doclease/api"
	"github.com/docuvault/doclease/internal/bus"
)

const (
	watchWriteTimeout = 10 * time.Second
	watchPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// Auth happens out of band; the watch stream carries no secrets.
		return true
	},
}

// handleWatch streams change events for one document or one inbox over a
// websocket. Delivery is best effort: a slow consumer misses events rather
// than slowing the publishers.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(r, http.MethodGet); err != nil {
		return err
	}
	q := r.URL.Query()
	documentID := q.Get("document_id")
	recipient := q.Get("recipient")
	if (documentID == "") == (recipient == "") {
		return httpError{
			Status: http.StatusBadRequest,
			Code:   api.CodeValidation,
			Detail: "exactly one of document_id or recipient is required",
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return nil
	}

	var sub *bus.Subscription
	if documentID != "" {
		sub = h.core.Bus().SubscribeDocument(documentID)
	} else {
		sub = h.core.Bus().SubscribeInbox(recipient)
	}
	go h.watchPump(conn, sub)
	return nil
}

func (h *Handler) watchPump(conn *websocket.Conn, sub *bus.Subscription) {
	defer conn.Close()
	defer sub.Close()

	// Reader goroutine: we never expect client frames, but reading is what
	// surfaces close and ping/pong handling.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(changeEvent(ev)); err != nil {
				h.logger.Debug("watch.write_error", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func changeEvent(ev bus.Event) api.ChangeEvent {
	return api.ChangeEvent{
		Type:       ev.Type,
		DocumentID: ev.DocumentID,
		LockID:     ev.LockID,
		Actor:      ev.Actor,
		Holder:     ev.Holder,
		Recipient:  ev.Recipient,
		Message:    ev.Message,
		AtUnix:     ev.AtUnix,
	}
}
