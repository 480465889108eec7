package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/docuvault/doclease/api"
)

// Watch is a live change event stream for one document or one inbox.
type Watch struct {
	conn   *websocket.Conn
	events chan api.ChangeEvent
	once   sync.Once
	err    error
	mu     sync.Mutex
}

// WatchDocument streams change events for a document. Delivery is best
// effort; use Status to resynchronize after reconnects.
func (c *Client) WatchDocument(ctx context.Context, documentID string) (*Watch, error) {
	return c.watch(ctx, url.Values{"document_id": {documentID}})
}

// WatchInbox streams notification events for a recipient.
func (c *Client) WatchInbox(ctx context.Context, recipient string) (*Watch, error) {
	return c.watch(ctx, url.Values{"recipient": {recipient}})
}

func (c *Client) watch(ctx context.Context, query url.Values) (*Watch, error) {
	wsURL := c.baseURL + "/v1/watch?" + query.Encode()
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: watch dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: watch dial: %w", err)
	}
	w := &Watch{conn: conn, events: make(chan api.ChangeEvent, 16)}
	go w.readPump(c)
	return w, nil
}

// Events returns the delivery channel. It is closed when the stream ends;
// check Err afterwards.
func (w *Watch) Events() <-chan api.ChangeEvent {
	return w.events
}

// Err reports why the stream ended, nil for a clean close.
func (w *Watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close tears the stream down.
func (w *Watch) Close() error {
	var err error
	w.once.Do(func() {
		err = w.conn.Close()
	})
	return err
}

func (w *Watch) readPump(c *Client) {
	defer close(w.events)
	for {
		var ev api.ChangeEvent
		if err := w.conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				c.logger.Debug("watch.read_error", "error", err)
			}
			w.Close()
			return
		}
		select {
		case w.events <- ev:
		default:
			// Match server semantics: a slow consumer drops events.
			c.logger.Debug("watch.drop", "type", ev.Type)
		}
	}
}
