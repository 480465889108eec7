package httpapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docuvault/doclease/api"
	"github.com/docuvault/doclease/internal/clock"
	"github.com/docuvault/doclease/internal/core"
	"github.com/docuvault/doclease/internal/httpapi"
	"github.com/docuvault/doclease/internal/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_000_000, 0))
	svc := core.New(core.Config{
		Store:      memory.New(),
		Clock:      clk,
		DefaultTTL: 30 * time.Minute,
	})
	mux := http.NewServeMux()
	httpapi.NewHandler(httpapi.Config{Core: svc, Clock: clk}).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	t.Cleanup(svc.Bus().Close)
	return server, clk
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/acquire", api.AcquireRequest{
		DocumentID: "doc-1",
		UserID:     "alice",
		Reason:     "quarterly review",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire status %d", resp.StatusCode)
	}
	var acquired api.AcquireResponse
	decodeBody(t, resp, &acquired)
	if !acquired.Acquired || acquired.Lock == nil || acquired.Lock.Holder != "alice" {
		t.Fatalf("unexpected acquire response: %+v", acquired)
	}

	// Contender sees 409 with the holder's lease.
	resp = postJSON(t, server.URL+"/v1/acquire", api.AcquireRequest{DocumentID: "doc-1", UserID: "bob"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("contended acquire status %d", resp.StatusCode)
	}
	var contended api.AcquireResponse
	decodeBody(t, resp, &contended)
	if contended.Acquired || contended.Lock == nil || contended.Lock.Holder != "alice" {
		t.Fatalf("contended response must carry the holder: %+v", contended)
	}

	resp = postJSON(t, server.URL+"/v1/release", api.ReleaseRequest{DocumentID: "doc-1", UserID: "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status %d", resp.StatusCode)
	}
	var released api.ReleaseResponse
	decodeBody(t, resp, &released)
	if !released.Released || released.Lock.IsActive {
		t.Fatalf("unexpected release response: %+v", released)
	}

	statusResp, err := http.Get(server.URL + "/v1/status?document_id=doc-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status api.StatusResponse
	decodeBody(t, statusResp, &status)
	if status.Locked {
		t.Fatal("document still locked after release")
	}
}

func TestErrorEnvelope(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/release", api.ReleaseRequest{DocumentID: "doc-1", UserID: "alice"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var envelope api.ErrorResponse
	decodeBody(t, resp, &envelope)
	if envelope.Code != api.CodeNotLocked {
		t.Fatalf("expected not_locked, got %+v", envelope)
	}

	// Unknown fields are rejected.
	resp, err := http.Post(server.URL+"/v1/acquire", "application/json",
		strings.NewReader(`{"document_id":"doc-1","user_id":"alice","bogus":true}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &envelope)
	if envelope.Code != api.CodeValidation {
		t.Fatalf("expected validation code, got %+v", envelope)
	}

	// Wrong method.
	resp, err = http.Get(server.URL + "/v1/acquire")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestForceReleaseAndNotificationsEndpoints(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	resp := postJSON(t, server.URL+"/v1/transfer-ownership", api.TransferOwnershipRequest{
		DocumentID:  "doc-1",
		NewOwnerID:  "alice",
		RequestedBy: "alice",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("transfer status %d", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/v1/acquire", api.AcquireRequest{DocumentID: "doc-1", GuestEmail: "guest@example.com", GuestName: "Guest"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("guest acquire status %d", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/v1/force-release", api.ForceReleaseRequest{DocumentID: "doc-1", RequestedBy: "mallory"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner force-release, got %d", resp.StatusCode)
	}

	resp = postJSON(t, server.URL+"/v1/force-release", api.ForceReleaseRequest{DocumentID: "doc-1", RequestedBy: "alice"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("force-release status %d", resp.StatusCode)
	}

	listResp, err := http.Get(server.URL + "/v1/notifications?recipient=guest%40example.com&unread=true")
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	var inbox api.NotificationsResponse
	decodeBody(t, listResp, &inbox)
	if len(inbox.Notifications) != 1 || inbox.Notifications[0].Kind != api.KindForceUnlock {
		t.Fatalf("expected force_unlock notification, got %+v", inbox.Notifications)
	}

	resp = postJSON(t, server.URL+"/v1/notifications/read", api.MarkReadRequest{Recipient: "guest@example.com", All: true})
	var marked api.MarkReadResponse
	decodeBody(t, resp, &marked)
	if marked.Updated != 1 {
		t.Fatalf("expected 1 marked read, got %d", marked.Updated)
	}
}

func TestWatchStreamsDocumentEvents(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/watch?document_id=doc-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial watch: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the subscription after the
	// handshake before producing events.
	time.Sleep(50 * time.Millisecond)

	resp := postJSON(t, server.URL+"/v1/acquire", api.AcquireRequest{DocumentID: "doc-1", UserID: "alice"})
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev api.ChangeEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read change event: %v", err)
	}
	if ev.Type != api.KindLockAcquired || ev.DocumentID != "doc-1" || ev.Holder != "alice" {
		t.Fatalf("unexpected change event: %+v", ev)
	}
}

func TestWatchRequiresExactlyOneTopic(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/v1/watch")
	if err != nil {
		t.Fatalf("GET watch: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without topic, got %d", resp.StatusCode)
	}
}
