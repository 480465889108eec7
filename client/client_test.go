package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	doclease "github.com/docuvault/doclease"
	"github.com/docuvault/doclease/api"
	"github.com/docuvault/doclease/client"
)

func newTestClient(t *testing.T) *client.Client {
	t.Helper()
	ts := doclease.NewTestServer(t)
	c, err := client.New(ts.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestClientAcquireContendedRelease(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	ctx := context.Background()

	res, err := c.Acquire(ctx, api.AcquireRequest{DocumentID: "doc-1", UserID: "alice", TTLMinutes: 60})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Acquired || res.Lock == nil || res.Lock.Holder != "alice" {
		t.Fatalf("unexpected acquire result: %+v", res)
	}

	contended, err := c.Acquire(ctx, api.AcquireRequest{DocumentID: "doc-1", UserID: "bob"})
	if err != nil {
		t.Fatalf("contended acquire should not error: %v", err)
	}
	if contended.Acquired || contended.Lock == nil || contended.Lock.Holder != "alice" {
		t.Fatalf("contended result must expose the holder: %+v", contended)
	}

	renewed, err := c.Acquire(ctx, api.AcquireRequest{DocumentID: "doc-1", UserID: "alice", TTLMinutes: 60})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.Renewed {
		t.Fatalf("expected renewal flag: %+v", renewed)
	}

	released, err := c.Release(ctx, api.ReleaseRequest{DocumentID: "doc-1", UserID: "alice"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Released {
		t.Fatalf("unexpected release result: %+v", released)
	}

	status, err := c.Status(ctx, "doc-1", client.StatusOptions{IncludeHistory: true})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Locked || len(status.History) == 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestClientAPIErrorCarriesCode(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Release(ctx, api.ReleaseRequest{DocumentID: "doc-1", UserID: "alice"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *client.APIError, got %T: %v", err, err)
	}
	if apiErr.Status != 404 || apiErr.Code() != api.CodeNotLocked {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestClientNotificationsFlow(t *testing.T) {
	t.Parallel()

	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Acquire(ctx, api.AcquireRequest{DocumentID: "doc-1", UserID: "alice"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := c.RequestAccess(ctx, api.RequestAccessRequest{DocumentID: "doc-1", RequesterID: "bob", Message: "need it"}); err != nil {
		t.Fatalf("request access: %v", err)
	}

	inbox, err := c.Notifications(ctx, "alice", client.NotificationsOptions{UnreadOnly: true})
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(inbox.Notifications) != 1 || inbox.Notifications[0].Kind != api.KindAccessRequested {
		t.Fatalf("unexpected inbox: %+v", inbox.Notifications)
	}

	if err := c.MarkNotificationRead(ctx, "alice", inbox.Notifications[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	inbox, err = c.Notifications(ctx, "alice", client.NotificationsOptions{UnreadOnly: true})
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	if len(inbox.Notifications) != 0 {
		t.Fatalf("expected empty unread inbox, got %+v", inbox.Notifications)
	}
}

func TestClientWatchDocument(t *testing.T) {
	t.Parallel()

	ts := doclease.NewTestServer(t)
	c, err := client.New(ts.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	watch, err := c.WatchDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer watch.Close()

	// Let the server register the subscription before producing events.
	time.Sleep(50 * time.Millisecond)

	if _, err := c.Acquire(ctx, api.AcquireRequest{DocumentID: "doc-1", UserID: "alice"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	select {
	case ev := <-watch.Events():
		if ev.Type != api.KindLockAcquired || ev.Holder != "alice" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}
