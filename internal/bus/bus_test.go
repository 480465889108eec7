package bus_test

import (
	"testing"
	"time"

	"github.com/docuvault/doclease/internal/bus"
)

func TestDocumentSubscribersReceiveInOrder(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()

	subA := b.SubscribeDocument("doc-1")
	defer subA.Close()
	subB := b.SubscribeDocument("doc-1")
	defer subB.Close()
	other := b.SubscribeDocument("doc-2")
	defer other.Close()

	b.PublishDocument("doc-1", bus.Event{Type: bus.EventLockAcquired, LockID: "lock-1"})
	b.PublishDocument("doc-1", bus.Event{Type: bus.EventLockReleased, LockID: "lock-1"})

	for _, sub := range []*bus.Subscription{subA, subB} {
		first := recv(t, sub)
		if first.Type != bus.EventLockAcquired || first.DocumentID != "doc-1" {
			t.Fatalf("unexpected first event: %+v", first)
		}
		second := recv(t, sub)
		if second.Type != bus.EventLockReleased {
			t.Fatalf("unexpected second event: %+v", second)
		}
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("doc-2 subscriber received doc-1 event: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()

	sub := b.SubscribeInbox("alice")
	defer sub.Close()

	// Overfill the subscriber buffer; publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.PublishInbox("alice", bus.Event{Type: bus.EventNotification})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	drained := 0
	for {
		select {
		case <-sub.Events():
			drained++
		default:
			if drained == 0 || drained >= 100 {
				t.Fatalf("expected partial delivery, drained %d", drained)
			}
			return
		}
	}
}

func TestCloseUnsubscribesAndClosesChannel(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	defer b.Close()

	sub := b.SubscribeDocument("doc-1")
	sub.Close()
	sub.Close() // idempotent

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel after Close")
	}

	// Publishing after unsubscribe must not panic.
	b.PublishDocument("doc-1", bus.Event{Type: bus.EventLockAttempt})
}

func TestBusCloseDrainsSubscribers(t *testing.T) {
	t.Parallel()

	b := bus.New(nil)
	sub := b.SubscribeInbox("bob")
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected channel closed by bus shutdown")
	}
	if got := b.SubscribeInbox("bob"); got == nil {
		t.Fatal("subscribe after close should return a closed subscription, not nil")
	}
	b.PublishInbox("bob", bus.Event{Type: bus.EventNotification})
}

func recv(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}
