package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.StatusChanged(StatusStarting, nil)

	select {
	case ev := <-ch:
		if ev.Status != StatusStarting {
			t.Fatalf("Status = %v, want StatusStarting", ev.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.StatusChanged(StatusStarting, nil)
	}
	// Publish must not have blocked despite the subscriber never
	// draining; if it did, this test would hang instead of reaching here.
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	// Publishing after Unsubscribe must not panic or deliver.
	b.PermissionResult(true)

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after Unsubscribe")
	}
}
