package bus

import (
	"log/slog"
	"os"
	"testing"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func TestPublishFanOut(t *testing.T) {
	b := newTestBus()

	ch1, unsub1 := b.Subscribe()
	ch2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()

	b.Publish("status", "connected")

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Topic != "status" {
				t.Errorf("subscriber %d: expected topic 'status', got %s", i, evt.Topic)
			}
			if evt.Payload != "connected" {
				t.Errorf("subscriber %d: unexpected payload %v", i, evt.Payload)
			}
		default:
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()

	ch, unsub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	unsub()
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", b.SubscriberCount())
	}

	// Channel is closed; a receive must not block.
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish("status", "disconnected")
}

func TestSlowObserverDropsEvents(t *testing.T) {
	b := newTestBus()

	ch, unsub := b.Subscribe()
	defer unsub()

	// Fill the buffer past capacity; the overflow is dropped, not blocked on.
	for i := 0; i < 100; i++ {
		b.Publish("log", i)
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}

	if received != 64 {
		t.Errorf("expected 64 buffered events, got %d", received)
	}
}
