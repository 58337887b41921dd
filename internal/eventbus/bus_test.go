package eventbus

import (
	"sync"
	"testing"
)

func TestSubscribeFiltersByTypeAndPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	exact, unsubExact := b.Subscribe(4, "client.failed")
	defer unsubExact()
	prefixed, unsubPrefix := b.Subscribe(4, "scheduler.")
	defer unsubPrefix()

	b.Publish(Event{Type: "client.invoked"})
	b.Publish(Event{Type: "client.failed"})
	b.Publish(Event{Type: "scheduler.started"})

	if len(all) != 3 {
		t.Fatalf("all subscriber got %d events, want 3", len(all))
	}
	if len(exact) != 1 {
		t.Fatalf("exact subscriber got %d events, want 1", len(exact))
	}
	if e := <-prefixed; e.Type != "scheduler.started" {
		t.Fatalf("prefixed subscriber got %q", e.Type)
	}
	if e := <-exact; e.Time.IsZero() {
		t.Fatal("expected Publish to stamp the event time")
	}
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "late"})
}

func TestPublishRacesWithUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ch, unsub := b.Subscribe(2, "client.")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Publish(Event{Type: "client.invoked"})
			}
		}()
		go func() {
			defer wg.Done()
			<-ch
			unsub()
			for range ch {
			}
		}()
	}
	wg.Wait()

	// Every subscriber is gone: nothing is delivered or dropped any more.
	before := b.Dropped()
	b.Publish(Event{Type: "client.invoked"})
	if got := b.Dropped(); got != before {
		t.Fatalf("Dropped() = %d after all unsubscribed, want %d", got, before)
	}
}
