package events

import (
	"testing"
	"time"

	"github.com/themadorg/tempmail/internal/db"
)

func arrival(addr, id string) Event {
	return Event{
		Kind:    KindEmailArrived,
		Address: addr,
		Email:   &db.Email{ID: id, To: addr},
	}
}

func TestFanOutToMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	bob1 := bus.Subscribe("bob@tempmail.local")
	bob2 := bus.Subscribe("bob@tempmail.local")
	alice := bus.Subscribe("alice@tempmail.local")
	all := bus.SubscribeAll()

	bus.Publish(arrival("bob@tempmail.local", "id-1"))

	for _, sub := range []*Subscription{bob1, bob2, all} {
		select {
		case ev := <-sub.C:
			if ev.Email.ID != "id-1" {
				t.Errorf("wrong event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case ev := <-alice.C:
		t.Errorf("alice received foreign event: %+v", ev)
	default:
	}
}

func TestPublicationOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("bob@tempmail.local")

	for i := 0; i < 10; i++ {
		bus.Publish(arrival("bob@tempmail.local", string(rune('a'+i))))
	}
	for i := 0; i < 10; i++ {
		ev := <-sub.C
		if ev.Email.ID != string(rune('a'+i)) {
			t.Fatalf("event %d out of order: %q", i, ev.Email.ID)
		}
	}
}

func TestSlowSubscriberLosesAndIsSignalled(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("bob@tempmail.local")

	// Overflow the buffer without draining.
	for i := 0; i < subscriptionBuffer+10; i++ {
		bus.Publish(arrival("bob@tempmail.local", "x"))
	}

	select {
	case <-sub.Lost:
	default:
		t.Fatal("Lost not signalled after overflow")
	}

	// Buffered events are still readable, publisher never blocked.
	count := 0
	for {
		select {
		case <-sub.C:
			count++
			continue
		default:
		}
		break
	}
	if count != subscriptionBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriptionBuffer, count)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("bob@tempmail.local")
	bus.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Error("channel not closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(arrival("bob@tempmail.local", "id"))
	// Double unsubscribe is a no-op.
	bus.Unsubscribe(sub)
}

func TestDeletionEvent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("bob@tempmail.local")

	bus.Publish(Event{Kind: KindEmailDeleted, Address: "bob@tempmail.local", ID: "gone"})
	ev := <-sub.C
	if ev.Kind != KindEmailDeleted || ev.ID != "gone" || ev.Email != nil {
		t.Errorf("unexpected deletion event: %+v", ev)
	}
}
