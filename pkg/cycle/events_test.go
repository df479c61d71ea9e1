package cycle

import (
	"testing"
	"time"
)

func TestEmitterDeliversToSubscribers(t *testing.T) {
	e := NewEmitter(nil)
	ch1, unsub1 := e.Subscribe(4)
	ch2, unsub2 := e.Subscribe(4)
	defer unsub1()
	defer unsub2()

	e.Emit(Event{Type: EventTransition, CycleID: "c1", Payload: map[string]any{"from": "IDLE"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventTransition {
				t.Errorf("subscriber %d: expected %s, got %s", i, EventTransition, ev.Type)
			}
			if ev.CycleID != "c1" {
				t.Errorf("subscriber %d: cycle id = %q", i, ev.CycleID)
			}
		default:
			t.Fatalf("subscriber %d did not receive the event", i)
		}
	}
}

func TestEmitterStampsZeroTimestamp(t *testing.T) {
	e := NewEmitter(nil)
	ch, unsub := e.Subscribe(1)
	defer unsub()

	before := time.Now().UTC()
	e.Emit(Event{Type: EventCompleted})
	ev := <-ch
	if ev.Timestamp.Before(before) || ev.Timestamp.After(time.Now().UTC()) {
		t.Errorf("timestamp not stamped: %v", ev.Timestamp)
	}

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.Emit(Event{Type: EventCompleted, Timestamp: fixed})
	ev = <-ch
	if !ev.Timestamp.Equal(fixed) {
		t.Errorf("explicit timestamp overwritten: %v", ev.Timestamp)
	}
}

func TestEmitterDropsWhenSubscriberFull(t *testing.T) {
	e := NewEmitter(nil)
	full, unsubFull := e.Subscribe(1)
	healthy, unsubHealthy := e.Subscribe(8)
	defer unsubFull()
	defer unsubHealthy()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			e.Emit(Event{Type: EventTransition, Payload: map[string]any{"seq": i}})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}

	// The full subscriber kept only the first event.
	got := drainEvents(full)
	if len(got) != 1 {
		t.Fatalf("full subscriber: expected 1 event, got %d", len(got))
	}
	if got[0].Payload["seq"] != 0 {
		t.Errorf("full subscriber kept the wrong event: %v", got[0].Payload)
	}

	// The healthy subscriber saw everything.
	if got := drainEvents(healthy); len(got) != 5 {
		t.Errorf("healthy subscriber: expected 5 events, got %d", len(got))
	}
}

func TestEmitterUnsubscribeClosesChannel(t *testing.T) {
	e := NewEmitter(nil)
	ch, unsub := e.Subscribe(1)

	unsub()
	unsub() // second call is a no-op

	if _, open := <-ch; open {
		t.Error("expected channel closed after unsubscribe")
	}

	// Events after unsubscribe go nowhere, without panic.
	e.Emit(Event{Type: EventTransition})
}

func TestEmitterClose(t *testing.T) {
	e := NewEmitter(nil)
	ch, unsub := e.Subscribe(1)
	defer unsub()

	e.Close()
	if _, open := <-ch; open {
		t.Error("expected channel closed after emitter Close")
	}

	e.Emit(Event{Type: EventTransition}) // discarded
	e.Close()                            // second close is a no-op

	late, lateUnsub := e.Subscribe(1)
	defer lateUnsub()
	if _, open := <-late; open {
		t.Error("expected closed channel for subscription after Close")
	}
}

// drainEvents collects everything buffered on ch without blocking.
func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
