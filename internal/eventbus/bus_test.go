package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: WorkerState, Data: StateChange{Subject: "kept-v4", From: "installing", To: "installed"}})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != WorkerState || e.Time.IsZero() {
			t.Fatalf("event = %+v", e)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel open after unsubscribe")
	}
	b.Publish(Event{Type: PushHandled})
	if e := <-c; e.Type != PushHandled {
		t.Fatalf("event = %+v", e)
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "first"})
	b.Publish(Event{Type: "second"})
	if e := <-ch; e.Type != "first" {
		t.Fatalf("event = %q", e.Type)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected %q", e.Type)
	default:
	}
}
