package bus

import (
	"context"
	"testing"
)

func TestMessageBus_RoutesByTask(t *testing.T) {
	mb := New()
	var a, b []Event
	mb.Subscribe("t1", "a", func(ev Event) { a = append(a, ev) })
	mb.Subscribe("t2", "b", func(ev Event) { b = append(b, ev) })

	mb.Broadcast(Event{Type: EventToken, TaskID: "t1", Token: "x"})
	if err := mb.Publish(context.Background(), Event{Type: EventDone, TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}

	if len(a) != 2 || len(b) != 0 {
		t.Errorf("a=%d b=%d", len(a), len(b))
	}

	mb.Unsubscribe("t1", "a")
	mb.Broadcast(Event{Type: EventToken, TaskID: "t1"})
	if len(a) != 2 {
		t.Error("unsubscribed handler still called")
	}
	if mb.SubscriberCount("t1") != 0 || mb.SubscriberCount("t2") != 1 {
		t.Errorf("counts t1=%d t2=%d", mb.SubscriberCount("t1"), mb.SubscriberCount("t2"))
	}
}

func TestMessageBus_SubscribeChanDropsWhenFull(t *testing.T) {
	mb := New()
	ch, cancel := mb.SubscribeChan("t", 2)
	defer cancel()

	for i := 0; i < 5; i++ {
		mb.Broadcast(Event{Type: EventToken, TaskID: "t"})
	}
	if len(ch) != 2 {
		t.Errorf("buffered = %d, want 2", len(ch))
	}

	cancel()
	if mb.SubscriberCount("t") != 0 {
		t.Error("cancel should unsubscribe")
	}
}
