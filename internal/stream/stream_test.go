package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesOnlyIncidentSubscribers(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := h.Subscribe(ctx, "inc-a")
	b := h.Subscribe(ctx, "inc-b")

	h.Publish(Event{Type: "message", IncidentID: "inc-a", Data: "hi"})

	select {
	case evt := <-a:
		if evt.Type != "message" || evt.Timestamp.IsZero() {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}
	select {
	case evt := <-b:
		t.Fatalf("subscriber b received %+v", evt)
	default:
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "inc")
	if h.Subscribers("inc") != 1 {
		t.Fatal("expected one subscriber")
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if h.Subscribers("inc") != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestPublishDropsWhenSubscriberIsSlow(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Subscribe(ctx, "inc")

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize*3; i++ {
			h.Publish(Event{IncidentID: "inc"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
