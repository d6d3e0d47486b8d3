package events_test

import (
	"testing"
	"time"

	"github.com/opsleuth/opsleuth/internal/events"
	"github.com/opsleuth/opsleuth/pkg/models"
)

func publish(h *events.Hub, id string, typ models.EventType) {
	h.Publish(models.ProgressEvent{
		Type:            typ,
		InvestigationID: id,
		Timestamp:       time.Now().UTC(),
	})
}

func TestSubscribeReceivesSubsequentEvents(t *testing.T) {
	h := events.NewHub()

	ch, cancel := h.Subscribe("inv-1")
	defer cancel()

	publish(h, "inv-1", models.EventWaveStarted)

	select {
	case ev := <-ch:
		if ev.Type != models.EventWaveStarted {
			t.Errorf("event type = %q, want %q", ev.Type, models.EventWaveStarted)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribeDoesNotReplayEarlierEvents(t *testing.T) {
	h := events.NewHub()

	publish(h, "inv-1", models.EventPlanned)

	ch, cancel := h.Subscribe("inv-1")
	defer cancel()

	select {
	case ev := <-ch:
		t.Errorf("received replayed event %q, streams start from now", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishIsScopedToInvestigation(t *testing.T) {
	h := events.NewHub()

	ch, cancel := h.Subscribe("inv-1")
	defer cancel()

	publish(h, "inv-2", models.EventWaveStarted)

	select {
	case ev := <-ch:
		t.Errorf("received event %q for another investigation", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	h := events.NewHub()

	ch1, cancel1 := h.Subscribe("inv-1")
	defer cancel1()
	ch2, cancel2 := h.Subscribe("inv-1")
	defer cancel2()

	publish(h, "inv-1", models.EventStepFinished)

	for i, ch := range []<-chan models.ProgressEvent{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i+1)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := events.NewHub()

	_, cancel := h.Subscribe("inv-1")
	defer cancel()

	// Never read: the buffer fills and further publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			publish(h, "inv-1", models.EventStepFinished)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestCancelledSubscriptionStopsDelivery(t *testing.T) {
	h := events.NewHub()

	ch, cancel := h.Subscribe("inv-1")
	cancel()

	publish(h, "inv-1", models.EventWaveStarted)

	if _, ok := <-ch; ok {
		t.Error("received event on cancelled subscription, want closed channel")
	}
}
