package progress

import (
	"testing"
	"time"

	"github.com/crmsync/batch-engine/internal/domain"
)

func TestHubDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(4)
	ch1, cancel1 := hub.Subscribe("s1")
	ch2, cancel2 := hub.Subscribe("s1")
	defer cancel1()
	defer cancel2()

	hub.Publish(Event{SessionID: "s1", Status: domain.SessionStatusRunning, RecordsProcessed: 1, RecordsTotal: 10})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.RecordsProcessed != 1 {
				t.Fatalf("processed = %d, want 1", e.RecordsProcessed)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubSlowSubscriberLosesIntermediateNotTerminal(t *testing.T) {
	t.Parallel()

	hub := NewHub(2)
	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	// Overflow the buffer without draining; oldest events are shed.
	for i := 1; i <= 8; i++ {
		hub.Publish(Event{SessionID: "s1", Status: domain.SessionStatusRunning, RecordsProcessed: i, RecordsTotal: 9})
	}
	hub.Publish(Event{SessionID: "s1", Status: domain.SessionStatusCompleted, RecordsProcessed: 9, RecordsTotal: 9, Terminal: true})

	var last Event
	for e := range ch {
		last = e
	}
	if !last.Terminal {
		t.Fatalf("last delivered event = %+v, want terminal", last)
	}
	if last.Status != domain.SessionStatusCompleted {
		t.Fatalf("terminal status = %s, want COMPLETED", last.Status)
	}
}

func TestHubLateSubscriberGetsLastEvent(t *testing.T) {
	t.Parallel()

	hub := NewHub(4)
	hub.Publish(Event{SessionID: "s1", Status: domain.SessionStatusRunning, RecordsProcessed: 5, RecordsTotal: 10})

	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	select {
	case e := <-ch:
		if e.RecordsProcessed != 5 {
			t.Fatalf("replayed processed = %d, want 5", e.RecordsProcessed)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber did not receive replay")
	}
}

func TestHubSubscribeAfterTerminal(t *testing.T) {
	t.Parallel()

	hub := NewHub(4)
	hub.Publish(Event{SessionID: "s1", Status: domain.SessionStatusCompleted, Terminal: true})

	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	e, ok := <-ch
	if !ok || !e.Terminal {
		t.Fatalf("event = %+v ok = %v, want terminal replay", e, ok)
	}
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after terminal replay")
	}
}

func TestHubCancelDoesNotAffectOtherSubscribers(t *testing.T) {
	t.Parallel()

	hub := NewHub(4)
	_, cancel1 := hub.Subscribe("s1")
	ch2, cancel2 := hub.Subscribe("s1")
	defer cancel2()

	cancel1()
	cancel1() // double cancel is safe

	hub.Publish(Event{SessionID: "s1", Status: domain.SessionStatusRunning, RecordsProcessed: 2, RecordsTotal: 4})

	select {
	case e := <-ch2:
		if e.RecordsProcessed != 2 {
			t.Fatalf("processed = %d, want 2", e.RecordsProcessed)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber should still receive events")
	}
}

func TestETAEstimate(t *testing.T) {
	t.Parallel()

	eta := NewETA(5)
	now := time.Unix(1_700_000_000, 0)

	if got := eta.Estimate(10, now); got != nil {
		t.Fatalf("Estimate() before samples = %v, want nil", got)
	}

	eta.Observe(100 * time.Millisecond)
	eta.Observe(200 * time.Millisecond)
	if got := eta.Estimate(10, now); got != nil {
		t.Fatalf("Estimate() with 2 samples = %v, want nil", got)
	}

	eta.Observe(300 * time.Millisecond)
	got := eta.Estimate(10, now)
	if got == nil {
		t.Fatal("Estimate() with 3 samples should produce a value")
	}
	want := now.Add(2 * time.Second) // avg 200ms * 10 remaining
	if !got.Equal(want) {
		t.Fatalf("Estimate() = %v, want %v", got, want)
	}

	if got := eta.Estimate(0, now); got != nil {
		t.Fatalf("Estimate() with zero remaining = %v, want nil", got)
	}
}

func TestETARollingWindow(t *testing.T) {
	t.Parallel()

	eta := NewETA(3)
	now := time.Unix(1_700_000_000, 0)

	// Old slow samples roll out of the window.
	eta.Observe(10 * time.Second)
	eta.Observe(10 * time.Second)
	eta.Observe(10 * time.Second)
	eta.Observe(time.Second)
	eta.Observe(time.Second)
	eta.Observe(time.Second)

	got := eta.Estimate(2, now)
	if got == nil {
		t.Fatal("Estimate() should produce a value")
	}
	want := now.Add(2 * time.Second)
	if !got.Equal(want) {
		t.Fatalf("Estimate() = %v, want %v", got, want)
	}
}
