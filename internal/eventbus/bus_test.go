package eventbus

import "testing"

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypePollCycle})
	b.Publish(Event{Type: TypeSubscriptionFired}) // dropped for a (buffer 1)

	if e := <-a; e.Type != TypePollCycle || e.Time.IsZero() {
		t.Fatalf("a got %+v", e)
	}
	if len(c) != 2 {
		t.Fatalf("c buffered %d events, want 2", len(c))
	}

	unsubA()
	unsubA()
	b.Publish(Event{Type: TypePollCycle}) // must not panic on closed channel
	if _, ok := <-a; ok {
		t.Fatal("expected a to be closed")
	}
}
