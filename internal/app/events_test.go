package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifierDeliversToAllSubscribers(t *testing.T) {
	n := NewNotifier()
	ch1, cancel1 := n.Subscribe()
	ch2, cancel2 := n.Subscribe()
	defer cancel1()
	defer cancel2()

	n.Publish(SessionEvent{Type: EventSessionCreated, SessionID: "s1"})

	for _, ch := range []<-chan SessionEvent{ch1, ch2} {
		select {
		case evt := <-ch:
			require.Equal(t, EventSessionCreated, evt.Type)
			require.Equal(t, "s1", evt.SessionID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestNotifierCancelClosesChannel(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe()
	cancel()
	_, open := <-ch
	require.False(t, open)

	// Double cancel must not panic.
	cancel()
}

func TestNotifierNeverBlocksOnSlowSubscriber(t *testing.T) {
	n := NewNotifier()
	_, cancel := n.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			n.Publish(SessionEvent{Type: EventProgressUpdated, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
