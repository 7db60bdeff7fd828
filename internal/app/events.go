package app

import "sync"

type EventType string

const (
	EventSessionCreated       EventType = "session_created"
	EventSessionDeleted       EventType = "session_deleted"
	EventSessionUpdated       EventType = "session_updated"
	EventMessageAppended      EventType = "message_appended"
	EventProgressUpdated      EventType = "progress_updated"
	EventAnalysisStateChanged EventType = "analysis_state_changed"
	EventJobFinished          EventType = "job_finished"
)

type SessionEvent struct {
	Type      EventType
	SessionID string
	MessageID string
	Step      string
	State     AnalysisState
	Err       string
}

// Notifier is the subscription surface the orchestration layer publishes to.
// The core never talks to a concrete UI; the TUI (or anything else) subscribes
// here. Publish never blocks: events to a full subscriber are dropped, the UI
// re-reads session state anyway.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan SessionEvent
	next int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: map[int]chan SessionEvent{}}
}

func (n *Notifier) Subscribe() (<-chan SessionEvent, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan SessionEvent, 64)
	n.subs[id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if c, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (n *Notifier) Publish(evt SessionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
