package app

import (
	"time"

	"github.com/google/uuid"
)

// ProgressLog merges discrete backend step events into a session's single
// mutable progress message, and maintains the per-session query-analyzing
// message. All mutations go through SessionStore.Update, so they are
// serialized per session id.
type ProgressLog struct {
	store    SessionStore
	notifier *Notifier
}

func NewProgressLog(store SessionStore, notifier *Notifier) *ProgressLog {
	return &ProgressLog{store: store, notifier: notifier}
}

// StartProgress opens a fresh progress message for a new indexing job with a
// single active step. Later AddStep calls merge into this message, so an
// earlier, already finalized progress message is never reopened.
func (p *ProgressLog) StartProgress(sessionID, name, message string) error {
	sess, err := p.store.Update(sessionID, func(sess *Session) error {
		now := time.Now()
		sess.Messages = append(sess.Messages, Message{
			ID:        uuid.NewString(),
			Kind:      MessageProgress,
			Role:      "assistant",
			Timestamp: now,
			Steps: []Step{{
				ID:        uuid.NewString(),
				Name:      name,
				Message:   message,
				Status:    StepActive,
				Timestamp: now,
			}},
		})
		sess.CurrentStep = name
		sess.AnalysisProgress = 5
		sess.LastMessage = Preview(message, 120)
		return nil
	})
	if err != nil {
		return err
	}
	p.notifier.Publish(SessionEvent{
		Type:      EventProgressUpdated,
		SessionID: sess.ID,
		Step:      name,
	})
	return nil
}

// AddStep records a step on the session's progress message, creating the
// message if absent. Redelivery of an identical (name, message) pair updates
// the existing step in place instead of appending a duplicate. A new distinct
// step demotes the previously active step to completed.
func (p *ProgressLog) AddStep(sessionID, name, message string, status StepStatus) error {
	sess, err := p.store.Update(sessionID, func(sess *Session) error {
		msg := findLiveMessage(sess, MessageProgress)
		if msg == nil {
			sess.Messages = append(sess.Messages, Message{
				ID:        uuid.NewString(),
				Kind:      MessageProgress,
				Role:      "assistant",
				Timestamp: time.Now(),
			})
			msg = &sess.Messages[len(sess.Messages)-1]
		}

		now := time.Now()
		updated := false
		for i := range msg.Steps {
			if msg.Steps[i].Name == name && msg.Steps[i].Message == message {
				msg.Steps[i].Status = status
				msg.Steps[i].Timestamp = now
				updated = true
				break
			}
		}
		if !updated {
			if i := msg.ActiveStepIndex(); i >= 0 {
				msg.Steps[i].Status = StepCompleted
			}
			msg.Steps = append(msg.Steps, Step{
				ID:        uuid.NewString(),
				Name:      name,
				Message:   message,
				Status:    status,
				Timestamp: now,
			})
		}
		msg.Timestamp = now

		sess.CurrentStep = name
		sess.AnalysisProgress = estimateProgress(msg.Steps)
		sess.LastMessage = Preview(message, 120)
		return nil
	})
	if err != nil {
		return err
	}
	p.notifier.Publish(SessionEvent{
		Type:      EventProgressUpdated,
		SessionID: sess.ID,
		Step:      name,
	})
	return nil
}

// FinalizeIndexing appends the terminal completed step and the final plain
// assistant message, and marks every remaining step completed.
func (p *ProgressLog) FinalizeIndexing(sessionID, content string) error {
	sess, err := p.store.Update(sessionID, func(sess *Session) error {
		if msg := findLiveMessage(sess, MessageProgress); msg != nil {
			for i := range msg.Steps {
				if msg.Steps[i].Status == StepActive {
					msg.Steps[i].Status = StepCompleted
				}
			}
		}
		sess.Messages = append(sess.Messages, Message{
			ID:        uuid.NewString(),
			Kind:      MessagePlain,
			Role:      "assistant",
			Content:   content,
			Timestamp: time.Now(),
		})
		sess.AnalysisProgress = 100
		sess.CurrentStep = ""
		sess.LastMessage = Preview(content, 120)
		return nil
	})
	if err != nil {
		return err
	}
	p.notifier.Publish(SessionEvent{Type: EventMessageAppended, SessionID: sess.ID})
	return nil
}

// SetQueryProgress overwrites the single query-analyzing message rather than
// accumulating a step list, creating it on first delivery.
func (p *ProgressLog) SetQueryProgress(sessionID, step, message, status string) error {
	sess, err := p.store.Update(sessionID, func(sess *Session) error {
		msg := findLiveMessage(sess, MessageQueryAnalyzing)
		if msg == nil {
			sess.Messages = append(sess.Messages, Message{
				ID:        uuid.NewString(),
				Kind:      MessageQueryAnalyzing,
				Role:      "assistant",
				Timestamp: time.Now(),
			})
			msg = &sess.Messages[len(sess.Messages)-1]
		}
		msg.QueryStep = step
		msg.QueryMessage = message
		msg.QueryStatus = status
		msg.Timestamp = time.Now()
		return nil
	})
	if err != nil {
		return err
	}
	p.notifier.Publish(SessionEvent{
		Type:      EventProgressUpdated,
		SessionID: sess.ID,
		Step:      step,
	})
	return nil
}

// FinalizeQuery deletes the transient query-analyzing message and appends the
// final assistant answer in its place.
func (p *ProgressLog) FinalizeQuery(sessionID, answer string) error {
	sess, err := p.store.Update(sessionID, func(sess *Session) error {
		removeLiveMessage(sess, MessageQueryAnalyzing)
		sess.Messages = append(sess.Messages, Message{
			ID:        uuid.NewString(),
			Kind:      MessagePlain,
			Role:      "assistant",
			Content:   answer,
			Timestamp: time.Now(),
		})
		sess.LastMessage = Preview(answer, 120)
		return nil
	})
	if err != nil {
		return err
	}
	p.notifier.Publish(SessionEvent{Type: EventMessageAppended, SessionID: sess.ID})
	return nil
}

// AppendPlain appends an ordinary message; used for user prompts and for
// persisting terminal errors so history survives restarts.
func (p *ProgressLog) AppendPlain(sessionID, role, content string, videos []VideoRef) error {
	sess, err := p.store.Update(sessionID, func(sess *Session) error {
		sess.Messages = append(sess.Messages, Message{
			ID:        uuid.NewString(),
			Kind:      MessagePlain,
			Role:      role,
			Content:   content,
			Timestamp: time.Now(),
			Videos:    videos,
		})
		sess.LastMessage = Preview(content, 120)
		return nil
	})
	if err != nil {
		return err
	}
	p.notifier.Publish(SessionEvent{Type: EventMessageAppended, SessionID: sess.ID})
	return nil
}

func findLiveMessage(sess *Session, kind MessageKind) *Message {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Kind == kind {
			return &sess.Messages[i]
		}
	}
	return nil
}

func removeLiveMessage(sess *Session, kind MessageKind) {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Kind == kind {
			sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
			return
		}
	}
}

// estimateProgress maps the merged step list to a 0-100 figure. The backend
// does not report totals, so this stays a capped ramp until finalization.
func estimateProgress(steps []Step) int {
	completed := 0
	for _, st := range steps {
		if st.Status == StepCompleted {
			completed++
		}
	}
	pct := 5 + completed*15
	if pct > 95 {
		pct = 95
	}
	return pct
}
