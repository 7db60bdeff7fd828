package app

import (
	"time"

	"github.com/google/uuid"
)

type AnalysisState string

const (
	AnalysisNone      AnalysisState = "none"
	AnalysisAnalyzing AnalysisState = "analyzing"
	AnalysisCompleted AnalysisState = "completed"
)

// Session is the durable record for one chat: metadata, attached videos and
// the full message log. Persisted as a single JSON document keyed by ID.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`

	Videos []VideoRef `json:"videos,omitempty"`

	AnalysisState    AnalysisState `json:"analysis_state"`
	AnalysisProgress int           `json:"analysis_progress"`
	CurrentStep      string        `json:"current_step,omitempty"`

	// LastMessage is a truncated preview for session lists.
	LastMessage string `json:"last_message,omitempty"`

	Messages []Message `json:"messages"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

type VideoRef struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration,omitempty"`
}

type MessageKind string

const (
	MessagePlain          MessageKind = "plain"
	MessageProgress       MessageKind = "progress"
	MessageQueryAnalyzing MessageKind = "query_analyzing"
)

// Message is a tagged union. Plain messages are append-only; a session has at
// most one live progress message (Steps) and at most one live query-analyzing
// message (QueryStep/QueryMessage/QueryStatus), both mutated in place until
// the job finishes and they are finalized or replaced.
type Message struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Role      string      `json:"role"` // user|assistant
	Content   string      `json:"content,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	Videos []VideoRef `json:"videos,omitempty"`

	Steps []Step `json:"steps,omitempty"`

	QueryStep    string `json:"query_step,omitempty"`
	QueryMessage string `json:"query_message,omitempty"`
	QueryStatus  string `json:"query_status,omitempty"`
}

type StepStatus string

const (
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

type Step struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Message   string     `json:"message"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// OrderingRecord is the persisted display order for sessions, decoupled from
// session content so reordering never rewrites session documents.
type OrderingRecord struct {
	Order         []string  `json:"order"`
	LastUpdated   time.Time `json:"last_updated"`
	LastOperation string    `json:"last_operation,omitempty"`
}

type SessionSummary struct {
	Session      Session `json:"session"`
	MessageCount int     `json:"message_count"`
}

func newMessageID() string { return uuid.NewString() }

// Preview returns a truncated single-line form of content for LastMessage.
func Preview(content string, max int) string {
	if max <= 0 {
		max = 120
	}
	runes := []rune(content)
	for i, r := range runes {
		if r == '\n' {
			runes = runes[:i]
			break
		}
	}
	if len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return string(runes)
}

// ActiveStepIndex returns the index of the active step, or -1. At most one
// step per progress message may be active.
func (m *Message) ActiveStepIndex() int {
	for i := range m.Steps {
		if m.Steps[i].Status == StepActive {
			return i
		}
	}
	return -1
}

// canTransition reports whether moving between analysis states is allowed.
// Completed sessions may re-enter analyzing when more videos are attached.
func canTransition(from, to AnalysisState) bool {
	if from == to {
		return true
	}
	switch from {
	case AnalysisNone:
		return to == AnalysisAnalyzing
	case AnalysisAnalyzing:
		return to == AnalysisCompleted || to == AnalysisNone
	case AnalysisCompleted:
		return to == AnalysisAnalyzing
	}
	return false
}
