package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend scripts the analysis backend: each poll consumes the next
// status in the sequence, the last one repeats.
type fakeBackend struct {
	mu sync.Mutex

	indexStatuses []JobStatus
	queryStatuses []JobStatus

	imagebindLoaded bool
	loadFails       bool
	rejectUpload    bool
	rejectQuery     bool

	// garbagePolls makes the first N status polls answer with a body that is
	// not JSON, simulating a backend mid-restart.
	garbagePolls int

	uploads   int
	loadCalls int
	polls     int

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{imagebindLoaded: true}
	fb.srv = httptest.NewServer(http.HandlerFunc(fb.handle))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (f *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	writeJSON := func(code int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	path := r.URL.Path
	switch {
	case path == "/api/health":
		writeJSON(200, map[string]string{"status": "ok"})

	case path == "/api/imagebind/status":
		writeJSON(200, map[string]interface{}{
			"success": true,
			"data":    map[string]bool{"loaded": f.imagebindLoaded},
		})

	case path == "/api/imagebind/load":
		f.loadCalls++
		if f.loadFails {
			writeJSON(500, map[string]interface{}{"success": false, "error": "no model weights"})
			return
		}
		f.imagebindLoaded = true
		writeJSON(200, map[string]interface{}{"success": true})

	case strings.HasSuffix(path, "/videos/upload"):
		f.uploads++
		if f.rejectUpload {
			writeJSON(400, map[string]interface{}{"success": false, "error": "video_path_list is required"})
			return
		}
		writeJSON(200, map[string]interface{}{"success": true, "status": "started"})

	case strings.HasSuffix(path, "/query") && r.Method == http.MethodPost:
		if f.rejectQuery {
			writeJSON(500, map[string]interface{}{"success": false, "error": "failed to start query"})
			return
		}
		writeJSON(200, map[string]interface{}{"success": true, "status": "started"})

	case strings.HasSuffix(path, "/status"):
		f.polls++
		if f.garbagePolls > 0 {
			f.garbagePolls--
			w.WriteHeader(200)
			_, _ = w.Write([]byte("<html>502 bad gateway"))
			return
		}
		var st JobStatus
		if r.URL.Query().Get("type") == "query" {
			st = popStatus(&f.queryStatuses)
		} else {
			st = popStatus(&f.indexStatuses)
		}
		if st.Status == StatusNotFound {
			writeJSON(404, map[string]interface{}{"success": false, "status": "not_found", "error": "Session not found"})
			return
		}
		writeJSON(200, map[string]interface{}{
			"success":      true,
			"status":       st.Status,
			"current_step": st.CurrentStep,
			"message":      st.Message,
			"answer":       st.Answer,
		})

	case strings.HasSuffix(path, "/terminate") || strings.HasSuffix(path, "/delete"):
		writeJSON(200, map[string]interface{}{"success": true})

	default:
		writeJSON(404, map[string]interface{}{"success": false, "error": "unknown path"})
	}
}

func popStatus(queue *[]JobStatus) JobStatus {
	if len(*queue) == 0 {
		return JobStatus{Status: StatusInitializing}
	}
	st := (*queue)[0]
	if len(*queue) > 1 {
		*queue = (*queue)[1:]
	}
	return st
}

func newController(t *testing.T, fb *fakeBackend) (*JobController, SessionStore, *Notifier) {
	t.Helper()
	store := NewFileSessionStore(t.TempDir())
	require.NoError(t, store.Create(&Session{ID: "s1"}))
	notifier := NewNotifier()
	progress := NewProgressLog(store, notifier)
	client := NewBackendClient(func() (string, error) { return fb.srv.URL, nil })
	ctrl := NewJobController(store, client, progress, notifier, NewLogger(io.Discard), 10*time.Millisecond, t.TempDir())
	t.Cleanup(ctrl.Shutdown)
	return ctrl, store, notifier
}

func waitForState(t *testing.T, store SessionStore, id string, want AnalysisState) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := store.Load(id)
		return err == nil && sess.AnalysisState == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestIndexJobFullLifecycle(t *testing.T) {
	fb := newFakeBackend(t)
	fb.indexStatuses = []JobStatus{
		{Status: StatusInitializing},
		{Status: StatusProcessing, CurrentStep: "ASR", Message: "Transcribing..."},
		{Status: StatusProcessing, CurrentStep: "Caption", Message: "Describing..."},
		{Status: StatusCompleted, CurrentStep: "Completed", Message: "All videos processed successfully"},
	}
	ctrl, store, _ := newController(t, fb)

	require.NoError(t, ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4", "/tmp/b.mp4"}))
	waitForState(t, store, "s1", AnalysisCompleted)

	sess, err := store.Load("s1")
	require.NoError(t, err)

	var progress *Message
	for i := range sess.Messages {
		if sess.Messages[i].Kind == MessageProgress {
			progress = &sess.Messages[i]
		}
	}
	require.NotNil(t, progress)
	require.Len(t, progress.Steps, 3) // Initializing, ASR, Caption
	for _, st := range progress.Steps {
		require.Equal(t, StepCompleted, st.Status)
	}

	last := sess.Messages[len(sess.Messages)-1]
	require.Equal(t, MessagePlain, last.Kind)
	require.Equal(t, "All videos processed successfully", last.Content)
	require.Equal(t, 100, sess.AnalysisProgress)

	// Loop is gone after the terminal state.
	require.Eventually(t, func() bool {
		return len(ctrl.ActiveJobs()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestQueryJobDeliversAnswer(t *testing.T) {
	fb := newFakeBackend(t)
	fb.queryStatuses = []JobStatus{
		{Status: StatusProcessing, CurrentStep: "Retrieval", Message: "Searching clips..."},
		{Status: StatusProcessing, CurrentStep: "Reasoning", Message: "Composing answer..."},
		{Status: StatusCompleted, Answer: "42"},
	}
	ctrl, store, _ := newController(t, fb)

	require.NoError(t, ctrl.SubmitQuery(context.Background(), "s1", "what is the answer?", ""))

	require.Eventually(t, func() bool {
		sess, err := store.Load("s1")
		if err != nil || len(sess.Messages) == 0 {
			return false
		}
		last := sess.Messages[len(sess.Messages)-1]
		return last.Kind == MessagePlain && last.Content == "42"
	}, 3*time.Second, 10*time.Millisecond)

	// The transient analyzing message is gone.
	sess, err := store.Load("s1")
	require.NoError(t, err)
	for _, m := range sess.Messages {
		require.NotEqual(t, MessageQueryAnalyzing, m.Kind)
	}
	assertAssistantMessages(t, sess, 1)
}

func assertAssistantMessages(t *testing.T, sess *Session, want int) {
	t.Helper()
	n := 0
	for _, m := range sess.Messages {
		if m.Role == "assistant" && m.Kind == MessagePlain {
			n++
		}
	}
	require.Equal(t, want, n)
}

func TestIndexJobErrorResetsState(t *testing.T) {
	fb := newFakeBackend(t)
	fb.indexStatuses = []JobStatus{
		{Status: StatusProcessing, CurrentStep: "ASR", Message: "Transcribing..."},
		{Status: StatusError, Message: "Video indexing failed: ffmpeg not found"},
	}
	ctrl, store, _ := newController(t, fb)

	require.NoError(t, ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"}))
	waitForState(t, store, "s1", AnalysisNone)

	sess, err := store.Load("s1")
	require.NoError(t, err)
	var errStep *Step
	for i := range sess.Messages {
		if sess.Messages[i].Kind != MessageProgress {
			continue
		}
		for j := range sess.Messages[i].Steps {
			if sess.Messages[i].Steps[j].Status == StepError {
				errStep = &sess.Messages[i].Steps[j]
			}
		}
	}
	require.NotNil(t, errStep)
	require.Contains(t, errStep.Message, "ffmpeg not found")
	require.Equal(t, 0, sess.AnalysisProgress)
}

func TestQueryJobErrorSurfacesMessage(t *testing.T) {
	fb := newFakeBackend(t)
	fb.queryStatuses = []JobStatus{
		{Status: StatusProcessing, Message: "Thinking..."},
		{Status: StatusError, Message: "Query processing failed"},
	}
	ctrl, store, _ := newController(t, fb)

	require.NoError(t, ctrl.SubmitQuery(context.Background(), "s1", "hm?", ""))

	require.Eventually(t, func() bool {
		sess, err := store.Load("s1")
		if err != nil || len(sess.Messages) == 0 {
			return false
		}
		last := sess.Messages[len(sess.Messages)-1]
		return last.Kind == MessagePlain && strings.Contains(last.Content, "Query processing failed")
	}, 3*time.Second, 10*time.Millisecond)

	sess, err := store.Load("s1")
	require.NoError(t, err)
	for _, m := range sess.Messages {
		require.NotEqual(t, MessageQueryAnalyzing, m.Kind)
	}
}

func TestNotFoundKeepsPollingWhileSessionExists(t *testing.T) {
	fb := newFakeBackend(t)
	fb.indexStatuses = []JobStatus{{Status: StatusNotFound}}
	ctrl, store, _ := newController(t, fb)

	require.NoError(t, ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"}))

	// Several ticks of not_found with the session present: keep polling.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, ctrl.ActiveJobs(), 1)

	// Once the session is gone locally, not_found means cancellation.
	require.NoError(t, store.Delete("s1"))
	require.Eventually(t, func() bool {
		return len(ctrl.ActiveJobs()) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCancelSessionStopsWrites(t *testing.T) {
	fb := newFakeBackend(t)
	fb.indexStatuses = []JobStatus{
		{Status: StatusProcessing, CurrentStep: "ASR", Message: "Transcribing..."},
	}
	ctrl, store, _ := newController(t, fb)

	require.NoError(t, ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"}))

	// Wait until at least one poll landed.
	require.Eventually(t, func() bool {
		sess, err := store.Load("s1")
		if err != nil {
			return false
		}
		for _, m := range sess.Messages {
			if m.Kind == MessageProgress && len(m.Steps) > 0 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	ctrl.CancelSession("s1")
	require.Empty(t, ctrl.ActiveJobs())
	require.NoError(t, store.Delete("s1"))

	// No poll result may be committed after the interrupt: the record stays
	// deleted even though the backend keeps reporting processing.
	time.Sleep(100 * time.Millisecond)
	_, err := store.Load("s1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartIndexingLoadsModelFirst(t *testing.T) {
	fb := newFakeBackend(t)
	fb.imagebindLoaded = false
	fb.indexStatuses = []JobStatus{
		{Status: StatusCompleted, CurrentStep: "Completed", Message: "done"},
	}
	ctrl, store, _ := newController(t, fb)

	require.NoError(t, ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"}))
	waitForState(t, store, "s1", AnalysisCompleted)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Equal(t, 1, fb.loadCalls)
}

func TestStartIndexingModelLoadFailure(t *testing.T) {
	fb := newFakeBackend(t)
	fb.imagebindLoaded = false
	fb.loadFails = true
	ctrl, store, _ := newController(t, fb)

	err := ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"})
	require.ErrorIs(t, err, ErrResourceNotReady)

	// Precondition failure: no job was submitted, state untouched.
	fb.mu.Lock()
	uploads := fb.uploads
	fb.mu.Unlock()
	require.Equal(t, 0, uploads)

	sess, err := store.Load("s1")
	require.NoError(t, err)
	require.Equal(t, AnalysisNone, sess.AnalysisState)
	require.Empty(t, ctrl.ActiveJobs())

	// The failure is persisted as an ordinary assistant message.
	require.NotEmpty(t, sess.Messages)
}

func TestSubmissionRejectedRevertsState(t *testing.T) {
	fb := newFakeBackend(t)
	fb.rejectUpload = true
	ctrl, store, _ := newController(t, fb)

	err := ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"})
	require.ErrorIs(t, err, ErrSubmissionRejected)

	sess, err := store.Load("s1")
	require.NoError(t, err)
	require.Equal(t, AnalysisNone, sess.AnalysisState)
	require.Empty(t, ctrl.ActiveJobs())
	require.NotEmpty(t, sess.Messages)
}

func TestPollSurvivesTransportFailures(t *testing.T) {
	fb := newFakeBackend(t)
	fb.garbagePolls = 3
	fb.indexStatuses = []JobStatus{
		{Status: StatusProcessing, CurrentStep: "ASR", Message: "Transcribing..."},
		{Status: StatusCompleted, CurrentStep: "Completed", Message: "done"},
	}
	ctrl, store, _ := newController(t, fb)

	require.NoError(t, ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"}))

	// The first ticks hit undecodable responses; the loop must keep polling
	// through them and still reach the terminal state.
	waitForState(t, store, "s1", AnalysisCompleted)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Equal(t, 0, fb.garbagePolls)
	require.GreaterOrEqual(t, fb.polls, 5)
}

func TestOneActiveJobPerSession(t *testing.T) {
	fb := newFakeBackend(t)
	fb.indexStatuses = []JobStatus{
		{Status: StatusProcessing, CurrentStep: "ASR", Message: "Transcribing..."},
	}
	ctrl, _, _ := newController(t, fb)

	require.NoError(t, ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"}))
	require.ErrorIs(t, ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/b.mp4"}), ErrJobActive)
	require.ErrorIs(t, ctrl.SubmitQuery(context.Background(), "s1", "q", ""), ErrJobActive)
}

func TestConcurrentSubmitsAdmitExactlyOne(t *testing.T) {
	fb := newFakeBackend(t)
	fb.indexStatuses = []JobStatus{
		{Status: StatusProcessing, CurrentStep: "ASR", Message: "Transcribing..."},
	}
	fb.queryStatuses = []JobStatus{
		{Status: StatusProcessing, Message: "Thinking..."},
	}
	ctrl, _, _ := newController(t, fb)

	// Both submissions race through the guard; the reservation must admit
	// exactly one of them.
	errs := make(chan error, 2)
	go func() {
		errs <- ctrl.StartIndexing(context.Background(), "s1", []string{"/tmp/a.mp4"})
	}()
	go func() {
		errs <- ctrl.SubmitQuery(context.Background(), "s1", "q", "")
	}()

	var admitted, rejected int
	for i := 0; i < 2; i++ {
		err := <-errs
		if err == nil {
			admitted++
			continue
		}
		require.ErrorIs(t, err, ErrJobActive)
		rejected++
	}
	require.Equal(t, 1, admitted)
	require.Equal(t, 1, rejected)
	require.Len(t, ctrl.ActiveJobs(), 1)
}

func TestAnalysisStateTransitionGuard(t *testing.T) {
	cases := []struct {
		from, to AnalysisState
		ok       bool
	}{
		{AnalysisNone, AnalysisAnalyzing, true},
		{AnalysisAnalyzing, AnalysisCompleted, true},
		{AnalysisAnalyzing, AnalysisNone, true},
		{AnalysisNone, AnalysisCompleted, false},
		{AnalysisCompleted, AnalysisNone, false},
		{AnalysisCompleted, AnalysisAnalyzing, true}, // re-index after completion
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
