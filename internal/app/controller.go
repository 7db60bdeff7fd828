package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type JobState string

const (
	JobIdle      JobState = "idle"
	JobSubmitted JobState = "submitted"
	JobPolling   JobState = "polling"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

type jobKey struct {
	SessionID string
	Kind      JobKind
}

type jobLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// JobController submits indexing and query jobs to the backend and drives the
// per-session polling loops that reconcile polled status into the session
// records. At most one loop runs per (session, kind); starting a new one
// cancels its predecessor, and deleting a session interrupts both kinds
// before the record is removed.
type JobController struct {
	store    SessionStore
	client   *BackendClient
	progress *ProgressLog
	notifier *Notifier
	log      *Logger

	interval    time.Duration
	storagePath string

	mu      sync.Mutex
	loops   map[jobKey]*jobLoop
	pending map[string]struct{}
}

func NewJobController(store SessionStore, client *BackendClient, progress *ProgressLog, notifier *Notifier, log *Logger, interval time.Duration, storagePath string) *JobController {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &JobController{
		store:       store,
		client:      client,
		progress:    progress,
		notifier:    notifier,
		log:         log,
		interval:    interval,
		storagePath: storagePath,
		loops:       map[jobKey]*jobLoop{},
		pending:     map[string]struct{}{},
	}
}

// StartIndexing submits an indexing job for the given videos. The shared
// embedding model must be loaded first; a missing model is a precondition
// failure, not a job failure, and no analysis state changes if loading fails.
func (c *JobController) StartIndexing(ctx context.Context, sessionID string, videoPaths []string) error {
	if len(videoPaths) == 0 {
		return errors.New("no videos to index")
	}
	if !c.begin(sessionID) {
		return fmt.Errorf("%w: %s", ErrJobActive, sessionID)
	}
	defer c.end(sessionID)

	if err := c.ensureModelLoaded(ctx); err != nil {
		c.persistFailure(sessionID, "The analysis model could not be loaded. Please try again.")
		return err
	}

	if err := c.transitionState(sessionID, AnalysisAnalyzing); err != nil {
		return err
	}

	if err := c.client.UploadVideos(ctx, sessionID, videoPaths, c.storagePath); err != nil {
		// Submission rejected: revert and surface a persistent message.
		_ = c.transitionState(sessionID, AnalysisNone)
		c.persistFailure(sessionID, fmt.Sprintf("Video analysis could not be started: %v", err))
		return err
	}

	if err := c.progress.StartProgress(sessionID, "Initializing", "Initializing AI assistant..."); err != nil {
		return err
	}
	c.startLoop(sessionID, JobIndex)
	return nil
}

// SubmitQuery starts an asynchronous question-answering job. The caller has
// already appended the user's message.
func (c *JobController) SubmitQuery(ctx context.Context, sessionID, query, mode string) error {
	if !c.begin(sessionID) {
		return fmt.Errorf("%w: %s", ErrJobActive, sessionID)
	}
	defer c.end(sessionID)
	if err := c.client.SubmitQuery(ctx, sessionID, query, mode); err != nil {
		c.persistFailure(sessionID, fmt.Sprintf("Your question could not be submitted: %v", err))
		return err
	}
	if err := c.progress.SetQueryProgress(sessionID, "Initializing", "Thinking...", StatusProcessing); err != nil {
		return err
	}
	c.startLoop(sessionID, JobQuery)
	return nil
}

func (c *JobController) ensureModelLoaded(ctx context.Context) error {
	loaded, err := c.client.ImageBindLoaded(ctx)
	if err == nil && loaded {
		return nil
	}
	if err != nil {
		c.log.Warn("imagebind status check failed, attempting load", map[string]interface{}{"error": err.Error()})
	}
	if err := c.client.LoadImageBind(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrResourceNotReady, err)
	}
	return nil
}

// begin reserves the session for one in-flight submission, enforcing the
// one-job-per-session rule across both kinds. The reservation covers the
// window between the guard check and loop registration, so two concurrent
// submits cannot both pass. Paired with end.
func (c *JobController) begin(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[sessionID]; ok {
		return false
	}
	for key := range c.loops {
		if key.SessionID == sessionID {
			return false
		}
	}
	c.pending[sessionID] = struct{}{}
	return true
}

func (c *JobController) end(sessionID string) {
	c.mu.Lock()
	delete(c.pending, sessionID)
	c.mu.Unlock()
}

// startLoop registers a polling loop for (session, kind), cancelling any
// prior loop for the same key first.
func (c *JobController) startLoop(sessionID string, kind JobKind) {
	key := jobKey{SessionID: sessionID, Kind: kind}

	c.mu.Lock()
	if prior, ok := c.loops[key]; ok {
		prior.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	loop := &jobLoop{cancel: cancel, done: make(chan struct{})}
	c.loops[key] = loop
	c.mu.Unlock()

	go c.run(ctx, key, loop)
}

func (c *JobController) run(ctx context.Context, key jobKey, loop *jobLoop) {
	defer close(loop.done)
	defer func() {
		c.mu.Lock()
		if c.loops[key] == loop {
			delete(c.loops, key)
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := c.client.JobStatusFor(ctx, key.SessionID, key.Kind)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Transient transport failure: swallow and retry next tick.
				c.log.Warn("poll failed", map[string]interface{}{
					"session": key.SessionID, "kind": string(key.Kind), "error": err.Error(),
				})
				continue
			}
			if c.apply(ctx, key, status) {
				return
			}
		}
	}
}

// apply dispatches one polled status. Returns true when the loop must stop.
// Every persisted change re-checks cancellation first, so a poll result that
// raced with session deletion is never committed.
func (c *JobController) apply(ctx context.Context, key jobKey, status JobStatus) bool {
	if ctx.Err() != nil {
		return true
	}

	switch status.Status {
	case StatusInitializing:
		return false

	case StatusProcessing:
		step := status.CurrentStep
		if step == "" {
			step = "Processing"
		}
		if key.Kind == JobIndex {
			if err := c.progress.AddStep(key.SessionID, step, status.Message, StepActive); err != nil {
				return c.stopIfGone(key, err)
			}
		} else {
			if err := c.progress.SetQueryProgress(key.SessionID, step, status.Message, StatusProcessing); err != nil {
				return c.stopIfGone(key, err)
			}
		}
		return false

	case StatusCompleted:
		if key.Kind == JobIndex {
			c.finishIndexing(key.SessionID, status)
		} else {
			if err := c.progress.FinalizeQuery(key.SessionID, status.Answer); err != nil {
				c.log.Error("finalize query failed", map[string]interface{}{"session": key.SessionID, "error": err.Error()})
			}
		}
		c.notifier.Publish(SessionEvent{Type: EventJobFinished, SessionID: key.SessionID})
		return true

	case StatusError:
		if key.Kind == JobIndex {
			msg := status.Message
			if msg == "" {
				msg = "Video analysis failed."
			}
			if err := c.progress.AddStep(key.SessionID, "Error", msg, StepError); err != nil {
				return c.stopIfGone(key, err)
			}
			if err := c.transitionState(key.SessionID, AnalysisNone); err != nil {
				c.log.Error("state reset failed", map[string]interface{}{"session": key.SessionID, "error": err.Error()})
			}
		} else {
			msg := status.Message
			if msg == "" {
				msg = "Your question could not be answered."
			}
			if err := c.failQuery(key.SessionID, msg); err != nil {
				c.log.Error("query failure persist failed", map[string]interface{}{"session": key.SessionID, "error": err.Error()})
			}
		}
		c.notifier.Publish(SessionEvent{Type: EventJobFinished, SessionID: key.SessionID, Err: status.Message})
		return true

	case StatusNotFound:
		// Either the session is gone locally (stop: deletion raced with this
		// poll) or the backend has not registered the job yet (keep polling;
		// see the submission/first-status race).
		if _, err := c.store.Load(key.SessionID); errors.Is(err, ErrSessionNotFound) {
			return true
		}
		c.log.Warn("job not found on backend, retrying", map[string]interface{}{
			"session": key.SessionID, "kind": string(key.Kind),
		})
		return false

	default:
		c.log.Warn("unknown job status", map[string]interface{}{
			"session": key.SessionID, "status": status.Status,
		})
		return false
	}
}

func (c *JobController) stopIfGone(key jobKey, err error) bool {
	if errors.Is(err, ErrSessionNotFound) {
		return true
	}
	c.log.Error("session update failed", map[string]interface{}{
		"session": key.SessionID, "kind": string(key.Kind), "error": err.Error(),
	})
	return false
}

func (c *JobController) finishIndexing(sessionID string, status JobStatus) {
	msg := status.Message
	if msg == "" {
		msg = "Video analysis complete. You can now ask questions about your videos."
	}
	if status.CurrentStep != "" && status.CurrentStep != "Completed" {
		if err := c.progress.AddStep(sessionID, status.CurrentStep, status.Message, StepCompleted); err != nil {
			c.log.Error("final step persist failed", map[string]interface{}{"session": sessionID, "error": err.Error()})
		}
	}
	if err := c.progress.FinalizeIndexing(sessionID, msg); err != nil {
		c.log.Error("finalize indexing failed", map[string]interface{}{"session": sessionID, "error": err.Error()})
		return
	}
	if err := c.transitionState(sessionID, AnalysisCompleted); err != nil {
		c.log.Error("completion state transition failed", map[string]interface{}{"session": sessionID, "error": err.Error()})
	}
}

func (c *JobController) failQuery(sessionID, msg string) error {
	_, err := c.store.Update(sessionID, func(sess *Session) error {
		removeLiveMessage(sess, MessageQueryAnalyzing)
		sess.Messages = append(sess.Messages, Message{
			ID:        newMessageID(),
			Kind:      MessagePlain,
			Role:      "assistant",
			Content:   msg,
			Timestamp: time.Now(),
		})
		sess.LastMessage = Preview(msg, 120)
		return nil
	})
	if err != nil {
		return err
	}
	c.notifier.Publish(SessionEvent{Type: EventMessageAppended, SessionID: sessionID})
	return nil
}

func (c *JobController) transitionState(sessionID string, to AnalysisState) error {
	sess, err := c.store.Update(sessionID, func(sess *Session) error {
		if !canTransition(sess.AnalysisState, to) {
			return fmt.Errorf("invalid analysis state transition %s -> %s", sess.AnalysisState, to)
		}
		sess.AnalysisState = to
		if to == AnalysisNone {
			sess.AnalysisProgress = 0
			sess.CurrentStep = ""
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.notifier.Publish(SessionEvent{
		Type:      EventAnalysisStateChanged,
		SessionID: sess.ID,
		State:     to,
	})
	return nil
}

// persistFailure records a terminal submission error as an ordinary assistant
// message so it survives restarts.
func (c *JobController) persistFailure(sessionID, msg string) {
	if err := c.progress.AppendPlain(sessionID, "assistant", msg, nil); err != nil {
		c.log.Error("failure message persist failed", map[string]interface{}{"session": sessionID, "error": err.Error()})
	}
}

// CancelSession interrupts the polling loops for both job kinds and waits for
// them to wind down. Called before the session record is deleted so no poll
// result resolving after the interrupt can be committed.
func (c *JobController) CancelSession(sessionID string) {
	c.mu.Lock()
	var waiting []*jobLoop
	for key, loop := range c.loops {
		if key.SessionID == sessionID {
			loop.cancel()
			waiting = append(waiting, loop)
		}
	}
	c.mu.Unlock()

	for _, loop := range waiting {
		<-loop.done
	}
}

// ActiveJobs reports which (session, kind) loops are currently polling.
func (c *JobController) ActiveJobs() map[string][]JobKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string][]JobKind{}
	for key := range c.loops {
		out[key.SessionID] = append(out[key.SessionID], key.Kind)
	}
	return out
}

// Shutdown cancels every loop.
func (c *JobController) Shutdown() {
	c.mu.Lock()
	var waiting []*jobLoop
	for _, loop := range c.loops {
		loop.cancel()
		waiting = append(waiting, loop)
	}
	c.mu.Unlock()
	for _, loop := range waiting {
		<-loop.done
	}
}
