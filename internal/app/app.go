package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Application wires the orchestration components together and exposes the
// operations the front-end calls. It owns the supervisor singleton, the
// session store, the ordering index and the job controller.
type Application struct {
	Config Config
	Log    *Logger

	Store      SessionStore
	Ordering   *OrderingIndex
	Notifier   *Notifier
	Progress   *ProgressLog
	Supervisor *ServiceSupervisor
	Client     *BackendClient
	Controller *JobController

	logFile io.Closer
}

func New(cfg Config) (*Application, error) {
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	logOut, logCloser := openLog(cfg.StorageRoot)
	log := NewLogger(logOut)

	var store SessionStore
	switch cfg.StorageBackend {
	case "", "file":
		store = NewFileSessionStore(cfg.StorageRoot)
	case "sqlite":
		st, err := NewSQLiteSessionStore(cfg.StorageRoot)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store = st
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	notifier := NewNotifier()
	progress := NewProgressLog(store, notifier)
	supervisor := NewServiceSupervisor(cfg.Backend, log)
	client := NewBackendClient(supervisor.Endpoint)
	controller := NewJobController(
		store, client, progress, notifier, log,
		time.Duration(cfg.PollIntervalSeconds)*time.Second,
		cfg.StorageRoot,
	)

	return &Application{
		Config:     cfg,
		Log:        log,
		Store:      store,
		Ordering:   NewOrderingIndex(cfg.StorageRoot),
		Notifier:   notifier,
		Progress:   progress,
		Supervisor: supervisor,
		Client:     client,
		Controller: controller,
		logFile:    logCloser,
	}, nil
}

func openLog(root string) (io.Writer, io.Closer) {
	path := filepath.Join(root, "vimo.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, nil
	}
	return f, f
}

// Start brings the backend up (or finds it) and pushes the global
// configuration to it.
func (a *Application) Start(ctx context.Context) error {
	if err := a.Supervisor.Start(ctx); err != nil {
		return err
	}
	if err := a.Client.Initialize(ctx, a.Config.InitializePayload()); err != nil {
		a.Log.Error("backend initialize failed", map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("%w: %v", ErrConfigurationMissing, err)
	}
	return nil
}

func (a *Application) Shutdown() {
	a.Controller.Shutdown()
	a.Supervisor.Stop()
	_ = a.Store.Close()
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// CreateSession creates an empty session and prepends it to the display
// order.
func (a *Application) CreateSession(title string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:            uuid.NewString(),
		Title:         strings.TrimSpace(title),
		AnalysisState: AnalysisNone,
		Messages:      []Message{},
		CreatedAt:     now,
		LastUpdated:   now,
	}
	if sess.Title == "" {
		sess.Title = "New chat"
	}
	if err := a.Store.Create(sess); err != nil {
		return nil, err
	}
	if _, err := a.Ordering.Update([]string{sess.ID}, OrderCreate); err != nil {
		a.Log.Warn("ordering update failed", map[string]interface{}{"session": sess.ID, "error": err.Error()})
	}
	a.Notifier.Publish(SessionEvent{Type: EventSessionCreated, SessionID: sess.ID})
	return sess, nil
}

// DeleteSession tears a session down: best-effort backend cleanup first, then
// the polling loops are interrupted, and only then is the local record
// removed. The order matters — once the loops are gone nothing can write for
// this id anymore.
func (a *Application) DeleteSession(ctx context.Context, id string) error {
	if err := a.Client.TerminateSession(ctx, id); err != nil {
		a.Log.Warn("backend terminate failed", map[string]interface{}{"session": id, "error": err.Error()})
	}
	if err := a.Client.DeleteSession(ctx, id); err != nil {
		a.Log.Warn("backend delete failed", map[string]interface{}{"session": id, "error": err.Error()})
	}

	a.Controller.CancelSession(id)

	if err := a.Store.Delete(id); err != nil {
		return err
	}
	if _, err := a.Ordering.Update([]string{id}, OrderDelete); err != nil {
		a.Log.Warn("ordering update failed", map[string]interface{}{"session": id, "error": err.Error()})
	}
	a.Notifier.Publish(SessionEvent{Type: EventSessionDeleted, SessionID: id})
	return nil
}

func (a *Application) RenameSession(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("empty title")
	}
	_, err := a.Store.Update(id, func(sess *Session) error {
		sess.Title = title
		return nil
	})
	if err != nil {
		return err
	}
	a.Notifier.Publish(SessionEvent{Type: EventSessionUpdated, SessionID: id})
	return nil
}

// ReorderSessions replaces the display order wholesale and notifies
// subscribers so session lists rerender immediately.
func (a *Application) ReorderSessions(ids []string) error {
	if _, err := a.Ordering.Update(ids, OrderReorder); err != nil {
		return err
	}
	a.Notifier.Publish(SessionEvent{Type: EventSessionUpdated})
	return nil
}

// ListSessions returns sessions in display order: explicitly ordered ids
// first, then the rest by recency.
func (a *Application) ListSessions() ([]*Session, error) {
	sessions, err := a.Store.LoadAll()
	if err != nil {
		return nil, err
	}
	rec, err := a.Ordering.Load()
	if err != nil {
		a.Log.Warn("ordering load failed", map[string]interface{}{"error": err.Error()})
		rec = OrderingRecord{}
	}
	return Arrange(rec, sessions), nil
}

func (a *Application) Session(id string) (*Session, error) {
	return a.Store.Load(id)
}

// AttachVideos registers local video files on a session and submits the
// indexing job. Duration metadata is probed best-effort.
func (a *Application) AttachVideos(ctx context.Context, sessionID string, paths []string) error {
	if len(paths) == 0 {
		return errors.New("no videos given")
	}

	refs := make([]VideoRef, 0, len(paths))
	for _, p := range paths {
		ref := VideoRef{
			ID:   uuid.NewString(),
			Name: filepath.Base(p),
			Path: p,
		}
		if info, err := os.Stat(p); err == nil {
			ref.Size = info.Size()
		}
		if d, err := a.Client.VideoDuration(ctx, p); err == nil {
			ref.Duration = d
		}
		refs = append(refs, ref)
	}

	_, err := a.Store.Update(sessionID, func(sess *Session) error {
		sess.Videos = append(sess.Videos, refs...)
		return nil
	})
	if err != nil {
		return err
	}
	if err := a.Progress.AppendPlain(sessionID, "user", attachMessage(refs), refs); err != nil {
		return err
	}
	return a.Controller.StartIndexing(ctx, sessionID, paths)
}

func attachMessage(refs []VideoRef) string {
	if len(refs) == 1 {
		return "Analyze this video: " + refs[0].Name
	}
	return fmt.Sprintf("Analyze these %d videos", len(refs))
}

// Ask appends the user's question and submits the query job.
func (a *Application) Ask(ctx context.Context, sessionID, question string) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return errors.New("empty question")
	}
	sess, err := a.Store.Load(sessionID)
	if err != nil {
		return err
	}
	if sess.AnalysisState != AnalysisCompleted {
		return fmt.Errorf("session %s has no completed analysis to query", sessionID)
	}
	if err := a.Progress.AppendPlain(sessionID, "user", question, nil); err != nil {
		return err
	}
	return a.Controller.SubmitQuery(ctx, sessionID, question, "")
}

// SystemStatus proxies the backend's global status surface.
func (a *Application) SystemStatus(ctx context.Context) (SystemStatus, error) {
	return a.Client.SystemStatus(ctx)
}
