package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileSessionStore is the default JSON-on-disk store.
//
// Layout:
//
//	<root>/sessions/<sessionID>.json
//	<root>/session-order.json   (owned by OrderingIndex)
type FileSessionStore struct {
	Root  string
	locks *keyedMutex
}

func DefaultStorageRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "vimo", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "vimo", "storage")
	}
	return filepath.Join(os.TempDir(), "vimo", "storage")
}

func NewFileSessionStore(root string) *FileSessionStore {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	return &FileSessionStore{Root: filepath.Clean(root), locks: newKeyedMutex()}
}

func (s *FileSessionStore) sessionsDir() string {
	return filepath.Join(s.Root, "sessions")
}

func (s *FileSessionStore) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir(), id+".json")
}

func (s *FileSessionStore) Create(sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errors.New("missing session id")
	}
	unlock := s.locks.lock(sess.ID)
	defer unlock()

	if _, err := os.Stat(s.sessionPath(sess.ID)); err == nil {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastUpdated.Before(sess.CreatedAt) {
		sess.LastUpdated = sess.CreatedAt
	}
	if sess.AnalysisState == "" {
		sess.AnalysisState = AnalysisNone
	}
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	return s.writeLocked(sess)
}

func (s *FileSessionStore) Load(id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("missing session id")
	}
	b, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", id, ErrSessionNotFound)
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *FileSessionStore) Update(id string, fn func(*Session) error) (*Session, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	// LastUpdated never goes backwards.
	if now := time.Now(); now.After(sess.LastUpdated) {
		sess.LastUpdated = now
	}
	if err := s.writeLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *FileSessionStore) writeLocked(sess *Session) error {
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.sessionPath(sess.ID), b, 0o644)
}

func (s *FileSessionStore) LoadAll() ([]*Session, error) {
	ents, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*Session{}, nil
		}
		return nil, err
	}
	out := make([]*Session, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		sess, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *FileSessionStore) Delete(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("missing session id")
	}
	unlock := s.locks.lock(id)
	defer unlock()

	if err := os.Remove(s.sessionPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileSessionStore) Close() error { return nil }
