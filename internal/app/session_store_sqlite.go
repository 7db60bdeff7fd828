package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSessionStore keeps the same one-document-per-session model as
// FileSessionStore but inside a single database file. Selected via the
// storage_backend config key.
type SQLiteSessionStore struct {
	Root   string
	dbPath string

	locks *keyedMutex

	once sync.Once
	db   *sql.DB
	err  error
}

func NewSQLiteSessionStore(root string) (*SQLiteSessionStore, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	st := &SQLiteSessionStore{
		Root:   root,
		dbPath: filepath.Join(root, "vimo.db"),
		locks:  newKeyedMutex(),
	}
	// Initialize eagerly so callers fail fast.
	if err := st.init(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteSessionStore) init() error {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			s.err = err
			return
		}
		// Keep sqlite responsive under contention.
		_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
		_, _ = db.Exec("PRAGMA journal_mode = WAL;")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

		schema := []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				document TEXT NOT NULL,
				created_at_ns INTEGER NOT NULL,
				updated_at_ns INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at_ns);`,
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				s.err = err
				return
			}
		}
		s.db = db
	})
	return s.err
}

func (s *SQLiteSessionStore) Create(sess *Session) error {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return errors.New("missing session id")
	}
	unlock := s.locks.lock(sess.ID)
	defer unlock()

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
	doc, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, document, created_at_ns, updated_at_ns) VALUES (?, ?, ?, ?)`,
		sess.ID, string(doc), sess.CreatedAt.UnixNano(), sess.LastUpdated.UnixNano(),
	)
	return err
}

func (s *SQLiteSessionStore) Load(id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("missing session id")
	}
	var doc string
	err := s.db.QueryRow(`SELECT document FROM sessions WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteSessionStore) Update(id string, fn func(*Session) error) (*Session, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if now := time.Now(); now.After(sess.LastUpdated) {
		sess.LastUpdated = now
	}
	doc, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET document = ?, updated_at_ns = ? WHERE id = ?`,
		string(doc), sess.LastUpdated.UnixNano(), id,
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteSessionStore) LoadAll() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT document FROM sessions ORDER BY updated_at_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Session{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			continue
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteSessionStore) Delete(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("missing session id")
	}
	unlock := s.locks.lock(id)
	defer unlock()

	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteSessionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
