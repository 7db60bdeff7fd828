package app

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("sentinel")

func newStores(t *testing.T) map[string]SessionStore {
	t.Helper()
	stores := map[string]SessionStore{
		"file": NewFileSessionStore(t.TempDir()),
	}
	sq, err := NewSQLiteSessionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	stores["sqlite"] = sq
	return stores
}

func TestSessionStoreRoundTrip(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			sess := &Session{
				ID:    "s1",
				Title: "Holiday videos",
				Videos: []VideoRef{
					{ID: "v1", Name: "beach.mp4", Path: "/tmp/beach.mp4", Size: 42, Duration: 12.5},
				},
			}
			require.NoError(t, store.Create(sess))

			got, err := store.Load("s1")
			require.NoError(t, err)
			require.Equal(t, "Holiday videos", got.Title)
			require.Equal(t, AnalysisNone, got.AnalysisState)
			require.Len(t, got.Videos, 1)
			require.Equal(t, 12.5, got.Videos[0].Duration)
			require.NotNil(t, got.Messages)
		})
	}
}

func TestSessionStoreLoadMissing(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load("nope")
			require.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestSessionStoreUpdatePreservesUntouchedFields(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(&Session{
				ID:    "s1",
				Title: "keep me",
				Videos: []VideoRef{
					{ID: "v1", Name: "a.mp4"},
				},
			}))

			_, err := store.Update("s1", func(sess *Session) error {
				sess.CurrentStep = "ASR"
				return nil
			})
			require.NoError(t, err)

			got, err := store.Load("s1")
			require.NoError(t, err)
			require.Equal(t, "keep me", got.Title)
			require.Len(t, got.Videos, 1)
			require.Equal(t, "ASR", got.CurrentStep)
		})
	}
}

func TestSessionStoreUpdateErrorAborts(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(&Session{ID: "s1", Title: "before"}))

			_, err := store.Update("s1", func(sess *Session) error {
				sess.Title = "after"
				return errSentinel
			})
			require.ErrorIs(t, err, errSentinel)

			got, err := store.Load("s1")
			require.NoError(t, err)
			require.Equal(t, "before", got.Title)
		})
	}
}

func TestSessionStoreLastUpdatedMonotone(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(&Session{ID: "s1"}))
			first, err := store.Load("s1")
			require.NoError(t, err)

			time.Sleep(5 * time.Millisecond)
			updated, err := store.Update("s1", func(sess *Session) error { return nil })
			require.NoError(t, err)
			require.False(t, updated.LastUpdated.Before(first.LastUpdated))
		})
	}
}

func TestSessionStoreConcurrentUpdatesAllApplied(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(&Session{ID: "s1"}))

			const n = 20
			var wg sync.WaitGroup
			wg.Add(n)
			for i := 0; i < n; i++ {
				go func() {
					defer wg.Done()
					_, _ = store.Update("s1", func(sess *Session) error {
						sess.AnalysisProgress++
						return nil
					})
				}()
			}
			wg.Wait()

			got, err := store.Load("s1")
			require.NoError(t, err)
			// Updates are serialized per id: none may be lost.
			require.Equal(t, n, got.AnalysisProgress)
		})
	}
}

func TestSessionStoreDelete(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(&Session{ID: "s1"}))
			require.NoError(t, store.Delete("s1"))
			_, err := store.Load("s1")
			require.ErrorIs(t, err, ErrSessionNotFound)

			// Deleting again is fine.
			require.NoError(t, store.Delete("s1"))
		})
	}
}

func TestSessionStoreLoadAll(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Create(&Session{ID: "a"}))
			require.NoError(t, store.Create(&Session{ID: "b"}))
			all, err := store.LoadAll()
			require.NoError(t, err)
			require.Len(t, all, 2)
		})
	}
}
