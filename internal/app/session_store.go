package app

// SessionStore persists one durable document per session id.
//
// Implementations must serialize Update calls per session id: every mutation
// of a session record is a read-modify-write cycle, and two concurrent saves
// of the same id would otherwise silently drop one of them.
type SessionStore interface {
	Create(sess *Session) error
	Load(id string) (*Session, error)
	// Update loads the session, applies fn and saves the result, all under
	// the per-id lock. fn returning an error aborts without saving.
	Update(id string, fn func(*Session) error) (*Session, error)
	LoadAll() ([]*Session, error)
	Delete(id string) error
	Close() error
}
