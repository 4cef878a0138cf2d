// Package visibility implements the eviction protocol that cancels
// queued-but-unprocessed jobs once a user's cursor moves far enough away
// that they're no longer likely to need them soon.
package visibility

import (
	"fmt"
	"sync"
)

// Session is a live (user, document) pair with its last-known cursor.
type Session struct {
	UserID     string
	DocumentID string
	Cursor     int
}

// Tracker holds the cursor position of every live session on this gateway
// replica. It is deliberately in-memory and per-replica: cursor state is
// advisory scan input, not synthesis state, so losing it on a replica
// restart only costs one scan cycle of staleness, not correctness.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[string]Session)}
}

func sessionKey(userID, documentID string) string {
	return fmt.Sprintf("%s:%s", userID, documentID)
}

// SetCursor records the session's current cursor, creating the session
// entry if this is its first report.
func (t *Tracker) SetCursor(userID, documentID string, cursor int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionKey(userID, documentID)] = Session{UserID: userID, DocumentID: documentID, Cursor: cursor}
}

// Remove drops a session, typically on disconnect.
func (t *Tracker) Remove(userID, documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionKey(userID, documentID))
}

// Snapshot returns every tracked session at the time of the call.
func (t *Tracker) Snapshot() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
