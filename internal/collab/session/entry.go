package session

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
)

const defaultOutboundBuffer = 64

// EntryConfig describes a freshly authenticated connection.
type EntryConfig struct {
	ProjectID      string
	SessionID      string
	UserID         string
	UserName       string
	JoinedAt       time.Time
	OutboundBuffer int
}

// Entry is the per-connection state held by the Registry. Identity fields are
// fixed at construction; cursor and schema focus change as the client reports them.
type Entry struct {
	projectID string
	sessionID string
	userID    string
	userName  string
	joinedAt  time.Time

	outbound  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.RWMutex
	cursor      *event.Cursor
	cursorDirty bool
	schemaID    string
}

// NewEntry builds an entry with its own outbound frame channel.
func NewEntry(cfg EntryConfig) *Entry {
	buffer := cfg.OutboundBuffer
	if buffer <= 0 {
		buffer = defaultOutboundBuffer
	}
	joinedAt := cfg.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	return &Entry{
		projectID: cfg.ProjectID,
		sessionID: cfg.SessionID,
		userID:    cfg.UserID,
		userName:  cfg.UserName,
		joinedAt:  joinedAt.UTC(),
		outbound:  make(chan []byte, buffer),
		closed:    make(chan struct{}),
	}
}

func (e *Entry) ProjectID() string   { return e.projectID }
func (e *Entry) SessionID() string   { return e.sessionID }
func (e *Entry) UserID() string      { return e.userID }
func (e *Entry) UserName() string    { return e.userName }
func (e *Entry) JoinedAt() time.Time { return e.joinedAt }

// UserInfo returns the authoritative identity of the session owner.
func (e *Entry) UserInfo() event.UserInfo {
	return event.UserInfo{UserID: e.userID, UserName: e.userName}
}

// Outbound exposes the frames queued for this connection's writer.
func (e *Entry) Outbound() <-chan []byte {
	return e.outbound
}

// Done is closed once the entry has been closed.
func (e *Entry) Done() <-chan struct{} {
	return e.closed
}

// Send queues a frame without blocking. It reports false when the entry is
// closed or its buffer is full, in which case the frame is dropped.
func (e *Entry) Send(frame []byte) bool {
	select {
	case <-e.closed:
		return false
	default:
	}
	select {
	case e.outbound <- frame:
		return true
	default:
		return false
	}
}

// Close stops further delivery. The outbound channel itself stays open so a
// concurrent Send never panics; writers select on Done instead.
func (e *Entry) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
}

// Cursor returns the last reported cursor, if any.
func (e *Entry) Cursor() (event.Cursor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cursor == nil {
		return event.Cursor{}, false
	}
	return *e.cursor, true
}

// SetCursor records the latest cursor position.
func (e *Entry) SetCursor(cursor event.Cursor) {
	e.mu.Lock()
	position := cursor
	e.cursor = &position
	e.cursorDirty = true
	e.mu.Unlock()
}

// TakeCursorChange returns the cursor when it changed since the previous call.
func (e *Entry) TakeCursorChange() (event.Cursor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cursorDirty || e.cursor == nil {
		return event.Cursor{}, false
	}
	e.cursorDirty = false
	return *e.cursor, true
}

// SchemaID returns the schema currently in focus, or "".
func (e *Entry) SchemaID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaID
}

// SetSchemaID records the schema the user focused.
func (e *Entry) SetSchemaID(schemaID string) {
	e.mu.Lock()
	e.schemaID = schemaID
	e.mu.Unlock()
}
