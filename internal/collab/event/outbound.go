package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates outbound and inbound event payloads on the wire.
type Kind string

const (
	KindJoin        Kind = "JOIN"
	KindLeave       Kind = "LEAVE"
	KindCursor      Kind = "CURSOR"
	KindSchemaFocus Kind = "SCHEMA_FOCUS"
	KindChat        Kind = "CHAT"
	KindErdMutated  Kind = "ERD_MUTATED"
)

var (
	// ErrUnknownKind indicates a frame whose type discriminator is not recognised.
	ErrUnknownKind = errors.New("event: unknown type")
	// ErrMalformedFrame indicates a frame that is not a JSON object with a type.
	ErrMalformedFrame = errors.New("event: malformed frame")
)

// IncludesSender reports whether the sending session receives its own event back.
// Only chat is echoed: the message id is assigned server side and the sender
// reconciles its optimistic copy with it.
func (k Kind) IncludesSender() bool {
	return k == KindChat
}

func (k Kind) outbound() bool {
	switch k {
	case KindJoin, KindLeave, KindCursor, KindSchemaFocus, KindChat, KindErdMutated:
		return true
	default:
		return false
	}
}

// Cursor is a pointer position reported by a client.
type Cursor struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	UserName string  `json:"userName,omitempty"`
	TableID  string  `json:"tableId,omitempty"`
	ColumnID string  `json:"columnId,omitempty"`
}

// UserInfo identifies the owner of a cursor.
type UserInfo struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Outbound is the tagged union of events fanned out to sessions. Only the
// fields belonging to Type are populated; empty fields are omitted on encode.
type Outbound struct {
	Type             Kind      `json:"type"`
	SessionID        *string   `json:"sessionId,omitempty"`
	Timestamp        int64     `json:"timestamp"`
	UserID           string    `json:"userId,omitempty"`
	UserName         string    `json:"userName,omitempty"`
	UserInfo         *UserInfo `json:"userInfo,omitempty"`
	Cursor           *Cursor   `json:"cursor,omitempty"`
	SchemaID         string    `json:"schemaId,omitempty"`
	MessageID        string    `json:"messageId,omitempty"`
	Content          string    `json:"content,omitempty"`
	AffectedTableIDs []string  `json:"affectedTableIds,omitempty"`
}

func newOutbound(kind Kind, sessionID string, at time.Time) Outbound {
	ev := Outbound{
		Type:      kind,
		Timestamp: at.UnixMilli(),
	}
	if sessionID != "" {
		id := sessionID
		ev.SessionID = &id
	}
	return ev
}

// NewJoin announces that userID joined the project through sessionID.
func NewJoin(sessionID, userID, userName string, at time.Time) Outbound {
	ev := newOutbound(KindJoin, sessionID, at)
	ev.UserID = userID
	ev.UserName = userName
	return ev
}

// NewLeave announces that sessionID left the project.
func NewLeave(sessionID, userID, userName string, at time.Time) Outbound {
	ev := newOutbound(KindLeave, sessionID, at)
	ev.UserID = userID
	ev.UserName = userName
	return ev
}

// NewCursor carries a cursor position for the given user.
func NewCursor(sessionID string, user UserInfo, cursor Cursor, at time.Time) Outbound {
	ev := newOutbound(KindCursor, sessionID, at)
	info := user
	position := cursor
	ev.UserInfo = &info
	ev.Cursor = &position
	return ev
}

// NewSchemaFocus announces the schema a user is looking at.
func NewSchemaFocus(sessionID, userID, userName, schemaID string, at time.Time) Outbound {
	ev := newOutbound(KindSchemaFocus, sessionID, at)
	ev.UserID = userID
	ev.UserName = userName
	ev.SchemaID = schemaID
	return ev
}

// NewChat carries a chat message with its server-assigned id.
func NewChat(sessionID, messageID, userID, userName, content string, at time.Time) Outbound {
	ev := newOutbound(KindChat, sessionID, at)
	ev.MessageID = messageID
	ev.UserID = userID
	ev.UserName = userName
	ev.Content = content
	return ev
}

// NewErdMutated tells clients that tables of a schema changed structurally.
func NewErdMutated(schemaID string, affectedTableIDs []string, at time.Time) Outbound {
	ev := newOutbound(KindErdMutated, "", at)
	ev.SchemaID = schemaID
	ev.AffectedTableIDs = append([]string(nil), affectedTableIDs...)
	return ev
}

// Sender returns the originating session id, or "" when the event is anonymous.
func (e Outbound) Sender() string {
	if e.SessionID == nil {
		return ""
	}
	return *e.SessionID
}

// WithoutSender returns a copy that no longer reveals the originating session.
func (e Outbound) WithoutSender() Outbound {
	stripped := e
	stripped.SessionID = nil
	return stripped
}

// Encode serialises the event into a wire frame.
func (e Outbound) Encode() ([]byte, error) {
	if !e.Type.outbound() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
	return json.Marshal(e)
}

// DecodeOutbound parses a wire frame produced by Encode.
func DecodeOutbound(frame []byte) (Outbound, error) {
	var ev Outbound
	if err := json.Unmarshal(frame, &ev); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	ev.Type = Kind(strings.TrimSpace(string(ev.Type)))
	if !ev.Type.outbound() {
		return Outbound{}, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Type)
	}
	return ev, nil
}
