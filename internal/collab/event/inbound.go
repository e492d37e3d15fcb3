package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound is a request sent by a client over its collaboration socket.
// Unknown JSON fields are ignored so older servers accept newer clients.
type Inbound struct {
	Type     Kind    `json:"type"`
	Cursor   *Cursor `json:"cursor,omitempty"`
	SchemaID string  `json:"schemaId,omitempty"`
	Content  string  `json:"content,omitempty"`
}

// InboundKinds lists the discriminators a client may send.
var InboundKinds = []Kind{KindCursor, KindSchemaFocus, KindChat}

func (k Kind) inbound() bool {
	switch k {
	case KindCursor, KindSchemaFocus, KindChat:
		return true
	default:
		return false
	}
}

// DecodeInbound parses a raw client frame. A frame with an unsupported type
// yields ErrUnknownKind; anything that is not a JSON object yields ErrMalformedFrame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var ev Inbound
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	ev.Type = Kind(strings.ToUpper(strings.TrimSpace(string(ev.Type))))
	if ev.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if !ev.Type.inbound() {
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Type)
	}
	return ev, nil
}
