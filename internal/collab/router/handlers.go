package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/chat"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/task"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/ids"
	"go.uber.org/zap"
)

var (
	errMissingSessions  = errors.New("router: session lookup required")
	errMissingPublisher = errors.New("router: event publisher required")
	errMissingIDs       = errors.New("router: id provider required")
	errMissingTasks     = errors.New("router: task group required")
)

// ChatArchive persists chat messages.
type ChatArchive interface {
	SaveChatMessage(ctx context.Context, message chat.Message) (chat.Message, error)
}

// HandlerConfig carries the collaborators shared by the built-in handlers.
type HandlerConfig struct {
	Sessions  SessionLookup
	Publisher EventPublisher
	Archive   ChatArchive
	IDs       ids.Provider
	Tasks     *task.Group
	Clock     func() time.Time
	Logger    *zap.Logger
}

func (cfg HandlerConfig) normalized() HandlerConfig {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// NewDefault builds a router with the cursor, schema-focus and chat handlers.
func NewDefault(cfg HandlerConfig) (*Router, error) {
	cfg = cfg.normalized()
	cursor, err := NewCursorHandler(cfg)
	if err != nil {
		return nil, err
	}
	focus, err := NewSchemaFocusHandler(cfg)
	if err != nil {
		return nil, err
	}
	chatHandler, err := NewChatHandler(cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg.Logger, cursor, focus, chatHandler)
}

// CursorHandler stores cursor positions on the session. It publishes nothing:
// other clients read cursors from the participants snapshot, or from the
// optional cursor relay.
type CursorHandler struct {
	sessions SessionLookup
	logger   *zap.Logger
}

func NewCursorHandler(cfg HandlerConfig) (*CursorHandler, error) {
	cfg = cfg.normalized()
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	return &CursorHandler{sessions: cfg.Sessions, logger: cfg.Logger}, nil
}

func (h *CursorHandler) Kind() event.Kind { return event.KindCursor }

func (h *CursorHandler) Handle(_ context.Context, target Target, ev event.Inbound) error {
	if ev.Cursor == nil {
		h.logger.Warn("cursor event without position", target.fields()...)
		return nil
	}
	entry, ok := h.sessions.Get(target.ProjectID, target.SessionID)
	if !ok {
		h.logger.Debug("cursor event for unknown session", target.fields()...)
		return nil
	}
	cursor := *ev.Cursor
	// Display names come from the authenticated session, never from the client.
	if cursor.UserName != entry.UserName() {
		cursor.UserName = entry.UserName()
	}
	entry.SetCursor(cursor)
	return nil
}

// SchemaFocusHandler records which schema a user looks at and tells the others.
type SchemaFocusHandler struct {
	sessions  SessionLookup
	publisher EventPublisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewSchemaFocusHandler(cfg HandlerConfig) (*SchemaFocusHandler, error) {
	cfg = cfg.normalized()
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	return &SchemaFocusHandler{
		sessions:  cfg.Sessions,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

func (h *SchemaFocusHandler) Kind() event.Kind { return event.KindSchemaFocus }

func (h *SchemaFocusHandler) Handle(ctx context.Context, target Target, ev event.Inbound) error {
	schemaID := strings.TrimSpace(ev.SchemaID)
	if schemaID == "" {
		h.logger.Warn("schema focus event without schema id", target.fields()...)
		return nil
	}
	entry, ok := h.sessions.Get(target.ProjectID, target.SessionID)
	if !ok {
		h.logger.Debug("schema focus event for unknown session", target.fields()...)
		return nil
	}
	entry.SetSchemaID(schemaID)

	out := event.NewSchemaFocus(target.SessionID, entry.UserID(), entry.UserName(), schemaID, h.clock())
	return h.publisher.Publish(ctx, target.ProjectID, out, target.SessionID)
}

// ChatHandler assigns message ids, broadcasts chat to the whole project
// (sender included) and archives the message in the background.
type ChatHandler struct {
	sessions  SessionLookup
	publisher EventPublisher
	archive   ChatArchive
	ids       ids.Provider
	tasks     *task.Group
	clock     func() time.Time
	logger    *zap.Logger
}

func NewChatHandler(cfg HandlerConfig) (*ChatHandler, error) {
	cfg = cfg.normalized()
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	if cfg.IDs == nil {
		return nil, errMissingIDs
	}
	if cfg.Archive != nil && cfg.Tasks == nil {
		return nil, errMissingTasks
	}
	return &ChatHandler{
		sessions:  cfg.Sessions,
		publisher: cfg.Publisher,
		archive:   cfg.Archive,
		ids:       cfg.IDs,
		tasks:     cfg.Tasks,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}, nil
}

func (h *ChatHandler) Kind() event.Kind { return event.KindChat }

func (h *ChatHandler) Handle(ctx context.Context, target Target, ev event.Inbound) error {
	if strings.TrimSpace(ev.Content) == "" {
		h.logger.Warn("chat event without content", target.fields()...)
		return nil
	}
	entry, ok := h.sessions.Get(target.ProjectID, target.SessionID)
	if !ok {
		h.logger.Debug("chat event for unknown session", target.fields()...)
		return nil
	}
	messageID, err := h.ids.NewID()
	if err != nil {
		return fmt.Errorf("router: chat message id: %w", err)
	}
	sentAt := h.clock()

	// Archive and broadcast fail independently of each other.
	if h.archive != nil {
		message := chat.Message{
			ID:        messageID,
			ProjectID: target.ProjectID,
			AuthorID:  entry.UserID(),
			Content:   ev.Content,
			CreatedAt: sentAt,
		}
		h.tasks.Go(ctx, "archive_chat_message", func(taskCtx context.Context) error {
			_, err := h.archive.SaveChatMessage(taskCtx, message)
			return err
		}, append(target.fields(), zap.String("message_id", messageID))...)
	}

	out := event.NewChat(target.SessionID, messageID, entry.UserID(), entry.UserName(), ev.Content, sentAt)
	return h.publisher.Publish(ctx, target.ProjectID, out, target.SessionID)
}
