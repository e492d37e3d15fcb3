package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	errMissingDatabase  = errors.New("chat: database handle is required")
	errMissingMessageID = errors.New("chat: message id is required")
	errMissingProjectID = errors.New("chat: project id is required")
	errMissingAuthorID  = errors.New("chat: author id is required")
	errBlankContent     = errors.New("chat: content is required")
)

// Message is a persisted project chat message.
type Message struct {
	ID        string    `gorm:"column:message_id;primaryKey;size:64;not null"`
	ProjectID string    `gorm:"column:project_id;size:190;not null;index:idx_chat_project_created,priority:1"`
	AuthorID  string    `gorm:"column:author_id;size:190;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_chat_project_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// ArchiveConfig describes the dependencies of the chat archive.
type ArchiveConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Archive stores chat messages for later history loads.
type Archive struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archive{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveChatMessage persists message; CreatedAt defaults to the archive clock.
func (a *Archive) SaveChatMessage(ctx context.Context, message Message) (Message, error) {
	switch {
	case strings.TrimSpace(message.ID) == "":
		return Message{}, errMissingMessageID
	case strings.TrimSpace(message.ProjectID) == "":
		return Message{}, errMissingProjectID
	case strings.TrimSpace(message.AuthorID) == "":
		return Message{}, errMissingAuthorID
	case strings.TrimSpace(message.Content) == "":
		return Message{}, errBlankContent
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = a.clock()
	}
	message.CreatedAt = message.CreatedAt.UTC()

	if err := a.db.WithContext(ctx).Create(&message).Error; err != nil {
		a.logger.Error("chat message insert failed",
			zap.String("project_id", message.ProjectID),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return Message{}, fmt.Errorf("chat: save message: %w", err)
	}
	return message, nil
}

// ListRecent returns up to limit messages of a project, newest first.
func (a *Archive) ListRecent(ctx context.Context, projectID string, limit int) ([]Message, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, errMissingProjectID
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var messages []Message
	if err := a.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Order("message_id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	return messages, nil
}
