// Package presence tracks which sessions are in a project and turns raw client
// frames into routed events.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/router"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/session"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/task"
	"go.uber.org/zap"
)

var (
	errMissingRegistry      = errors.New("presence: registry required")
	errMissingPublisher     = errors.New("presence: event publisher required")
	errMissingSubscriptions = errors.New("presence: subscriptions required")
	errMissingDispatcher    = errors.New("presence: dispatcher required")
	errMissingTasks         = errors.New("presence: task group required")
	// ErrInvalidJoin indicates a join request with a blank identifier.
	ErrInvalidJoin = errors.New("presence: invalid join request")
)

// Dispatcher routes decoded inbound events.
type Dispatcher interface {
	Dispatch(ctx context.Context, target router.Target, ev event.Inbound)
}

// Subscriptions keeps the project topic subscribed while local sessions exist.
type Subscriptions interface {
	Attach(ctx context.Context, projectID string) error
	Detach(projectID string)
}

// ServiceConfig wires the presence service.
type ServiceConfig struct {
	Registry       *session.Registry
	Publisher      router.EventPublisher
	Subscriptions  Subscriptions
	Dispatcher     Dispatcher
	Tasks          *task.Group
	OutboundBuffer int
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Service orchestrates joins, leaves and inbound message handling.
type Service struct {
	registry       *session.Registry
	publisher      router.EventPublisher
	subscriptions  Subscriptions
	dispatcher     Dispatcher
	tasks          *task.Group
	outboundBuffer int
	clock          func() time.Time
	logger         *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errMissingRegistry
	case cfg.Publisher == nil:
		return nil, errMissingPublisher
	case cfg.Subscriptions == nil:
		return nil, errMissingSubscriptions
	case cfg.Dispatcher == nil:
		return nil, errMissingDispatcher
	case cfg.Tasks == nil:
		return nil, errMissingTasks
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registry:       cfg.Registry,
		publisher:      cfg.Publisher,
		subscriptions:  cfg.Subscriptions,
		dispatcher:     cfg.Dispatcher,
		tasks:          cfg.Tasks,
		outboundBuffer: cfg.OutboundBuffer,
		clock:          clock,
		logger:         logger,
	}, nil
}

// JoinRequest describes an authenticated, authorized connection.
type JoinRequest struct {
	ProjectID string
	SessionID string
	UserID    string
	UserName  string
}

func (r JoinRequest) validate() error {
	if strings.TrimSpace(r.ProjectID) == "" || strings.TrimSpace(r.SessionID) == "" || strings.TrimSpace(r.UserID) == "" {
		return ErrInvalidJoin
	}
	return nil
}

// NotifyJoin registers a session and announces it to the rest of the project.
// The JOIN publish runs in the background; the returned entry is live once
// NotifyJoin returns.
//
// A join on a key that is already registered closes the previous entry and
// takes over its subscription reference. That is only sound because callers
// mint a fresh session id per connection (the gateway uses ULIDs), so the
// replaced connection never reaches RemoveSession for a key it no longer owns.
func (s *Service) NotifyJoin(ctx context.Context, req JoinRequest) (*session.Entry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := s.clock()
	entry := session.NewEntry(session.EntryConfig{
		ProjectID:      req.ProjectID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		UserName:       req.UserName,
		JoinedAt:       now,
		OutboundBuffer: s.outboundBuffer,
	})

	if previous, exists := s.registry.Get(req.ProjectID, req.SessionID); exists {
		// Re-join on the same key replaces the entry and reuses its subscription.
		previous.Close()
	} else if err := s.subscriptions.Attach(ctx, req.ProjectID); err != nil {
		return nil, fmt.Errorf("presence: join %s: %w", req.ProjectID, err)
	}
	s.registry.Add(req.ProjectID, req.SessionID, entry)

	fields := []zap.Field{
		zap.String("project_id", req.ProjectID),
		zap.String("session_id", req.SessionID),
		zap.String("user_id", req.UserID),
	}
	s.logger.Info("session joined", fields...)

	join := event.NewJoin(req.SessionID, req.UserID, req.UserName, now)
	s.tasks.Go(ctx, "publish_join", func(taskCtx context.Context) error {
		return s.publisher.Publish(taskCtx, req.ProjectID, join, req.SessionID)
	}, fields...)
	return entry, nil
}

// RemoveSession unregisters a session and announces the leave. It reports
// whether a session was removed; repeated calls are no-ops and publish nothing.
func (s *Service) RemoveSession(ctx context.Context, projectID, sessionID string) bool {
	entry, removed := s.registry.Remove(projectID, sessionID)
	if !removed {
		return false
	}
	entry.Close()
	s.subscriptions.Detach(projectID)

	fields := []zap.Field{
		zap.String("project_id", projectID),
		zap.String("session_id", sessionID),
		zap.String("user_id", entry.UserID()),
	}
	s.logger.Info("session left", fields...)

	leave := event.NewLeave(sessionID, entry.UserID(), entry.UserName(), s.clock())
	s.tasks.Go(ctx, "publish_leave", func(taskCtx context.Context) error {
		return s.publisher.Publish(taskCtx, projectID, leave, sessionID)
	}, fields...)
	return true
}

// HandleMessage decodes a raw client frame and dispatches it. Undecodable
// frames are logged and dropped; the connection stays open.
func (s *Service) HandleMessage(ctx context.Context, projectID, sessionID string, raw []byte) {
	ev, err := event.DecodeInbound(raw)
	if err != nil {
		s.logger.Warn("dropping inbound frame",
			zap.String("project_id", projectID),
			zap.String("session_id", sessionID),
			zap.Int("frame_bytes", len(raw)),
			zap.Error(err))
		return
	}
	s.dispatcher.Dispatch(ctx, router.Target{ProjectID: projectID, SessionID: sessionID}, ev)
}

// Participants returns the sessions currently held for a project by this process.
func (s *Service) Participants(projectID string) []*session.Entry {
	return s.registry.List(projectID, "")
}
