// Package router dispatches inbound client events to the handler registered
// for their type.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/session"
	"go.uber.org/zap"
)

var (
	errNilHandler       = errors.New("router: handler required")
	errDuplicateHandler = errors.New("router: handler already registered")
)

// Target identifies the connection an inbound event arrived on.
type Target struct {
	ProjectID string
	SessionID string
}

func (t Target) fields() []zap.Field {
	return []zap.Field{
		zap.String("project_id", t.ProjectID),
		zap.String("session_id", t.SessionID),
	}
}

// Handler applies one kind of inbound event.
type Handler interface {
	Kind() event.Kind
	Handle(ctx context.Context, target Target, ev event.Inbound) error
}

// EventPublisher publishes outbound events to a project.
type EventPublisher interface {
	Publish(ctx context.Context, projectID string, ev event.Outbound, excludeSessionID string) error
}

// SessionLookup resolves the session an event belongs to.
type SessionLookup interface {
	Get(projectID, sessionID string) (*session.Entry, bool)
}

// Router maps each inbound discriminator to exactly one handler.
type Router struct {
	handlers map[event.Kind]Handler
	logger   *zap.Logger
}

func New(logger *zap.Logger, handlers ...Handler) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		handlers: make(map[event.Kind]Handler, len(handlers)),
		logger:   logger,
	}
	for _, handler := range handlers {
		if err := r.Register(handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler; a second handler for the same kind is rejected.
func (r *Router) Register(handler Handler) error {
	if handler == nil {
		return errNilHandler
	}
	kind := handler.Kind()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", errDuplicateHandler, kind)
	}
	r.handlers[kind] = handler
	return nil
}

// Dispatch runs the handler for ev to completion. Missing handlers and
// handler failures are logged; nothing is retried.
func (r *Router) Dispatch(ctx context.Context, target Target, ev event.Inbound) {
	handler, ok := r.handlers[ev.Type]
	if !ok {
		r.logger.Warn("no handler registered for inbound event",
			append(target.fields(), zap.String("event_type", string(ev.Type)))...)
		return
	}
	if err := handler.Handle(ctx, target, ev); err != nil {
		r.logger.Warn("inbound event handler failed",
			append(target.fields(), zap.String("event_type", string(ev.Type)), zap.Error(err))...)
	}
}

// Kinds lists the registered discriminators.
func (r *Router) Kinds() []event.Kind {
	kinds := make([]event.Kind, 0, len(r.handlers))
	for _, kind := range event.InboundKinds {
		if _, ok := r.handlers[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
