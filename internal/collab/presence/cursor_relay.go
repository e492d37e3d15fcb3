package presence

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/router"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/session"
	"go.uber.org/zap"
)

var errInvalidRelayInterval = errors.New("presence: cursor relay interval must be positive")

// CursorRelayConfig wires the periodic cursor push.
type CursorRelayConfig struct {
	Registry  *session.Registry
	Publisher router.EventPublisher
	Interval  time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// CursorRelay publishes at most one CURSOR event per session and interval, and
// only for cursors that moved since the previous tick. Without a relay cursors
// are only readable from the registry.
type CursorRelay struct {
	registry  *session.Registry
	publisher router.EventPublisher
	interval  time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

func NewCursorRelay(cfg CursorRelayConfig) (*CursorRelay, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidRelayInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CursorRelay{
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		interval:  cfg.Interval,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Run flushes on every tick until ctx ends.
func (r *CursorRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush publishes pending cursor changes and returns how many were published.
func (r *CursorRelay) Flush(ctx context.Context) int {
	published := 0
	now := r.clock()
	for _, projectID := range r.registry.Projects() {
		for _, entry := range r.registry.List(projectID, "") {
			cursor, changed := entry.TakeCursorChange()
			if !changed {
				continue
			}
			ev := event.NewCursor(entry.SessionID(), entry.UserInfo(), cursor, now)
			if err := r.publisher.Publish(ctx, projectID, ev, entry.SessionID()); err != nil {
				r.logger.Warn("cursor relay publish failed",
					zap.String("project_id", projectID),
					zap.String("session_id", entry.SessionID()),
					zap.Error(err))
				continue
			}
			published++
		}
	}
	return published
}
