// Package broadcast publishes collaboration events to a project's bus topic and
// delivers events received from the bus to the sessions held by this process.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/session"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/pubsub"
	"go.uber.org/zap"
)

// DefaultTopicPrefix is prepended to a project id to form its topic.
const DefaultTopicPrefix = "collaboration.project."

var (
	errMissingBus      = errors.New("broadcast: bus required")
	errMissingRegistry = errors.New("broadcast: registry required")
	errMissingProject  = errors.New("broadcast: project id required")
)

// Envelope is the bus payload. ExcludeSessionID travels next to the event so
// receivers can skip the sender even when the event itself hides it.
type Envelope struct {
	ExcludeSessionID string         `json:"excludeSessionId,omitempty"`
	Event            event.Outbound `json:"event"`
}

// PublisherConfig wires the publisher to its bus and local registry.
type PublisherConfig struct {
	Bus         pubsub.Bus
	Registry    *session.Registry
	TopicPrefix string
	Logger      *zap.Logger
}

// Publisher is the collaboration event publisher. It also owns the
// demand-driven project subscriptions: a project topic is subscribed while at
// least one local session of that project is attached.
type Publisher struct {
	bus      pubsub.Bus
	registry *session.Registry
	prefix   string
	logger   *zap.Logger

	mu   sync.Mutex
	subs map[string]*projectSubscription
}

// projectSubscription is published in subs before the bus subscribe finishes;
// ready closes once subscription or err is set.
type projectSubscription struct {
	refs         int
	ready        chan struct{}
	err          error
	subscription pubsub.Subscription
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	prefix := cfg.TopicPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultTopicPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		bus:      cfg.Bus,
		registry: cfg.Registry,
		prefix:   prefix,
		logger:   logger,
		subs:     make(map[string]*projectSubscription),
	}, nil
}

// Topic returns the bus topic of a project.
func (p *Publisher) Topic(projectID string) string {
	return p.prefix + projectID
}

// Publish serialises ev and hands it to the bus. It returns once the bus
// accepted the payload; remote delivery happens asynchronously.
func (p *Publisher) Publish(ctx context.Context, projectID string, ev event.Outbound, excludeSessionID string) error {
	if strings.TrimSpace(projectID) == "" {
		return errMissingProject
	}
	payload, err := json.Marshal(Envelope{ExcludeSessionID: excludeSessionID, Event: ev})
	if err != nil {
		return fmt.Errorf("broadcast: encode %s: %w", ev.Type, err)
	}
	if err := p.bus.Publish(ctx, p.Topic(projectID), payload); err != nil {
		return fmt.Errorf("broadcast: publish %s to %s: %w", ev.Type, projectID, err)
	}
	return nil
}

// Deliver pushes a bus payload to the local sessions of projectID that should
// receive it and returns how many frames were queued.
func (p *Publisher) Deliver(projectID string, payload []byte) int {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		p.logger.Warn("discarding undecodable bus payload",
			zap.String("project_id", projectID),
			zap.Error(err))
		return 0
	}
	frame, err := envelope.Event.Encode()
	if err != nil {
		p.logger.Warn("discarding bus payload with invalid event",
			zap.String("project_id", projectID),
			zap.Error(err))
		return 0
	}

	exclude := envelope.ExcludeSessionID
	if envelope.Event.Type.IncludesSender() {
		exclude = ""
	}

	delivered := 0
	for _, entry := range p.registry.List(projectID, exclude) {
		if entry.Send(frame) {
			delivered++
			continue
		}
		p.logger.Warn("dropping frame for slow or closed session",
			zap.String("project_id", projectID),
			zap.String("session_id", entry.SessionID()),
			zap.String("event_type", string(envelope.Event.Type)))
	}
	return delivered
}

// Attach takes a reference on the project's topic subscription, subscribing
// when this is the first local session of the project. The bus round trip runs
// outside the publisher lock; concurrent attaches of the same project wait for
// it and share its outcome.
func (p *Publisher) Attach(ctx context.Context, projectID string) error {
	if strings.TrimSpace(projectID) == "" {
		return errMissingProject
	}
	p.mu.Lock()
	if existing, ok := p.subs[projectID]; ok {
		existing.refs++
		p.mu.Unlock()
		<-existing.ready
		if existing.err != nil {
			p.release(projectID, existing)
			return existing.err
		}
		return nil
	}
	pending := &projectSubscription{refs: 1, ready: make(chan struct{})}
	p.subs[projectID] = pending
	p.mu.Unlock()

	subscription, err := p.bus.Subscribe(ctx, p.Topic(projectID), func(_ context.Context, payload []byte) {
		p.Deliver(projectID, payload)
	})
	if err != nil {
		pending.err = fmt.Errorf("broadcast: subscribe %s: %w", projectID, err)
	} else {
		pending.subscription = subscription
	}
	close(pending.ready)

	if pending.err != nil {
		p.release(projectID, pending)
		return pending.err
	}
	p.logger.Debug("project topic subscribed", zap.String("project_id", projectID), zap.String("topic", subscription.Topic()))
	return nil
}

// release drops a reference on a subscription that never became usable.
func (p *Publisher) release(projectID string, failed *projectSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	failed.refs--
	if failed.refs == 0 && p.subs[projectID] == failed {
		delete(p.subs, projectID)
	}
}

// Detach releases a reference taken by a successful Attach and unsubscribes on
// the last one.
func (p *Publisher) Detach(projectID string) {
	p.mu.Lock()
	existing, ok := p.subs[projectID]
	if !ok {
		p.mu.Unlock()
		return
	}
	existing.refs--
	if existing.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.subs, projectID)
	p.mu.Unlock()

	// A reference only exists after ready closed, so subscription is set.
	if err := existing.subscription.Close(); err != nil {
		p.logger.Warn("project topic unsubscribe failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	p.logger.Debug("project topic unsubscribed", zap.String("project_id", projectID))
}

// Subscribed reports whether this process currently listens to the project topic.
func (p *Publisher) Subscribed(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[projectID]
	return ok
}

// Close drops every project subscription.
func (p *Publisher) Close() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]*projectSubscription)
	p.mu.Unlock()

	for projectID, existing := range subs {
		<-existing.ready
		if existing.subscription == nil {
			continue
		}
		if err := existing.subscription.Close(); err != nil {
			p.logger.Warn("project topic unsubscribe failed", zap.String("project_id", projectID), zap.Error(err))
		}
	}
}
