package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/broadcast"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/event"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/router"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/session"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/collab/task"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/ids"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/pubsub"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testInstant = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// syncBus delivers payloads on the publishing goroutine so tests can assert
// on delivery as soon as the background tasks have drained.
type syncBus struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]pubsub.Handler
}

type syncSubscription struct {
	bus   *syncBus
	topic string
	id    int
}

func newSyncBus() *syncBus {
	return &syncBus{handlers: make(map[string]map[int]pubsub.Handler)}
}

func (b *syncBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	handlers := make([]pubsub.Handler, 0, len(b.handlers[topic]))
	for _, handler := range b.handlers[topic] {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(ctx, payload)
	}
	return nil
}

func (b *syncBus) Subscribe(_ context.Context, topic string, handler pubsub.Handler) (pubsub.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]pubsub.Handler)
	}
	b.handlers[topic][b.next] = handler
	return &syncSubscription{bus: b, topic: topic, id: b.next}, nil
}

func (b *syncBus) Close() error { return nil }

func (s *syncSubscription) Topic() string { return s.topic }

func (s *syncSubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers[s.topic], s.id)
	return nil
}

type harness struct {
	registry  *session.Registry
	publisher *broadcast.Publisher
	tasks     *task.Group
	service   *Service
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	registry := session.NewRegistry()
	publisher, err := broadcast.NewPublisher(broadcast.PublisherConfig{Bus: newSyncBus(), Registry: registry, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build publisher: %v", err)
	}
	t.Cleanup(publisher.Close)
	tasks := task.NewGroup(logger, time.Second)
	clock := func() time.Time { return testInstant }
	dispatcher, err := router.NewDefault(router.HandlerConfig{
		Sessions:  registry,
		Publisher: publisher,
		IDs:       ids.NewUUIDProvider(),
		Tasks:     tasks,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Registry:       registry,
		Publisher:      publisher,
		Subscriptions:  publisher,
		Dispatcher:     dispatcher,
		Tasks:          tasks,
		OutboundBuffer: 16,
		Clock:          clock,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("failed to build presence service: %v", err)
	}
	return &harness{registry: registry, publisher: publisher, tasks: tasks, service: service, logs: logs}
}

func (h *harness) join(t *testing.T, projectID, sessionID, userName string) *session.Entry {
	t.Helper()
	entry, err := h.service.NotifyJoin(context.Background(), JoinRequest{
		ProjectID: projectID,
		SessionID: sessionID,
		UserID:    "user-" + sessionID,
		UserName:  userName,
	})
	if err != nil {
		t.Fatalf("join %s failed: %v", sessionID, err)
	}
	h.tasks.Wait()
	return entry
}

func drain(t *testing.T, entry *session.Entry) []event.Outbound {
	t.Helper()
	var received []event.Outbound
	for {
		select {
		case frame := <-entry.Outbound():
			ev, err := event.DecodeOutbound(frame)
			if err != nil {
				t.Fatalf("undecodable frame for %s: %v", entry.SessionID(), err)
			}
			received = append(received, ev)
		default:
			return received
		}
	}
}

func TestNotifyJoinIntoEmptyProject(t *testing.T) {
	h := newHarness(t)
	entry := h.join(t, "project-1", "session-a", "Ada")

	if others := h.registry.List("project-1", "session-a"); len(others) != 0 {
		t.Fatalf("lone joiner should see no other participants, got %d", len(others))
	}
	if !h.publisher.Subscribed("project-1") {
		t.Fatalf("expected project topic to be subscribed")
	}
	if frames := drain(t, entry); len(frames) != 0 {
		t.Fatalf("joiner must not receive its own JOIN, got %#v", frames)
	}
}

func TestNotifyJoinAnnouncesToOthersOnly(t *testing.T) {
	h := newHarness(t)
	first := h.join(t, "project-1", "session-a", "Ada")
	second := h.join(t, "project-1", "session-b", "Bo")

	frames := drain(t, first)
	if len(frames) != 1 || frames[0].Type != event.KindJoin {
		t.Fatalf("expected a single JOIN for the first session, got %#v", frames)
	}
	if frames[0].Sender() != "session-b" || frames[0].UserName != "Bo" || frames[0].Timestamp != testInstant.UnixMilli() {
		t.Fatalf("unexpected JOIN payload %#v", frames[0])
	}
	if frames := drain(t, second); len(frames) != 0 {
		t.Fatalf("second session should receive nothing, got %#v", frames)
	}
}

func TestRemoveSessionPublishesExactlyOneLeave(t *testing.T) {
	h := newHarness(t)
	stayer := h.join(t, "project-1", "session-a", "Ada")
	leaver := h.join(t, "project-1", "session-b", "Bo")
	drain(t, stayer)

	if !h.service.RemoveSession(context.Background(), "project-1", "session-b") {
		t.Fatalf("expected first removal to succeed")
	}
	if h.service.RemoveSession(context.Background(), "project-1", "session-b") {
		t.Fatalf("second removal must be a no-op")
	}
	h.tasks.Wait()

	frames := drain(t, stayer)
	if len(frames) != 1 || frames[0].Type != event.KindLeave || frames[0].Sender() != "session-b" {
		t.Fatalf("expected exactly one LEAVE, got %#v", frames)
	}
	select {
	case <-leaver.Done():
	default:
		t.Fatalf("removed entry should be closed")
	}
	if _, ok := h.registry.Get("project-1", "session-b"); ok {
		t.Fatalf("removed session still registered")
	}
	if !h.publisher.Subscribed("project-1") {
		t.Fatalf("project still has a local session and must stay subscribed")
	}

	h.service.RemoveSession(context.Background(), "project-1", "session-a")
	h.tasks.Wait()
	if h.publisher.Subscribed("project-1") {
		t.Fatalf("expected project topic to be released after the last session left")
	}
}

func TestRemoveUnknownSessionPublishesNothing(t *testing.T) {
	h := newHarness(t)
	stayer := h.join(t, "project-1", "session-a", "Ada")

	if h.service.RemoveSession(context.Background(), "project-1", "never-joined") {
		t.Fatalf("unknown session must not be removed")
	}
	h.tasks.Wait()
	if frames := drain(t, stayer); len(frames) != 0 {
		t.Fatalf("expected no frames, got %#v", frames)
	}
}

func TestRejoinReusesSubscription(t *testing.T) {
	h := newHarness(t)
	original := h.join(t, "project-1", "session-a", "Ada")
	h.join(t, "project-1", "session-a", "Ada")

	select {
	case <-original.Done():
	default:
		t.Fatalf("replaced entry should be closed")
	}
	h.service.RemoveSession(context.Background(), "project-1", "session-a")
	h.tasks.Wait()
	if h.publisher.Subscribed("project-1") {
		t.Fatalf("re-join must not leak a subscription reference")
	}
}

func TestNotifyJoinRejectsBlankIdentifiers(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.NotifyJoin(context.Background(), JoinRequest{ProjectID: "project-1", SessionID: " "})
	if !errors.Is(err, ErrInvalidJoin) {
		t.Fatalf("expected invalid join error, got %v", err)
	}
}

type failingSubscriptions struct{}

func (failingSubscriptions) Attach(context.Context, string) error { return errors.New("bus unavailable") }
func (failingSubscriptions) Detach(string)                        {}

type recordingDispatcher struct {
	targets []router.Target
	events  []event.Inbound
}

func (d *recordingDispatcher) Dispatch(_ context.Context, target router.Target, ev event.Inbound) {
	d.targets = append(d.targets, target)
	d.events = append(d.events, ev)
}

func TestNotifyJoinFailsWhenSubscriptionFails(t *testing.T) {
	registry := session.NewRegistry()
	service, err := NewService(ServiceConfig{
		Registry:      registry,
		Publisher:     &broadcast.Publisher{},
		Subscriptions: failingSubscriptions{},
		Dispatcher:    &recordingDispatcher{},
		Tasks:         task.NewGroup(nil, time.Second),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	if _, err := service.NotifyJoin(context.Background(), JoinRequest{ProjectID: "p", SessionID: "s", UserID: "u"}); err == nil {
		t.Fatalf("expected join to fail")
	}
	if registry.Count("p") != 0 {
		t.Fatalf("failed join must not register the session")
	}
}

func TestHandleMessageDropsUndecodableFrames(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	dispatcher := &recordingDispatcher{}
	service, err := NewService(ServiceConfig{
		Registry:      session.NewRegistry(),
		Publisher:     &broadcast.Publisher{},
		Subscriptions: failingSubscriptions{},
		Dispatcher:    dispatcher,
		Tasks:         task.NewGroup(nil, time.Second),
		Logger:        zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	service.HandleMessage(context.Background(), "p", "s", []byte("{not json"))
	service.HandleMessage(context.Background(), "p", "s", []byte(`{"type":"JOIN"}`))
	service.HandleMessage(context.Background(), "p", "s", []byte(`{"type":"chat","content":"hi"}`))

	if logs.FilterMessage("dropping inbound frame").Len() != 2 {
		t.Fatalf("expected two dropped frames to be logged")
	}
	if len(dispatcher.events) != 1 || dispatcher.events[0].Type != event.KindChat {
		t.Fatalf("expected the chat frame to be dispatched, got %#v", dispatcher.events)
	}
	if dispatcher.targets[0] != (router.Target{ProjectID: "p", SessionID: "s"}) {
		t.Fatalf("unexpected dispatch target %#v", dispatcher.targets[0])
	}
}

func TestSchemaFocusReachesOthersButNotSender(t *testing.T) {
	h := newHarness(t)
	observerEntry := h.join(t, "project-1", "session-a", "Ada")
	sender := h.join(t, "project-1", "session-b", "Bo")
	drain(t, observerEntry)

	h.service.HandleMessage(context.Background(), "project-1", "session-b", []byte(`{"type":"SCHEMA_FOCUS","schemaId":"schema-9"}`))
	h.tasks.Wait()

	frames := drain(t, observerEntry)
	if len(frames) != 1 || frames[0].Type != event.KindSchemaFocus || frames[0].SchemaID != "schema-9" || frames[0].UserName != "Bo" {
		t.Fatalf("unexpected frames for observer %#v", frames)
	}
	if frames := drain(t, sender); len(frames) != 0 {
		t.Fatalf("sender must not receive its own schema focus, got %#v", frames)
	}
}

func TestChatReachesEveryoneIncludingSender(t *testing.T) {
	h := newHarness(t)
	reader := h.join(t, "project-1", "session-a", "Ada")
	writer := h.join(t, "project-1", "session-b", "Bo")
	drain(t, reader)

	h.service.HandleMessage(context.Background(), "project-1", "session-b", []byte(`{"type":"CHAT","content":"hello"}`))
	h.tasks.Wait()

	readerFrames := drain(t, reader)
	writerFrames := drain(t, writer)
	if len(readerFrames) != 1 || len(writerFrames) != 1 {
		t.Fatalf("expected one chat frame each, got %d and %d", len(readerFrames), len(writerFrames))
	}
	if readerFrames[0].MessageID == "" || readerFrames[0].MessageID != writerFrames[0].MessageID {
		t.Fatalf("both sessions should see the same message id")
	}
	if writerFrames[0].Content != "hello" || writerFrames[0].UserName != "Bo" {
		t.Fatalf("unexpected chat payload %#v", writerFrames[0])
	}
}

func TestParticipantsListsLocalSessions(t *testing.T) {
	h := newHarness(t)
	h.join(t, "project-1", "session-b", "Bo")
	h.join(t, "project-1", "session-a", "Ada")

	participants := h.service.Participants("project-1")
	if len(participants) != 2 {
		t.Fatalf("expected two participants, got %d", len(participants))
	}
}
