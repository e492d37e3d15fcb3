package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"
)

const busTestTopic = "collaboration.project.p-1"

func subscribeChannel(t *testing.T, bus Bus, topic string) (Subscription, <-chan []byte) {
	t.Helper()
	received := make(chan []byte, 8)
	subscription, err := bus.Subscribe(context.Background(), topic, func(_ context.Context, payload []byte) {
		received <- payload
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return subscription, received
}

func expectPayload(t *testing.T, received <-chan []byte, want string) {
	t.Helper()
	select {
	case payload := <-received:
		if string(payload) != want {
			t.Fatalf("unexpected payload %q, want %q", payload, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected payload %q within deadline", want)
	}
}

func expectSilence(t *testing.T, received <-chan []byte) {
	t.Helper()
	select {
	case payload := <-received:
		t.Fatalf("did not expect a payload, got %q", payload)
	case <-time.After(200 * time.Millisecond):
	}
}

// assertPublishReachesOwnSubscriber covers delivery inside one process and
// that a closed subscription stops receiving.
func assertPublishReachesOwnSubscriber(t *testing.T, bus Bus) {
	t.Helper()
	subscription, received := subscribeChannel(t, bus, busTestTopic)
	if subscription.Topic() != busTestTopic {
		t.Fatalf("unexpected topic %q", subscription.Topic())
	}

	if err := bus.Publish(context.Background(), busTestTopic, []byte("hello")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	expectPayload(t, received, "hello")

	if err := subscription.Close(); err != nil {
		t.Fatalf("subscription close failed: %v", err)
	}
	if err := bus.Publish(context.Background(), busTestTopic, []byte("after close")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	expectSilence(t, received)
}

// assertPublishCrossesBuses covers two processes sharing one broker.
func assertPublishCrossesBuses(t *testing.T, publisher, subscriber Bus) {
	t.Helper()
	subscription, received := subscribeChannel(t, subscriber, busTestTopic)
	defer subscription.Close()
	_, otherTopic := subscribeChannel(t, subscriber, "collaboration.project.p-2")

	if err := publisher.Publish(context.Background(), busTestTopic, []byte("remote")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	expectPayload(t, received, "remote")
	expectSilence(t, otherTopic)
}

func assertClosedBusRejectsUse(t *testing.T, bus Bus) {
	t.Helper()
	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Publish(context.Background(), busTestTopic, []byte("late")); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed from publish, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), busTestTopic, func(context.Context, []byte) {}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed from subscribe, got %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}
