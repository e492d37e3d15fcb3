// Package pubsub provides the topic-keyed publish/subscribe transport used to
// fan collaboration events out across server processes.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNATS   = "nats"
)

var (
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("pubsub: bus closed")
	// ErrInvalidTopic indicates an empty topic name.
	ErrInvalidTopic = errors.New("pubsub: topic required")
	// ErrUnknownDriver indicates a configuration naming an unsupported driver.
	ErrUnknownDriver = errors.New("pubsub: unknown driver")
)

// Handler receives one payload published on a subscribed topic.
type Handler func(ctx context.Context, payload []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	Topic() string
	Close() error
}

// Bus delivers every published payload to every subscriber of the topic,
// including subscribers in the publishing process. Delivery is at most once
// and unordered across publishers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// NormalizeDriver maps a configured driver name onto a known driver.
func NormalizeDriver(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", DriverMemory:
		return DriverMemory, nil
	case DriverRedis:
		return DriverRedis, nil
	case DriverNATS:
		return DriverNATS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDriver, value)
	}
}

func validateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return ErrInvalidTopic
	}
	return nil
}
