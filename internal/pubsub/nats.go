package pubsub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultNATSReconnectWait = 500 * time.Millisecond
	defaultNATSTimeout       = 3 * time.Second
	natsPendingMessages      = 1_000_000
	natsPendingBytes         = 64 * 1024 * 1024
)

// NATSConfig configures the NATS-backed bus.
type NATSConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSBus maps topics onto core NATS subjects. Core NATS has no persistence,
// which matches the at-most-once contract of the bus.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*natsSubscription]struct{}
	closed bool
}

type natsSubscription struct {
	topic     string
	bus       *NATSBus
	sub       *nats.Subscription
	closeOnce sync.Once
}

// NewNATSBus connects to the configured servers with unlimited reconnects.
func NewNATSBus(cfg NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("pubsub: nats servers required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaultNATSReconnectWait
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultNATSTimeout
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", conn.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &NATSBus{
		conn:   conn,
		logger: logger,
		subs:   make(map[*natsSubscription]struct{}),
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrBusClosed
	}
	return b.conn.Publish(topic, payload)
}

func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrBusClosed
	}

	deliveryCtx := context.WithoutCancel(ctx)
	sub, err := b.conn.Subscribe(topic, func(message *nats.Msg) {
		handler(deliveryCtx, append([]byte(nil), message.Data...))
	})
	if err != nil {
		return nil, err
	}
	_ = sub.SetPendingLimits(natsPendingMessages, natsPendingBytes)
	// Flush round-trips to the server so the subscription is active on return.
	// FlushWithContext refuses contexts without a deadline.
	flushCtx, cancel := context.WithTimeout(ctx, defaultNATSTimeout)
	defer cancel()
	if err := b.conn.FlushWithContext(flushCtx); err != nil {
		b.logger.Warn("nats flush after subscribe failed", zap.String("topic", topic), zap.Error(err))
	}

	subscription := &natsSubscription{topic: topic, bus: b, sub: sub}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, ErrBusClosed
	}
	b.subs[subscription] = struct{}{}
	b.mu.Unlock()
	return subscription, nil
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	return b.conn.Drain()
}

func (b *NATSBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (s *natsSubscription) Topic() string {
	return s.topic
}

func (s *natsSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	var err error
	s.closeOnce.Do(func() {
		err = s.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
	})
	return err
}
