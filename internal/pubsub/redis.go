package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 3 * time.Second

// RedisConfig configures the Redis-backed bus.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// RedisBus maps topics onto Redis PUBLISH/SUBSCRIBE channels. Redis delivers
// a published message to every subscribed connection, including our own.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

type redisSubscription struct {
	topic     string
	bus       *RedisBus
	pubsub    *redis.PubSub
	closeOnce sync.Once
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisBus, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("pubsub: redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub: redis ping: %w", err)
	}
	return NewRedisBusWithClient(client, logger), nil
}

// NewRedisBusWithClient wraps an existing client. The bus owns the client from then on.
func NewRedisBusWithClient(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client: client,
		logger: logger,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrBusClosed
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrBusClosed
	}

	ps := b.client.Subscribe(ctx, topic)
	// Receive blocks until Redis confirms the subscription, so nothing
	// published after Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("pubsub: redis subscribe %s: %w", topic, err)
	}

	subscription := &redisSubscription{topic: topic, bus: b, pubsub: ps}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ps.Close()
		return nil, ErrBusClosed
	}
	b.subs[subscription] = struct{}{}
	b.mu.Unlock()

	deliveryCtx := context.WithoutCancel(ctx)
	messages := ps.Channel()
	go func() {
		for message := range messages {
			handler(deliveryCtx, []byte(message.Payload))
		}
		b.logger.Debug("redis subscription stopped", zap.String("topic", topic))
	}()
	return subscription, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for subscription := range b.subs {
		subs = append(subs, subscription)
	}
	b.subs = make(map[*redisSubscription]struct{})
	b.mu.Unlock()

	for _, subscription := range subs {
		_ = subscription.stop()
	}
	return b.client.Close()
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (s *redisSubscription) Topic() string {
	return s.topic
}

func (s *redisSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.stop()
}

func (s *redisSubscription) stop() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}
