package pubsub

import (
	"context"
	"sync"
)

const defaultMemoryBufferSize = 256

// MemoryBus is an in-process Bus for single instance deployments and tests.
// Each subscription owns a buffered stream drained by its own goroutine; a
// publish to a full stream drops the payload for that subscriber.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*memorySubscription
	nextID      int64
	bufferSize  int
	closed      bool
}

type memorySubscription struct {
	id        int64
	topic     string
	bus       *MemoryBus
	stream    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultMemoryBufferSize
	}
	return &MemoryBus{
		subscribers: make(map[string]map[int64]*memorySubscription),
		bufferSize:  bufferSize,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subscribers := b.subscribers[topic]
	copies := make([]*memorySubscription, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()

	for _, subscriber := range copies {
		message := append([]byte(nil), payload...)
		select {
		case <-subscriber.done:
		case subscriber.stream <- message:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	subscriber := &memorySubscription{
		topic:  topic,
		bus:    b,
		stream: make(chan []byte, b.bufferSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.nextID++
	subscriber.id = b.nextID
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*memorySubscription)
	}
	b.subscribers[topic][subscriber.id] = subscriber
	b.mu.Unlock()

	deliveryCtx := context.WithoutCancel(ctx)
	go func() {
		for {
			select {
			case <-subscriber.done:
				return
			case payload := <-subscriber.stream:
				handler(deliveryCtx, payload)
			}
		}
	}()
	return subscriber, nil
}

// Close stops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, subscribers := range b.subscribers {
		for _, subscriber := range subscribers {
			all = append(all, subscriber)
		}
	}
	b.subscribers = make(map[string]map[int64]*memorySubscription)
	b.mu.Unlock()

	for _, subscriber := range all {
		subscriber.stop()
	}
	return nil
}

// SubscriberCount reports how many subscriptions exist for topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (s *memorySubscription) Topic() string {
	return s.topic
}

func (s *memorySubscription) Close() error {
	s.bus.unregister(s.topic, s.id)
	s.stop()
	return nil
}

func (s *memorySubscription) stop() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (b *MemoryBus) unregister(topic string, id int64) {
	b.mu.Lock()
	subscribers := b.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
}
