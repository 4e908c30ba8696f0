package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus is an in-process Bus for single-instance deployments and tests.
// A subscriber whose buffer stays full for sendTimeout loses the message,
// the way go-redis drops messages on a stalled Channel().
type MemoryBus struct {
	mu          sync.RWMutex
	topics      map[string]map[*memorySub]struct{}
	buffer      int
	sendTimeout time.Duration
	dropped     atomic.Int64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics:      make(map[string]map[*memorySub]struct{}),
		buffer:      64,
		sendTimeout: time.Second,
	}
}

// Dropped reports how many messages were discarded for slow subscribers.
func (b *MemoryBus) Dropped() int64 { return b.dropped.Load() }

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	subs := make([]*memorySub, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.deliver(ctx, payload, b.sendTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, b.buffer),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*memorySub]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBus) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[s.topic], s)
	if len(b.topics[s.topic]) == 0 {
		delete(b.topics, s.topic)
	}
}

type memorySub struct {
	bus   *MemoryBus
	topic string

	mu     sync.Mutex
	closed bool
	ch     chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *memorySub) deliver(ctx context.Context, payload []byte, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	msg := append([]byte(nil), payload...)
	select {
	case s.ch <- msg:
		return nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- msg:
	case <-s.done:
	case <-timer.C:
		s.bus.dropped.Add(1)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
