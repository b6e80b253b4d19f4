package broker

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Memory is an in-process broker for single-node deployments and tests.
// Publish never blocks on consumers; each topic keeps an unbounded queue.
type Memory struct {
	mu      sync.Mutex
	queues  map[string][]Message
	wake    chan struct{}
	closed  bool
	workers int
	log     zerolog.Logger
}

func NewMemory(log zerolog.Logger, workers int) *Memory {
	if workers <= 0 {
		workers = 1
	}
	return &Memory{
		queues:  make(map[string][]Message),
		wake:    make(chan struct{}),
		workers: workers,
		log:     log.With().Str("component", "memory-broker").Logger(),
	}
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queues[msg.Topic] = append(m.queues[msg.Topic], msg)
	close(m.wake)
	m.wake = make(chan struct{})
	return nil
}

// Len reports queued messages for topic.
func (m *Memory) Len(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[topic])
}

// Drain removes and returns every queued message for topic.
func (m *Memory) Drain(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.queues[topic]
	delete(m.queues, topic)
	return msgs
}

// next pops the first queued message across topics, or returns the channel
// closed by the next Publish.
func (m *Memory) next(topics []string) (Message, bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range topics {
		if q := m.queues[t]; len(q) > 0 {
			msg := q[0]
			m.queues[t] = q[1:]
			return msg, true, nil
		}
	}
	return Message{}, false, m.wake
}

func (m *Memory) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	p := pool.New().WithMaxGoroutines(m.workers)
	defer p.Wait()

	for {
		msg, ok, wake := m.next(topics)
		if ok {
			p.Go(func() {
				if err := handler(ctx, msg); err != nil {
					m.log.Warn().Err(err).Str("topic", msg.Topic).Str("key", msg.Key).Msg("handler failed")
				}
			})
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
