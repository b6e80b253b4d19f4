package ordering

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/shohag/hookrelay/internal/arena"
)

type entry struct {
	deliveryID string
	bufferedAt time.Time
}

type endpointState struct {
	mu        sync.Mutex
	delivered int64
	buffered  map[int64][]entry
}

// MemoryBuffer is a single-process Buffer. Endpoint state idle past the arena
// TTL is dropped, which resets the cursor the same way an expired Redis key does.
type MemoryBuffer struct {
	states *arena.Arena[*endpointState]
	cfg    Config
	now    func() time.Time
}

func NewMemoryBuffer(cfg Config, ac arena.Config) *MemoryBuffer {
	cfg = cfg.withDefaults()
	if ac.TTL <= 0 {
		ac.TTL = cfg.DeliveredTTL
	}
	return &MemoryBuffer{
		states: arena.New(func(string) *endpointState {
			return &endpointState{buffered: make(map[int64][]entry)}
		}, arena.WithConfig[*endpointState](ac)),
		cfg: cfg,
		now: time.Now,
	}
}

func (b *MemoryBuffer) state(endpointID string) *endpointState {
	s := b.states.Get(endpointID)
	s.mu.Lock()
	return s
}

// expire drops entries older than the buffer TTL. Caller holds s.mu.
func (b *MemoryBuffer) expire(s *endpointState) {
	cutoff := b.now().Add(-b.cfg.BufferTTL)
	for seq, entries := range s.buffered {
		kept := entries[:0]
		for _, e := range entries {
			if e.bufferedAt.After(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.buffered, seq)
		} else {
			s.buffered[seq] = kept
		}
	}
}

func (b *MemoryBuffer) NextExpected(_ context.Context, endpointID string) (int64, error) {
	s := b.state(endpointID)
	defer s.mu.Unlock()
	return s.delivered + 1, nil
}

func (b *MemoryBuffer) CanDeliver(ctx context.Context, endpointID string, seq int64) (bool, error) {
	next, err := b.NextExpected(ctx, endpointID)
	if err != nil {
		return false, err
	}
	return seq == next, nil
}

func (b *MemoryBuffer) Buffer(_ context.Context, endpointID, deliveryID string, seq int64) (int64, error) {
	s := b.state(endpointID)
	defer s.mu.Unlock()
	b.expire(s)
	for _, e := range s.buffered[seq] {
		if e.deliveryID == deliveryID {
			return count(s), nil
		}
	}
	s.buffered[seq] = append(s.buffered[seq], entry{deliveryID: deliveryID, bufferedAt: b.now()})
	return count(s), nil
}

func (b *MemoryBuffer) MarkDelivered(_ context.Context, endpointID string, seq int64) error {
	s := b.state(endpointID)
	defer s.mu.Unlock()
	if seq > s.delivered {
		s.delivered = seq
	}
	return nil
}

func (b *MemoryBuffer) ReleaseReady(_ context.Context, endpointID string) ([]string, error) {
	s := b.state(endpointID)
	defer s.mu.Unlock()
	b.expire(s)
	next := s.delivered + 1
	entries := s.buffered[next]
	delete(s.buffered, next)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.deliveryID)
	}
	return ids, nil
}

func (b *MemoryBuffer) BufferSize(_ context.Context, endpointID string) (int64, error) {
	s := b.state(endpointID)
	defer s.mu.Unlock()
	b.expire(s)
	return count(s), nil
}

func (b *MemoryBuffer) Reset(_ context.Context, endpointID string) error {
	b.states.Remove(endpointID)
	return nil
}

func count(s *endpointState) int64 {
	var n int64
	for _, entries := range s.buffered {
		n += int64(len(entries))
	}
	return n
}

// MemorySequencer keeps counters for the life of the process.
type MemorySequencer struct {
	counters *xsync.MapOf[string, *atomic.Int64]
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: xsync.NewMapOf[string, *atomic.Int64]()}
}

func (s *MemorySequencer) counter(endpointID string) *atomic.Int64 {
	c, _ := s.counters.LoadOrCompute(endpointID, func() *atomic.Int64 {
		return new(atomic.Int64)
	})
	return c
}

func (s *MemorySequencer) Next(_ context.Context, endpointID string) (int64, error) {
	return s.counter(endpointID).Add(1), nil
}

func (s *MemorySequencer) Current(_ context.Context, endpointID string) (int64, error) {
	return s.counter(endpointID).Load(), nil
}

func (s *MemorySequencer) Reset(_ context.Context, endpointID string) error {
	s.counter(endpointID).Store(0)
	return nil
}
