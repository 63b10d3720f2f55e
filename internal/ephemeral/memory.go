package ephemeral

import (
	"context"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/bifrost-run/bifrost/internal/log"
	"github.com/bifrost-run/bifrost/internal/pubsub"
)

// MemoryStore implements Store in process memory. It exists for
// single-process deployments and tests; it offers the same semantics as
// RedisStore but shares nothing across processes.
type MemoryStore struct {
	kv     *cache.Cache
	broker *pubsub.Broker[Message]

	mu      sync.Mutex
	lists   map[string][][]byte
	waiters map[string][]chan []byte
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:      cache.New(cache.NoExpiration, time.Minute),
		broker:  pubsub.NewBroker[Message](),
		lists:   make(map[string][][]byte),
		waiters: make(map[string][]chan []byte),
	}
}

func ttlOrNever(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.kv.Set(key, append([]byte(nil), value...), ttlOrNever(ttl))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.kv.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.kv.Delete(key)
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	v, ok := s.kv.Get(key)
	if !ok {
		return nil
	}
	s.kv.Set(key, v, ttlOrNever(ttl))
	return nil
}

func (s *MemoryStore) RPush(_ context.Context, key string, value []byte) error {
	val := append([]byte(nil), value...)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Hand off directly to the oldest blocked waiter, if any.
	for len(s.waiters[key]) > 0 {
		w := s.waiters[key][0]
		s.waiters[key] = s.waiters[key][1:]
		select {
		case w <- val:
			return nil
		default:
			// Waiter gave up (timeout raced the push); try the next.
		}
	}

	s.lists[key] = append(s.lists[key], val)
	return nil
}

func (s *MemoryStore) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if list := s.lists[key]; len(list) > 0 {
		head := list[0]
		if len(list) == 1 {
			delete(s.lists, key)
		} else {
			s.lists[key] = list[1:]
		}
		s.mu.Unlock()
		return head, nil
	}

	w := make(chan []byte, 1)
	s.waiters[key] = append(s.waiters[key], w)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case val := <-w:
		return val, nil
	case <-timer.C:
		s.removeWaiter(key, w)
		return nil, ErrNotFound
	case <-ctx.Done():
		s.removeWaiter(key, w)
		return nil, ctx.Err()
	}
}

// removeWaiter deregisters a BLPop waiter, draining any value that was
// handed off while it was giving up.
func (s *MemoryStore) removeWaiter(key string, w chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.waiters[key]
	for i, c := range ws {
		if c == w {
			s.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	select {
	case val := <-w:
		// Value arrived between timeout and deregistration; put it back.
		s.lists[key] = append([][]byte{val}, s.lists[key]...)
	default:
	}
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return nil, nil
	}

	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.kv.Get(key); !ok {
		s.kv.Set(key, int64(0), ttlOrNever(ttl))
	}
	return s.kv.IncrementInt64(key, 1)
}

func (s *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.kv.Get(key); !ok {
		s.kv.Set(key, int64(0), cache.NoExpiration)
	}
	return s.kv.IncrementInt64(key, -1)
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.broker.Publish(pubsub.CreatedEvent, Message{
		Channel: channel,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	want := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		want[c] = struct{}{}
	}

	events := s.broker.Subscribe(ctx)
	out := make(chan Message, 64)
	log.SafeGo("memory-subscribe", func() {
		defer close(out)
		for ev := range events {
			if _, ok := want[ev.Payload.Channel]; !ok {
				continue
			}
			select {
			case out <- ev.Payload:
			case <-ctx.Done():
				return
			}
		}
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.broker.Close()
	s.kv.Flush()
	return nil
}
