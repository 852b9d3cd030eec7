package consistency

import (
	"context"
	"sync"
)

// keyedSemaphore is a set of binary semaphores, one per key. Waiting honors
// ctx, which a sync.Mutex cannot.
type keyedSemaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedSemaphore() *keyedSemaphore {
	return &keyedSemaphore{slots: make(map[string]chan struct{})}
}

func (s *keyedSemaphore) slot(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[key] = ch
	}
	return ch
}

func (s *keyedSemaphore) acquire(ctx context.Context, key string) error {
	select {
	case s.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAcquire takes key without waiting.
func (s *keyedSemaphore) tryAcquire(key string) bool {
	select {
	case s.slot(key) <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *keyedSemaphore) release(key string) {
	select {
	case <-s.slot(key):
	default:
	}
}
