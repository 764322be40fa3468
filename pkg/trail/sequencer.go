package trail

import (
	"context"
	"sync"
)

// sequencer serializes work per key in arrival order. Each key has a FIFO
// queue of waiters; the holder hands its turn directly to the next waiter
// on release, so no later arrival can overtake an earlier one. Queues are
// reclaimed once nobody holds or waits on them.
type sequencer struct {
	mu     sync.Mutex
	queues map[string]*turnQueue
}

type turnQueue struct {
	held    bool
	refs    int
	waiters []*ticket
}

type ticket struct {
	ready chan struct{}
}

func newSequencer() *sequencer {
	return &sequencer{queues: make(map[string]*turnQueue)}
}

// acquire blocks until key is free and every earlier caller for key has
// released. The returned release must be called exactly once.
func (s *sequencer) acquire(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &turnQueue{}
		s.queues[key] = q
	}
	q.refs++
	if !q.held {
		q.held = true
		s.mu.Unlock()
		return s.releaser(key, q), nil
	}
	t := &ticket{ready: make(chan struct{})}
	q.waiters = append(q.waiters, t)
	s.mu.Unlock()

	select {
	case <-t.ready:
		return s.releaser(key, q), nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	select {
	case <-t.ready:
		// The turn was handed over while we gave up; pass it on.
		s.mu.Unlock()
		s.release(key, q)
		return nil, ctx.Err()
	default:
	}
	for i, w := range q.waiters {
		if w == t {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	q.refs--
	s.reclaim(key, q)
	s.mu.Unlock()
	return nil, ctx.Err()
}

func (s *sequencer) releaser(key string, q *turnQueue) func() {
	var once sync.Once
	return func() { once.Do(func() { s.release(key, q) }) }
}

func (s *sequencer) release(key string, q *turnQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.refs--
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next.ready)
		return
	}
	q.held = false
	s.reclaim(key, q)
}

// reclaim must be called with s.mu held.
func (s *sequencer) reclaim(key string, q *turnQueue) {
	if q.refs == 0 && !q.held && s.queues[key] == q {
		delete(s.queues, key)
	}
}
