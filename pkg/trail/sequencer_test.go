package trail

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pending reports the callers holding or waiting on key.
func (s *sequencer) pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key]; ok {
		return q.refs
	}
	return 0
}

func waitPending(t *testing.T, s *sequencer, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.pending(key) == n }, time.Second, time.Millisecond)
}

func TestSequencer_FIFO(t *testing.T) {
	s := newSequencer()
	ctx := context.Background()

	release, err := s.acquire(ctx, "a")
	require.NoError(t, err)

	const n = 8
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.acquire(ctx, "a")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}(i)
		waitPending(t, s, "a", i+2)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
	assert.Equal(t, 0, s.pending("a"))
}

func TestSequencer_KeysAreIndependent(t *testing.T) {
	s := newSequencer()
	ctx := context.Background()

	ra, err := s.acquire(ctx, "a")
	require.NoError(t, err)
	defer ra()

	done := make(chan struct{})
	go func() {
		rb, err := s.acquire(ctx, "b")
		assert.NoError(t, err)
		rb()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key b blocked behind key a")
	}
}

func TestSequencer_CancelWhileWaiting(t *testing.T) {
	s := newSequencer()
	release, err := s.acquire(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.acquire(ctx, "a")
		errc <- err
	}()
	waitPending(t, s, "a", 2)

	// A later waiter must still get its turn after the canceled one leaves.
	next := make(chan struct{})
	go func() {
		r, err := s.acquire(context.Background(), "a")
		assert.NoError(t, err)
		r()
		close(next)
	}()
	waitPending(t, s, "a", 3)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	waitPending(t, s, "a", 2)

	release()
	select {
	case <-next:
	case <-time.After(time.Second):
		t.Fatal("waiter after canceled ticket never ran")
	}
	assert.Equal(t, 0, s.pending("a"))
}

func TestSequencer_ReleaseIsIdempotent(t *testing.T) {
	s := newSequencer()
	release, err := s.acquire(context.Background(), "a")
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 0, s.pending("a"))

	release, err = s.acquire(context.Background(), "a")
	require.NoError(t, err)
	release()
}
