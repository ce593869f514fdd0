package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sprintd/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain runs before all tests to set up the test environment
func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

type fakeAgent struct {
	id     string
	closed atomic.Bool
}

func (a *fakeAgent) ID() string { return a.id }

func (a *fakeAgent) Prompt(ctx context.Context, prompt string) (string, error) {
	return "ok: " + prompt, nil
}

func (a *fakeAgent) Close() error {
	a.closed.Store(true)
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	created  int
	failures int           // number of upcoming CreateSession calls that fail
	delay    time.Duration // how long each CreateSession takes
	agents   []*fakeAgent

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (p *fakeProvider) CreateSession(ctx context.Context, opts Options) (Agent, error) {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		seen := p.maxInflight.Load()
		if n <= seen || p.maxInflight.CompareAndSwap(seen, n) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("provider exploded")
	}
	p.created++
	a := &fakeAgent{id: fmt.Sprintf("sess-%d", p.created)}
	p.agents = append(p.agents, a)
	return a, nil
}

func TestNewPoolRejectsBadCapacity(t *testing.T) {
	_, err := NewPool(&fakeProvider{}, 0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	_, err = NewPool(&fakeProvider{}, -1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestAcquireUpToCapacity(t *testing.T) {
	pool, err := NewPool(&fakeProvider{}, 3)
	require.NoError(t, err)

	ctx := context.Background()
	var sessions []*PooledSession
	for i := 0; i < 3; i++ {
		s, err := pool.Acquire(ctx, Options{})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	stats := pool.Stats()
	assert.Equal(t, 3, stats.Active)
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 3, stats.Total)

	for _, s := range sessions {
		pool.Release(s.SessionID)
	}
	assert.Equal(t, 0, pool.Stats().Active)
}

func TestAcquireBeyondCapacityWaitsForRelease(t *testing.T) {
	pool, err := NewPool(&fakeProvider{}, 1)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := pool.Acquire(ctx, Options{})
	require.NoError(t, err)

	acquired := make(chan *PooledSession)
	go func() {
		s, err := pool.Acquire(ctx, Options{})
		require.NoError(t, err)
		acquired <- s
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while pool was at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(first.SessionID)

	select {
	case s := <-acquired:
		pool.Release(s.SessionID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestSlowCreationCountsAgainstCapacity(t *testing.T) {
	provider := &fakeProvider{delay: 100 * time.Millisecond}
	pool, err := NewPool(provider, 1)
	require.NoError(t, err)

	ctx := context.Background()
	results := make(chan *PooledSession, 2)
	var errs atomic.Int32
	for i := 0; i < 2; i++ {
		go func() {
			s, err := pool.Acquire(ctx, Options{})
			if err != nil {
				errs.Add(1)
				return
			}
			results <- s
		}()
	}

	// While the first creation is still in flight the second caller must be
	// queued, not creating a session of its own.
	time.Sleep(50 * time.Millisecond)
	stats := pool.Stats()
	assert.LessOrEqual(t, stats.Active, 1)
	assert.GreaterOrEqual(t, stats.Available, 0)

	select {
	case first := <-results:
		assert.Equal(t, 1, pool.Stats().Active)
		pool.Release(first.SessionID)
	case <-time.After(time.Second):
		t.Fatal("first acquire did not complete")
	}

	select {
	case second := <-results:
		pool.Release(second.SessionID)
	case <-time.After(time.Second):
		t.Fatal("second acquire did not complete after release")
	}

	assert.Equal(t, int32(0), errs.Load())
	assert.Equal(t, int32(1), provider.maxInflight.Load())
}

func TestReleaseWakesExactlyOneWaiter(t *testing.T) {
	pool, err := NewPool(&fakeProvider{}, 1)
	require.NoError(t, err)

	ctx := context.Background()
	holder, err := pool.Acquire(ctx, Options{})
	require.NoError(t, err)

	var woken atomic.Int32
	results := make(chan *PooledSession, 2)
	for i := 0; i < 2; i++ {
		go func() {
			s, err := pool.Acquire(ctx, Options{})
			require.NoError(t, err)
			woken.Add(1)
			results <- s
		}()
	}
	time.Sleep(50 * time.Millisecond)

	pool.Release(holder.SessionID)
	time.Sleep(100 * time.Millisecond)

	// Exactly one of the two waiters got the slot.
	assert.Equal(t, int32(1), woken.Load())

	s := <-results
	pool.Release(s.SessionID)
	s = <-results
	pool.Release(s.SessionID)
	assert.Equal(t, int32(2), woken.Load())
}

func TestAcquireFIFOOrder(t *testing.T) {
	pool, err := NewPool(&fakeProvider{}, 1)
	require.NoError(t, err)

	ctx := context.Background()
	holder, err := pool.Acquire(ctx, Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s, err := pool.Acquire(ctx, Options{})
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			pool.Release(s.SessionID)
		}(i)
		// Stagger arrivals so queue order is deterministic.
		time.Sleep(30 * time.Millisecond)
	}

	pool.Release(holder.SessionID)
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestCreationFailureWakesNextWaiter(t *testing.T) {
	provider := &fakeProvider{}
	pool, err := NewPool(provider, 1)
	require.NoError(t, err)

	ctx := context.Background()
	holder, err := pool.Acquire(ctx, Options{})
	require.NoError(t, err)

	provider.mu.Lock()
	provider.failures = 1
	provider.mu.Unlock()

	// First waiter will hit the creation failure; the second must still get
	// the slot instead of the pool deadlocking.
	errs := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, Options{})
		errs <- err
	}()
	time.Sleep(30 * time.Millisecond)

	acquired := make(chan *PooledSession, 1)
	go func() {
		s, err := pool.Acquire(ctx, Options{})
		require.NoError(t, err)
		acquired <- s
	}()
	time.Sleep(30 * time.Millisecond)

	pool.Release(holder.SessionID)

	require.Error(t, <-errs)

	select {
	case s := <-acquired:
		pool.Release(s.SessionID)
	case <-time.After(time.Second):
		t.Fatal("pool deadlocked after a session creation failure")
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	pool, err := NewPool(&fakeProvider{}, 1)
	require.NoError(t, err)

	holder, err := pool.Acquire(context.Background(), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, Options{})
		errs <- err
	}()
	time.Sleep(30 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	// The cancelled waiter must not have consumed the slot.
	pool.Release(holder.SessionID)
	s, err := pool.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	pool.Release(s.SessionID)
}

func TestReleaseUnknownIDIsNoOp(t *testing.T) {
	pool, err := NewPool(&fakeProvider{}, 1)
	require.NoError(t, err)

	pool.Release("no-such-session")

	// Pool still works normally afterwards.
	s, err := pool.Acquire(context.Background(), Options{})
	require.NoError(t, err)
	pool.Release(s.SessionID)
}

func TestExecuteInSessionReleasesOnError(t *testing.T) {
	provider := &fakeProvider{}
	pool, err := NewPool(provider, 1)
	require.NoError(t, err)

	wantErr := errors.New("task blew up")
	err = pool.ExecuteInSession(context.Background(), Options{}, func(ctx context.Context, s *PooledSession) error {
		assert.Equal(t, 1, pool.Stats().Active)
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, pool.Stats().Active)

	// The session was closed during release.
	require.Len(t, provider.agents, 1)
	assert.True(t, provider.agents[0].closed.Load())
}

func TestDrainAll(t *testing.T) {
	provider := &fakeProvider{}
	pool, err := NewPool(provider, 4)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := pool.Acquire(ctx, Options{})
		require.NoError(t, err)
	}
	require.Equal(t, 4, pool.Stats().Active)

	pool.DrainAll()

	assert.Equal(t, 0, pool.Stats().Active)
	for _, a := range provider.agents {
		assert.True(t, a.closed.Load())
	}
}
