package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sprintd/log"
)

var ErrInvalidCapacity = errors.New("pool capacity must be positive")

// PooledSession is an open agent session checked out of the pool. It is owned
// by the acquiring caller until released and never shared between two
// concurrent units of work.
type PooledSession struct {
	SessionID string
	CreatedAt time.Time
	Agent     Agent
}

// Stats is an advisory snapshot of pool occupancy.
type Stats struct {
	Active    int
	Available int
	Total     int
}

// Pool bounds the number of concurrently open agent sessions. Callers beyond
// capacity suspend in Acquire until a release frees a slot; waiters are woken
// strictly oldest-first.
type Pool struct {
	provider Provider
	capacity int

	mu      sync.Mutex
	active  map[string]*PooledSession
	waiters []chan struct{}
	// reserved counts slots promised to in-flight acquisitions: woken waiters
	// that have not registered a session yet and sessions still being created
	// by the provider. Invariant: len(active)+reserved <= capacity.
	reserved int

	waitLog *log.Every
}

// NewPool creates a session pool with the given capacity.
func NewPool(provider Provider, capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Pool{
		provider: provider,
		capacity: capacity,
		active:   make(map[string]*PooledSession),
		waitLog:  log.NewEvery(30 * time.Second),
	}, nil
}

// Acquire suspends until a slot is free, then opens a session via the
// provider. If session creation fails the freed slot is handed to the next
// waiter so the pool cannot deadlock on a creation failure.
func (p *Pool) Acquire(ctx context.Context, opts Options) (*PooledSession, error) {
	p.mu.Lock()
	// New arrivals queue behind existing waiters so a release always goes to
	// the longest-waiting caller.
	if len(p.active)+p.reserved >= p.capacity || len(p.waiters) > 0 {
		ch := make(chan struct{})
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		if p.waitLog.ShouldLog() {
			log.InfoLog.Printf("session pool at capacity (%d); caller waiting", p.capacity)
		}

		select {
		case <-ch:
			// The reservation made when we were woken stays held until the
			// session is registered below.
		case <-ctx.Done():
			p.mu.Lock()
			if !p.removeWaiterLocked(ch) {
				// Already woken: a slot was reserved for us. Pass it on.
				p.reserved--
				p.wakeNextLocked()
			}
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	} else {
		// Reserve the slot before unlocking so concurrent acquirers count
		// the in-flight creation against capacity.
		p.reserved++
		p.mu.Unlock()
	}

	agent, err := p.provider.CreateSession(ctx, opts)

	p.mu.Lock()
	p.reserved--
	if err != nil {
		// Give the slot back before reporting the failure.
		p.wakeNextLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s := &PooledSession{
		SessionID: agent.ID(),
		CreatedAt: time.Now(),
		Agent:     agent,
	}
	p.active[s.SessionID] = s
	p.mu.Unlock()

	log.DebugLog.Printf("acquired session %s", s.SessionID)
	return s, nil
}

// Release closes a session and wakes the longest-waiting acquirer, if any.
// Releasing an unknown id is a no-op.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	s, ok := p.active[sessionID]
	if !ok {
		p.mu.Unlock()
		log.WarningLog.Printf("release of unknown session %s ignored", sessionID)
		return
	}
	delete(p.active, sessionID)
	p.wakeNextLocked()
	p.mu.Unlock()

	if err := s.Agent.Close(); err != nil {
		log.WarningLog.Printf("failed to close session %s: %v", sessionID, err)
	}
	log.DebugLog.Printf("released session %s", sessionID)
}

// ExecuteInSession acquires a session, runs fn with it, and always releases
// the session afterwards, even when fn fails. fn's error is propagated after
// cleanup.
func (p *Pool) ExecuteInSession(ctx context.Context, opts Options, fn func(ctx context.Context, s *PooledSession) error) error {
	s, err := p.Acquire(ctx, opts)
	if err != nil {
		return err
	}
	defer p.Release(s.SessionID)
	return fn(ctx, s)
}

// DrainAll releases every active session concurrently and returns once all
// have been closed. Only used at shutdown.
func (p *Pool) DrainAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.Release(id)
		}(id)
	}
	wg.Wait()
}

// Stats returns an advisory occupancy snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	used := len(p.active) + p.reserved
	return Stats{
		Active:    len(p.active),
		Available: p.capacity - used,
		Total:     p.capacity,
	}
}

// wakeNextLocked hands a freed slot to the oldest waiter. Caller holds p.mu.
func (p *Pool) wakeNextLocked() {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.reserved++
	close(ch)
}

// removeWaiterLocked removes ch from the wait queue, reporting whether it was
// still queued. Caller holds p.mu.
func (p *Pool) removeWaiterLocked(ch chan struct{}) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
