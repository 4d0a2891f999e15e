package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

// Factory opens a new session for the pool.
type Factory func() (Session, error)

// SessionPool hands out sessions exclusively. Broken sessions are discarded
// and replaced by the background health check.
type SessionPool struct {
	sessions       chan Session
	size           int
	factory        Factory
	acquireTimeout time.Duration
	mu         sync.Mutex
	closed     bool
	live       int
	stop       chan struct{}
	metrics    *PoolMetrics
	lastErrors []error
}

type PoolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolStats is a point-in-time copy of the pool counters.
type PoolStats struct {
	Size            int           `json:"pool_size"`
	Live            int           `json:"live_sessions"`
	InUse           int           `json:"sessions_in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

func NewSessionPool(size int, factory Factory) (*SessionPool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &SessionPool{
		sessions: make(chan Session, size),
		size:     size,
		factory:  factory,
		stop:     make(chan struct{}),
		metrics:  &PoolMetrics{},

		acquireTimeout: AcquireTimeout,
	}

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
		pool.live++
	}

	go pool.healthCheck()

	return pool, nil
}

// SetAcquireTimeout changes how long Acquire waits when ctx has no deadline.
func (p *SessionPool) SetAcquireTimeout(d time.Duration) {
	if d > 0 {
		p.acquireTimeout = d
	}
}

// Acquire waits for a free session. A deadline on ctx replaces the pool's own
// acquire timeout, so queued callers wait as long as their caller allows.
func (p *SessionPool) Acquire(ctx context.Context) (Session, error) {
	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	var expired <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := time.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return nil, ErrPoolClosed
		}
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return session, nil
	case <-expired:
		p.countAcquireFailure()
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		p.countAcquireFailure()
		return nil, ctx.Err()
	}
}

func (p *SessionPool) countAcquireFailure() {
	p.metrics.mu.Lock()
	p.metrics.acquireFailures++
	p.metrics.mu.Unlock()
}

// Release returns a session. After Destroy the session is torn down instead.
func (p *SessionPool) Release(session Session) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed mid-run; the health check opens a
// replacement.
func (p *SessionPool) Discard(session Session, cause error) {
	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.mu.Unlock()

	session.Destroy()

	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.recordError(cause)
}

// WarmUp runs one pass on a session so the first request does not pay for
// lazy graph initialisation.
func (p *SessionPool) WarmUp(ctx context.Context) error {
	session, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := session.Run(); err != nil {
		p.Discard(session, err)
		return fmt.Errorf("warm-up run: %w", err)
	}
	p.Release(session)
	return nil
}

func (p *SessionPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.stop)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *SessionPool) healthCheck() {
	ticker := time.NewTicker(HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish()
		}
	}
}

func (p *SessionPool) replenish() {
	p.mu.Lock()
	missing := p.size - p.live
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		session, err := p.factory()
		if err != nil {
			p.recordError(err)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			session.Destroy()
			return
		}
		p.sessions <- session
		p.live++
		p.mu.Unlock()
	}
}

func (p *SessionPool) recordError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastErrors = append(p.lastErrors, err)
	if len(p.lastErrors) > 10 {
		p.lastErrors = p.lastErrors[1:]
	}
}

// LastErrors returns the most recent session failures, oldest first.
func (p *SessionPool) LastErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.lastErrors...)
}

func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolStats{
		Size:            p.size,
		Live:            live,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
		WaitTime:        p.metrics.waitTime,
	}
}
