// Package pool bounds and reuses connections to one socket-based backend.
//
// Acquire hands out idle connections, grows the pool up to Max, and parks
// overflow callers on a strictly FIFO wait queue bounded by AcquireTimeout.
// Release hands a freed connection directly to the longest waiter without an
// idle interval in between. A background sweep evicts connections idle past
// IdleTimeout while the pool stays at or above Min.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolmux/internal/async"
	"toolmux/internal/client"
	"toolmux/internal/logging"
)

// Pool errors.
var (
	ErrAcquireTimeout = errors.New("timed out waiting for a pooled connection")
	ErrPoolClosed     = errors.New("connection pool is closed")
)

const sweepInterval = 30 * time.Second

// Config tunes one pool instance.
type Config struct {
	Min              int
	Max              int
	IdleTimeout      time.Duration
	AcquireTimeout   time.Duration
	CreateRetries    int
	CreateRetryDelay time.Duration
}

// DefaultConfig returns the pool tuning used when a backend enables pooling
// without overrides.
func DefaultConfig() Config {
	return Config{
		Min:              1,
		Max:              4,
		IdleTimeout:      5 * time.Minute,
		AcquireTimeout:   10 * time.Second,
		CreateRetries:    3,
		CreateRetryDelay: time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Max <= 0 {
		c.Max = def.Max
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = def.AcquireTimeout
	}
	if c.CreateRetries <= 0 {
		c.CreateRetries = def.CreateRetries
	}
	if c.CreateRetryDelay <= 0 {
		c.CreateRetryDelay = def.CreateRetryDelay
	}
}

// Factory opens one new connection to the pooled backend.
type Factory func(ctx context.Context) (*client.Conn, error)

// PooledConn is a pool-owned connection. At most one caller holds it at a
// time.
type PooledConn struct {
	ID         string
	Conn       *client.Conn
	inUse      bool
	lastUsedAt time.Time
	createdAt  time.Time
}

// InUse reports whether a caller currently holds the connection. Exposed for
// tests and stats; the pool mutates it only under its own lock.
func (pc *PooledConn) InUse() bool {
	return pc.inUse
}

type waiter struct {
	ch chan *PooledConn
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Size    int
	InUse   int
	Waiters int
}

// Pool manages a bounded set of connections to one backend.
type Pool struct {
	backendName string
	config      Config
	factory     Factory
	logger      logging.Logger

	mu       sync.Mutex
	conns    map[string]*PooledConn
	waiters  []*waiter
	creating int
	closed   bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New creates a pool. Connections are not opened until Start or the first
// Acquire.
func New(backendName string, config Config, factory Factory, logger logging.Logger) *Pool {
	config.applyDefaults()
	return &Pool{
		backendName: backendName,
		config:      config,
		factory:     factory,
		logger:      logging.OrNop(logger),
		conns:       make(map[string]*PooledConn),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
}

// Start warms the pool up to Min connections and launches the idle sweep.
// Warmup failures are logged; the pool still serves and will retry creation
// on demand.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Min; i++ {
		pc, err := p.createConn(ctx)
		if err != nil {
			p.logger.Warn("Pool warmup for %s failed: %v", p.backendName, err)
			break
		}
		p.mu.Lock()
		p.conns[pc.ID] = pc
		p.mu.Unlock()
	}

	async.Go(p.logger, "pool.sweep."+p.backendName, func() {
		p.sweepLoop()
	})
}

// Acquire returns a connection marked in-use. It blocks up to AcquireTimeout
// when the pool is saturated; waiters are served strictly first-come
// first-served.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Reuse the least-recently-used idle connection first so busy pools
	// cycle through all members and idle eviction sees honest timestamps.
	var idle *PooledConn
	for _, pc := range p.conns {
		if pc.inUse {
			continue
		}
		if idle == nil || pc.lastUsedAt.Before(idle.lastUsedAt) {
			idle = pc
		}
	}
	if idle != nil {
		idle.inUse = true
		idle.lastUsedAt = time.Now()
		p.mu.Unlock()
		return idle, nil
	}

	if len(p.conns)+p.creating < p.config.Max {
		// Reserve a slot so concurrent acquires cannot overshoot Max.
		p.creating++
		p.mu.Unlock()

		pc, err := p.createConn(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			_ = pc.Conn.Close()
			return nil, ErrPoolClosed
		}
		pc.inUse = true
		p.conns[pc.ID] = pc
		p.mu.Unlock()
		return pc, nil
	}

	// Saturated: join the FIFO wait queue.
	w := &waiter{ch: make(chan *PooledConn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case pc := <-w.ch:
		if pc == nil {
			return nil, ErrPoolClosed
		}
		return pc, nil
	case <-timer.C:
		if pc := p.abandonWait(w); pc != nil {
			return pc, nil
		}
		return nil, fmt.Errorf("%w after %v", ErrAcquireTimeout, p.config.AcquireTimeout)
	case <-ctx.Done():
		if pc := p.abandonWait(w); pc != nil {
			p.Release(pc.ID)
		}
		return nil, ctx.Err()
	}
}

// abandonWait removes w from the queue. When a hand-off raced the removal,
// the already-delivered connection is returned so the caller can decide what
// to do with it.
func (p *Pool) abandonWait(w *waiter) *PooledConn {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case pc := <-w.ch:
		return pc
	default:
		return nil
	}
}

// Release returns a connection to the pool. When waiters are queued the
// connection is handed to the longest-waiting one directly and never marked
// idle in between.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	pc.lastUsedAt = time.Now()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		// Stays in-use across the hand-off.
		p.mu.Unlock()
		w.ch <- pc
		return
	}

	pc.inUse = false
	p.mu.Unlock()
}

// Destroy closes a connection and removes it from the pool, replenishing
// asynchronously when the pool falls below Min.
func (p *Pool) Destroy(id string) {
	p.mu.Lock()
	pc, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.conns, id)
	below := !p.closed && len(p.conns)+p.creating < p.config.Min
	if below {
		p.creating++
	}
	p.mu.Unlock()

	if err := pc.Conn.Close(); err != nil {
		p.logger.Warn("Failed to close pooled connection %s: %v", id, err)
	}

	if below {
		async.Go(p.logger, "pool.replenish."+p.backendName, func() {
			p.replenish()
		})
	}
}

func (p *Pool) replenish() {
	pc, err := p.createConn(context.Background())

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("Failed to replenish pool for %s: %v", p.backendName, err)
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = pc.Conn.Close()
		return
	}

	// A replenished connection can serve a parked waiter immediately.
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.inUse = true
		p.conns[pc.ID] = pc
		p.mu.Unlock()
		w.ch <- pc
		return
	}

	p.conns[pc.ID] = pc
	p.mu.Unlock()
}

// createConn opens a new connection, retrying a bounded number of times with
// a fixed delay. Failures surface only after retries are exhausted.
func (p *Pool) createConn(ctx context.Context) (*PooledConn, error) {
	var lastErr error
	for attempt := 1; attempt <= p.config.CreateRetries; attempt++ {
		conn, err := p.factory(ctx)
		if err == nil {
			now := time.Now()
			return &PooledConn{
				ID:         uuid.NewString(),
				Conn:       conn,
				lastUsedAt: now,
				createdAt:  now,
			}, nil
		}
		lastErr = err
		p.logger.Warn("Connection attempt %d/%d to %s failed: %v",
			attempt, p.config.CreateRetries, p.backendName, err)

		if attempt < p.config.CreateRetries {
			select {
			case <-time.After(p.config.CreateRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to %s after %d attempts: %w",
		p.backendName, p.config.CreateRetries, lastErr)
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	defer close(p.sweepDone)

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

// sweepIdle evicts connections that are idle past IdleTimeout and not needed
// to satisfy Min. Eviction failures are logged, never raised.
func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.config.IdleTimeout)

	p.mu.Lock()
	var candidates []string
	for id, pc := range p.conns {
		if !pc.inUse && pc.lastUsedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	p.mu.Unlock()

	for _, id := range candidates {
		if p.destroyIfIdle(id, cutoff) {
			p.logger.Debug("Evicted idle connection %s from pool %s", id, p.backendName)
		}
	}
}

// destroyIfIdle removes id only while it is still idle past the cutoff and
// the pool stays at or above Min. An Acquire can hand a candidate out between
// selection and removal, so the conditions are re-checked under the lock; a
// reacquired connection is never closed under its holder.
func (p *Pool) destroyIfIdle(id string, cutoff time.Time) bool {
	p.mu.Lock()
	pc, ok := p.conns[id]
	if !ok || pc.inUse || !pc.lastUsedAt.Before(cutoff) || len(p.conns) <= p.config.Min {
		p.mu.Unlock()
		return false
	}
	delete(p.conns, id)
	p.mu.Unlock()

	if err := pc.Conn.Close(); err != nil {
		p.logger.Warn("Failed to close pooled connection %s: %v", id, err)
	}
	return true
}

// Stats snapshots the pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, pc := range p.conns {
		if pc.inUse {
			inUse++
		}
	}
	return Stats{Size: len(p.conns), InUse: inUse, Waiters: len(p.waiters)}
}

// Close shuts the pool down: pending waiters fail with ErrPoolClosed and all
// connections are closed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	conns := make([]*PooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		conns = append(conns, pc)
	}
	p.conns = make(map[string]*PooledConn)
	p.mu.Unlock()

	close(p.stopSweep)

	for _, w := range waiters {
		// nil signals closure to the parked Acquire.
		select {
		case w.ch <- nil:
		default:
		}
	}
	for _, pc := range conns {
		if err := pc.Conn.Close(); err != nil {
			p.logger.Warn("Failed to close pooled connection %s: %v", pc.ID, err)
		}
	}
}
