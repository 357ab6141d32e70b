package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/agentweave/agentweave-go/internal/identity"
)

// PoolConfig parameterizes the connection pool.
type PoolConfig struct {
	MaxPerTarget    int           // default 10
	MaxTotal        int           // default 100
	IdleTimeout     time.Duration // default 60s
	HealthInterval  time.Duration // default 30s
	CleanupInterval time.Duration // default 10s
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxPerTarget <= 0 {
		c.MaxPerTarget = 10
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 100
	}
	if c.MaxTotal < c.MaxPerTarget {
		c.MaxTotal = c.MaxPerTarget
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Second
	}
	return c
}

type pooledConn struct {
	channel   *Channel
	targetID  spiffeid.ID
	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
	healthy   bool
	useCount  int
}

func (pc *pooledConn) idle(timeout time.Duration) bool {
	return !pc.inUse && time.Since(pc.lastUsed) > timeout
}

type targetPool struct {
	mu    sync.Mutex
	conns []*pooledConn

	// pending counts connections reserved against the per-target cap but
	// not yet appended. Keeps the target entry alive across eviction.
	pending int
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	TotalConnections  int            `json:"total_connections"`
	TotalAcquisitions int64          `json:"total_acquisitions"`
	TotalCreations    int64          `json:"total_creations"`
	TotalEvictions    int64          `json:"total_evictions"`
	PoolSizes         map[string]int `json:"pool_sizes"`
}

// Pool amortizes TLS handshakes by reusing channels per target. Each target
// has its own lock for list mutation; the coarse pool lock covers only
// changes to the target set and the global connection count.
type Pool struct {
	provider   identity.Provider
	cfg        PoolConfig
	channelCfg ChannelConfig
	logger     *zap.Logger

	// targetURL resolves a workload identifier to a dialable base URL.
	targetURL func(spiffeid.ID) (string, error)

	mu      sync.Mutex
	targets map[string]*targetPool
	total   int

	acquisitions int64
	creations    int64
	evictions    int64
}

// NewPool builds a pool creating channels with channelCfg. targetURL maps a
// peer's workload identifier to its base URL (usually via discovery or
// configuration).
func NewPool(provider identity.Provider, cfg PoolConfig, channelCfg ChannelConfig, targetURL func(spiffeid.ID) (string, error), logger *zap.Logger) (*Pool, error) {
	if err := channelCfg.Validate(); err != nil {
		return nil, err
	}
	if targetURL == nil {
		return nil, fmt.Errorf("pool: targetURL resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		provider:   provider,
		cfg:        cfg.withDefaults(),
		channelCfg: channelCfg,
		targetURL:  targetURL,
		logger:     logger,
		targets:    make(map[string]*targetPool),
	}, nil
}

// Lease is a borrowed connection. Release returns it to the pool.
type Lease struct {
	pool *Pool
	conn *pooledConn
	tp   *targetPool
	once sync.Once
}

// Channel returns the leased secure channel.
func (l *Lease) Channel() *Channel { return l.conn.channel }

// Release returns the connection to the pool. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.tp.mu.Lock()
		l.conn.inUse = false
		l.tp.mu.Unlock()
	})
}

// Acquire returns a lease on a channel to the target, creating a connection
// when none is free and both caps allow it. ErrPoolExhausted otherwise.
//
// Lock order: tp.mu is never held while taking p.mu, and the resolver and
// channel construction run outside both locks. Slots are reserved against
// the caps first so concurrent acquisitions cannot overshoot them.
func (p *Pool) Acquire(target spiffeid.ID) (*Lease, error) {
	key := target.String()

	p.mu.Lock()
	p.acquisitions++
	tp, ok := p.targets[key]
	if !ok {
		tp = &targetPool{}
		p.targets[key] = tp
	}
	p.mu.Unlock()

	tp.mu.Lock()
	for _, conn := range tp.conns {
		if !conn.inUse && conn.healthy {
			conn.inUse = true
			conn.lastUsed = time.Now()
			conn.useCount++
			tp.mu.Unlock()
			return &Lease{pool: p, conn: conn, tp: tp}, nil
		}
	}
	if len(tp.conns)+tp.pending >= p.cfg.MaxPerTarget {
		tp.mu.Unlock()
		return nil, fmt.Errorf("target %s at per-target cap %d: %w", key, p.cfg.MaxPerTarget, ErrPoolExhausted)
	}
	tp.pending++
	tp.mu.Unlock()

	p.mu.Lock()
	if p.total >= p.cfg.MaxTotal {
		p.mu.Unlock()
		tp.mu.Lock()
		tp.pending--
		tp.mu.Unlock()
		return nil, fmt.Errorf("pool at total cap %d: %w", p.cfg.MaxTotal, ErrPoolExhausted)
	}
	p.total++
	p.creations++
	p.mu.Unlock()

	unreserve := func() {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		tp.mu.Lock()
		tp.pending--
		tp.mu.Unlock()
	}

	baseURL, err := p.targetURL(target)
	if err != nil {
		unreserve()
		return nil, fmt.Errorf("resolve target %s: %w", key, err)
	}
	channel, err := NewChannel(p.provider, target, baseURL, p.channelCfg, p.logger)
	if err != nil {
		unreserve()
		return nil, err
	}

	now := time.Now()
	conn := &pooledConn{
		channel:   channel,
		targetID:  target,
		createdAt: now,
		lastUsed:  now,
		inUse:     true,
		healthy:   true,
		useCount:  1,
	}
	tp.mu.Lock()
	tp.pending--
	tp.conns = append(tp.conns, conn)
	size := len(tp.conns)
	tp.mu.Unlock()

	p.logger.Debug("pooled connection created",
		zap.String("target", key),
		zap.Int("target_pool_size", size),
	)
	return &Lease{pool: p, conn: conn, tp: tp}, nil
}

// EvictIdle removes connections idle beyond the configured timeout and drops
// empty target lists. Returns the number evicted.
func (p *Pool) EvictIdle() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for key, tp := range p.targets {
		tp.mu.Lock()
		kept := tp.conns[:0]
		for _, conn := range tp.conns {
			if conn.idle(p.cfg.IdleTimeout) || !conn.healthy && !conn.inUse {
				conn.channel.Close()
				p.total--
				evicted++
				continue
			}
			kept = append(kept, conn)
		}
		tp.conns = kept
		empty := len(tp.conns) == 0 && tp.pending == 0
		tp.mu.Unlock()
		if empty {
			delete(p.targets, key)
		}
	}
	if evicted > 0 {
		p.evictions += int64(evicted)
		p.logger.Debug("idle connections evicted", zap.Int("evicted", evicted))
	}
	return evicted
}

// probeHealth marks connections unhealthy once they have sat unused for a
// bounded multiple of the probe period. Unhealthy connections are closed by
// the next eviction pass rather than handed out.
func (p *Pool) probeHealth() {
	maxAge := p.cfg.HealthInterval * 10

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tp := range p.targets {
		tp.mu.Lock()
		for _, conn := range tp.conns {
			if !conn.inUse && time.Since(conn.createdAt) > maxAge {
				conn.healthy = false
			}
		}
		tp.mu.Unlock()
	}
}

// Run drives the eviction and health-probe loops until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	cleanup := time.NewTicker(p.cfg.CleanupInterval)
	health := time.NewTicker(p.cfg.HealthInterval)
	defer cleanup.Stop()
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			p.EvictIdle()
		case <-health.C:
			p.probeHealth()
		}
	}
}

// CloseAll drains and closes every connection.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, tp := range p.targets {
		tp.mu.Lock()
		for _, conn := range tp.conns {
			conn.channel.Close()
		}
		tp.conns = nil
		tp.mu.Unlock()
		delete(p.targets, key)
	}
	p.total = 0
	p.logger.Debug("all pooled connections closed")
}

// Stats snapshots the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	sizes := make(map[string]int, len(p.targets))
	for key, tp := range p.targets {
		tp.mu.Lock()
		sizes[key] = len(tp.conns)
		tp.mu.Unlock()
	}
	return PoolStats{
		TotalConnections:  p.total,
		TotalAcquisitions: p.acquisitions,
		TotalCreations:    p.creations,
		TotalEvictions:    p.evictions,
		PoolSizes:         sizes,
	}
}
