package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"
    "k8s.io/utils/clock"

    obsmetrics "github.com/amirimatin/go-ensemble/pkg/observability/metrics"
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager caches admin connections per member address and evicts idle
// ones after ttl.
type ConnManager struct {
    mu      sync.Mutex
    conns   map[string]*managedConn
    ttl     time.Duration
    clk     clock.WithTicker
    dialer  dialFunc
    closing chan struct{}
    once    sync.Once
}

type managedConn struct {
    cc       *grpc.ClientConn
    lastUsed time.Time
    ref      int
}

// NewConnManager creates a manager with the given idle TTL and dialer. A nil
// clk means wall time.
func NewConnManager(ttl time.Duration, clk clock.WithTicker, dialer dialFunc) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    if clk == nil { clk = clock.RealClock{} }
    m := &ConnManager{ttl: ttl, clk: clk, dialer: dialer, conns: make(map[string]*managedConn), closing: make(chan struct{})}
    go m.janitor()
    return m
}

// Get returns a connection for target and a release func to be called when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    release := func() { m.release(target) }
    m.mu.Lock()
    if mc, ok := m.conns[target]; ok {
        mc.ref++
        mc.lastUsed = m.clk.Now()
        m.mu.Unlock()
        obsmetrics.GRPCConnReuse.Inc()
        return mc.cc, release, nil
    }
    m.mu.Unlock()

    cc, err := m.dialer(ctx, target)
    if err != nil { return nil, func() {}, err }

    m.mu.Lock()
    defer m.mu.Unlock()
    if existing, ok := m.conns[target]; ok {
        // lost the race; keep the cached one
        _ = cc.Close()
        existing.ref++
        existing.lastUsed = m.clk.Now()
        obsmetrics.GRPCConnReuse.Inc()
        return existing.cc, release, nil
    }
    m.conns[target] = &managedConn{cc: cc, lastUsed: m.clk.Now(), ref: 1}
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return cc, release, nil
}

// Evict drops target's connection, for example after the member left.
func (m *ConnManager) Evict(target string) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if mc, ok := m.conns[target]; ok {
        _ = mc.cc.Close()
        delete(m.conns, target)
        obsmetrics.GRPCConnEvictions.Inc()
        obsmetrics.GRPCConnActive.Dec()
    }
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

func (m *ConnManager) release(target string) {
    m.mu.Lock()
    if mc, ok := m.conns[target]; ok {
        if mc.ref > 0 { mc.ref-- }
        mc.lastUsed = m.clk.Now()
    }
    m.mu.Unlock()
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
    m.once.Do(func() { close(m.closing) })
    m.mu.Lock()
    for k, mc := range m.conns {
        _ = mc.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
        delete(m.conns, k)
    }
    m.mu.Unlock()
}

func (m *ConnManager) janitor() {
    ticker := m.clk.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.closing:
            return
        case <-ticker.C():
            m.evictIdle()
        }
    }
}

func (m *ConnManager) evictIdle() {
    cutoff := m.clk.Now().Add(-m.ttl)
    m.mu.Lock()
    defer m.mu.Unlock()
    for addr, mc := range m.conns {
        if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
            _ = mc.cc.Close()
            obsmetrics.GRPCConnEvictions.Inc()
            obsmetrics.GRPCConnActive.Dec()
            delete(m.conns, addr)
        }
    }
}
