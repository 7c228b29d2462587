package grpc

import (
    "context"
    "fmt"
    "sync"
    "time"

    "google.golang.org/grpc"

    "github.com/amirimatin/go-registry/pkg/errs"
    obsmetrics "github.com/amirimatin/go-registry/pkg/observability/metrics"
)

// Dialer opens a connection to a registry endpoint.
type Dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)

// ConnManager shares one connection per registry endpoint between calls and
// replication streams. Idle connections are closed after the TTL. Once
// closed, the manager refuses to dial again.
type ConnManager struct {
    ttl    time.Duration
    dial   Dialer
    stop   chan struct{}
    exited chan struct{}

    mu     sync.Mutex
    conns  map[string]*pooledConn
    closed bool
}

type pooledConn struct {
    cc    *grpc.ClientConn
    users int
    idle  time.Time
}

func NewConnManager(ttl time.Duration, dial Dialer) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{
        ttl:    ttl,
        dial:   dial,
        stop:   make(chan struct{}),
        exited: make(chan struct{}),
        conns:  make(map[string]*pooledConn),
    }
    go m.evictLoop()
    return m
}

// Get returns the connection for target, dialing it when none is pooled.
// The returned func hands the connection back and must be called once.
// After Close, Get fails with errs.ErrShutdown.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    if cc, ok, err := m.take(target); err != nil || ok {
        if ok { obsmetrics.GRPCConnReuse.Inc() }
        return cc, m.giveBack(target), err
    }

    cc, err := m.dial(ctx, target)
    if err != nil { return nil, func() {}, err }

    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        _ = cc.Close()
        return nil, func() {}, fmt.Errorf("grpc: %s: connection pool closed: %w", target, errs.ErrShutdown)
    }
    if pc, ok := m.conns[target]; ok {
        // dialed concurrently; keep the pooled one
        _ = cc.Close()
        pc.users++
        obsmetrics.GRPCConnReuse.Inc()
        return pc.cc, m.giveBack(target), nil
    }
    m.conns[target] = &pooledConn{cc: cc, users: 1}
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return cc, m.giveBack(target), nil
}

func (m *ConnManager) take(target string) (*grpc.ClientConn, bool, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return nil, false, fmt.Errorf("grpc: %s: connection pool closed: %w", target, errs.ErrShutdown)
    }
    pc, ok := m.conns[target]
    if !ok { return nil, false, nil }
    pc.users++
    return pc.cc, true, nil
}

func (m *ConnManager) giveBack(target string) func() {
    var once sync.Once
    return func() {
        once.Do(func() {
            m.mu.Lock()
            if pc, ok := m.conns[target]; ok && pc.users > 0 {
                pc.users--
                pc.idle = time.Now()
            }
            m.mu.Unlock()
        })
    }
}

// Forget drops the pooled connection for target so the next Get redials.
// Used after the endpoint went away, e.g. an authoritative restart.
func (m *ConnManager) Forget(target string) {
    m.mu.Lock()
    pc, ok := m.conns[target]
    if ok { delete(m.conns, target) }
    m.mu.Unlock()
    if ok {
        _ = pc.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
    }
}

// Close closes every pooled connection and stops eviction. Safe to call
// more than once.
func (m *ConnManager) Close() {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        <-m.exited
        return
    }
    m.closed = true
    conns := m.conns
    m.conns = map[string]*pooledConn{}
    m.mu.Unlock()
    close(m.stop)
    for _, pc := range conns {
        _ = pc.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
    }
    <-m.exited
}

// Len is the number of pooled connections.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

func (m *ConnManager) evictLoop() {
    defer close(m.exited)
    t := time.NewTicker(m.ttl / 2)
    defer t.Stop()
    for {
        select {
        case <-m.stop:
            return
        case now := <-t.C:
            m.evict(now.Add(-m.ttl))
        }
    }
}

func (m *ConnManager) evict(cutoff time.Time) {
    m.mu.Lock()
    var idle []*grpc.ClientConn
    for target, pc := range m.conns {
        if pc.users == 0 && pc.idle.Before(cutoff) {
            idle = append(idle, pc.cc)
            delete(m.conns, target)
        }
    }
    m.mu.Unlock()
    for _, cc := range idle {
        _ = cc.Close()
        obsmetrics.GRPCConnEvictions.Inc()
        obsmetrics.GRPCConnActive.Dec()
    }
}
