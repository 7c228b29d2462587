package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    base "github.com/amirimatin/go-registry/pkg/membership"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeID is the unique node identifier.
    NodeID string

    // Bind is the gossip bind address in host:port form (e.g. ":7946").
    Bind string

    // Advertise is the address peers use to reach this node. If empty,
    // memberlist derives it from Bind.
    Advertise string

    // Meta is announced to peers, e.g. the registry endpoint and role.
    Meta map[string]string

    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// Validate checks the required fields.
func (o Options) Validate() error {
    if o.NodeID == "" { return fmt.Errorf("memberlist: empty NodeID") }
    if o.Bind == "" { return fmt.Errorf("memberlist: empty Bind address") }
    return nil
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu   sync.RWMutex
    opts Options
    ml   *memberlist.Memberlist

    evMu   sync.RWMutex
    evts   chan base.Event
    closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.Logger = logutil.Or(opts.Logger)
    return &impl{opts: opts, evts: make(chan base.Event, 64)}, nil
}

func splitAddr(addr string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err) }
    port, err := strconv.Atoi(portStr)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port %q", portStr) }
    return host, port, nil
}

// Start creates and launches the underlying memberlist instance. It stops
// when ctx is done.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, port, err := splitAddr(m.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitAddr(m.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    cfg.LogOutput = m.opts.Logger.Writer()

    cfg.Events = &eventDelegate{emit: m.emit}
    metaBytes, err := json.Marshal(m.opts.Meta)
    if err != nil { return fmt.Errorf("memberlist: encode meta: %w", err) }
    if len(metaBytes) > memberlist.MetaMaxSize {
        return fmt.Errorf("memberlist: meta is %d bytes, limit %d", len(metaBytes), memberlist.MetaMaxSize)
    }
    cfg.Delegate = &nodeDelegate{meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml
    logutil.Infof(m.opts.Logger, "memberlist: %s gossiping on %s", m.opts.NodeID, toInfo(ml.LocalNode()).Addr)

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    _, err := ml.Join(seeds)
    return err
}

func toInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.MemberInfo{} }
    return toInfo(m.ml.LocalNode())
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, toInfo(n))
    }
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

// Leave broadcasts an intent to leave and waits up to a second for it.
func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (m *impl) Stop() error {
    m.mu.Lock()
    ml := m.ml
    m.ml = nil
    m.mu.Unlock()
    if ml != nil { _ = ml.Shutdown() }

    m.evMu.Lock()
    defer m.evMu.Unlock()
    if !m.closed {
        m.closed = true
        close(m.evts)
    }
    return nil
}

// HealthScore exposes memberlist's awareness score, -1 when not running.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.evMu.RLock()
    defer m.evMu.RUnlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Member.ID)
    }
}

// eventDelegate adapts memberlist events to base.Event.
type eventDelegate struct{ emit func(e base.Event) }

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: t, Member: toInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

// nodeDelegate exposes the announced metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
