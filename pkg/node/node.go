// Package node runs a registry behind the transport and membership layers.
// An authoritative node hosts the registry, serves forwarded writes and
// streams its snapshots; a replica node follows one and serves reads.
package node

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    "github.com/amirimatin/go-registry/pkg/membership"
    "github.com/amirimatin/go-registry/pkg/observability/metrics"
    "github.com/amirimatin/go-registry/pkg/observability/tracing"
    "github.com/amirimatin/go-registry/pkg/registry"
    "github.com/amirimatin/go-registry/pkg/remote"
    "github.com/amirimatin/go-registry/pkg/transport"
)

type Node[M any] struct {
    opts   Options[M]
    role   Role
    logger *log.Logger

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
    }
    eb eventBus
}

// New constructs a node from validated options. It performs no network
// activity; call Start to launch it.
func New[M any](opts Options[M]) (*Node[M], error) {
    if err := opts.Validate(); err != nil { return nil, err }
    return &Node[M]{opts: opts, role: opts.role(), logger: logutil.Or(opts.Logger)}, nil
}

func (n *Node[M]) Role() Role { return n.role }

// Registry is the hosted registry, nil on a replica.
func (n *Node[M]) Registry() *registry.Registry[M] { return n.opts.Registry }

// Replica is the followed copy, nil on an authoritative node.
func (n *Node[M]) Replica() *remote.Replica[M] { return n.opts.Replica }

// Addr is the RPC endpoint once started, or "".
func (n *Node[M]) Addr() string {
    if n.opts.RPCServer == nil { return "" }
    return n.opts.RPCServer.Addr()
}

// Start opens or starts the registry side, then membership and the RPC
// server. Everything started is stopped again by Stop or when ctx is done.
func (n *Node[M]) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed { return ErrStopped }
    if n.run.started { return nil }
    metrics.Register()
    ctx, cancel := context.WithCancel(ctx)

    switch n.role {
    case RoleAuthoritative:
        if err := n.opts.Registry.Open(ctx); err != nil { cancel(); return err }
        metrics.IsAuthoritative.Set(1)
        n.opts.Registry.OnChange(func(s registry.Snapshot[M]) {
            n.eb.publish(Event{Type: EventCommitted, At: time.Now(), TransactionID: s.TransactionID})
        })
    case RoleReplica:
        metrics.IsAuthoritative.Set(0)
        if err := n.opts.Replica.Start(ctx); err != nil { cancel(); return err }
        go n.replicaEventsLoop(ctx)
    }

    if m := n.opts.Membership; m != nil {
        if err := m.Start(ctx); err != nil { cancel(); return err }
        n.join(ctx, m)
        go n.membershipEventsLoop(ctx, m)
    }

    if s := n.opts.RPCServer; s != nil {
        if err := s.Start(ctx, n.Handlers()); err != nil { cancel(); return err }
        logutil.Infof(n.logger, "node %s: %s endpoint listening at %s", n.opts.NodeID, n.role, s.Addr())
    }
    n.run.started = true
    n.run.cancel = cancel
    return nil
}

func (n *Node[M]) join(ctx context.Context, m membership.Membership) {
    if n.opts.Discovery == nil { return }
    seeds, err := n.opts.Discovery.Seeds(ctx)
    if err != nil {
        logutil.Warnf(n.logger, "node %s: discovery: %v", n.opts.NodeID, err)
    }
    if len(seeds) == 0 { return }
    logutil.Infof(n.logger, "node %s: joining membership seeds: %v", n.opts.NodeID, seeds)
    if err := m.Join(seeds); err != nil {
        logutil.Warnf(n.logger, "node %s: join seeds: %v", n.opts.NodeID, err)
    }
}

// Handlers returns the transport callbacks backed by this node.
func (n *Node[M]) Handlers() transport.Handlers {
    return transport.Handlers{
        Status:    n.statusJSON,
        Write:     n.Write,
        Snapshot:  n.Snapshot,
        Subscribe: n.Subscribe,
    }
}

// Write applies a forwarded mutation. On a replica it is forwarded again and
// answered once the replica has caught up with it.
func (n *Node[M]) Write(ctx context.Context, req transport.WriteRequest) (transport.WriteResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "node.write", "op", req.Op, "role", string(n.role))
    defer end()
    op, err := registry.ParseOp(req.Op)
    if err != nil { return transport.WriteResponse{}, err }
    var payload M
    if op != registry.OpRemove {
        if payload, err = n.opts.Codec.Unmarshal(req.Data); err != nil {
            return transport.WriteResponse{}, fmt.Errorf("node: decode %s payload: %w", op, errs.ErrVerificationFailed)
        }
    }

    var value M
    var tx uint64
    switch n.role {
    case RoleAuthoritative:
        var res registry.WriteResult[M]
        if op == registry.OpRemove {
            res, err = n.opts.Registry.Remove(ctx, req.ID)
        } else {
            res, err = n.opts.Registry.Write(ctx, op, payload)
        }
        value, tx = res.Value, res.TransactionID
    default:
        var res remote.Result[M]
        res, err = n.forward(ctx, op, req.ID, payload)
        value, tx = res.Value, res.TransactionID
    }
    if err != nil { return transport.WriteResponse{Error: err.Error()}, err }
    data, err := n.opts.Codec.Marshal(value)
    if err != nil { return transport.WriteResponse{}, err }
    return transport.WriteResponse{Data: data, TransactionID: &tx}, nil
}

func (n *Node[M]) forward(ctx context.Context, op registry.Op, id string, payload M) (remote.Result[M], error) {
    rep := n.opts.Replica
    switch op {
    case registry.OpRegister:
        return rep.Register(ctx, payload).Get(ctx)
    case registry.OpUpdate:
        return rep.Update(ctx, payload).Get(ctx)
    }
    return rep.Remove(ctx, id).Get(ctx)
}

// Snapshot returns the encoded registry content.
func (n *Node[M]) Snapshot(ctx context.Context) (transport.Snapshot, error) {
    var s registry.Snapshot[M]
    switch n.role {
    case RoleAuthoritative:
        var err error
        if s, err = n.opts.Registry.Snapshot(ctx); err != nil { return transport.Snapshot{}, err }
    default:
        s = n.opts.Replica.Snapshot()
    }
    return n.encode(s)
}

func (n *Node[M]) encode(s registry.Snapshot[M]) (transport.Snapshot, error) {
    out := transport.Snapshot{TransactionID: s.TransactionID, Entries: make([][]byte, 0, len(s.Entries))}
    for _, m := range s.Entries {
        b, err := n.opts.Codec.Marshal(m)
        if err != nil { return transport.Snapshot{}, fmt.Errorf("node: encode snapshot %d: %w", s.TransactionID, err) }
        out.Entries = append(out.Entries, b)
    }
    return out, nil
}

// Subscribe streams encoded snapshots until ctx is done, starting with the
// current one. Replicas serve their own view, so replicas can be chained.
func (n *Node[M]) Subscribe(ctx context.Context) <-chan transport.Snapshot {
    out := make(chan transport.Snapshot, 1)
    send := func(s registry.Snapshot[M]) bool {
        ts, err := n.encode(s)
        if err != nil {
            logutil.Warnf(n.logger, "node %s: %v", n.opts.NodeID, err)
            return true
        }
        select {
        case out <- ts:
            return true
        case <-ctx.Done():
            return false
        }
    }
    switch n.role {
    case RoleAuthoritative:
        src := n.opts.Registry.Subscribe(ctx)
        go func() {
            defer close(out)
            var last uint64
            for s := range src {
                if s.TransactionID <= last { continue }
                last = s.TransactionID
                if !send(s) { return }
            }
        }()
    default:
        rep := n.opts.Replica
        changes, unsubscribe := rep.Changes()
        go func() {
            defer close(out)
            defer unsubscribe()
            var last uint64
            for {
                if s := rep.Snapshot(); s.TransactionID > last {
                    last = s.TransactionID
                    if !send(s) { return }
                }
                select {
                case <-changes:
                case <-rep.Done():
                    return
                case <-ctx.Done():
                    return
                }
            }
        }()
    }
    return out
}

// Status returns the node's local view.
func (n *Node[M]) Status(_ context.Context) (*Status, error) {
    s := &Status{NodeID: n.opts.NodeID, Role: n.role}
    switch n.role {
    case RoleAuthoritative:
        r := n.opts.Registry
        s.Registry = r.Name()
        s.TransactionID = r.TransactionID()
        s.Entries = r.Len()
        s.Subscribers = r.Subscribers()
        s.Healthy = s.TransactionID > 0
    default:
        rep := n.opts.Replica
        s.TransactionID = rep.TransactionID()
        s.Entries = rep.Len()
        s.Healthy = s.TransactionID > 0
        select {
        case <-rep.Done():
            s.Healthy = false
            s.Warnings = append(s.Warnings, "replica stopped")
        default:
        }
        if !s.Healthy && len(s.Warnings) == 0 { s.Warnings = append(s.Warnings, "no snapshot received yet") }
    }
    if srv := n.opts.RPCServer; srv != nil {
        s.Addr = srv.Addr()
        if a, ok := srv.(interface{ Acked() map[string]uint64 }); ok { s.Acked = a.Acked() }
    }
    if m := n.opts.Membership; m != nil {
        s.Members = m.Members()
        metrics.Members.Set(float64(len(s.Members)))
    }
    return s, nil
}

func (n *Node[M]) statusJSON(ctx context.Context) ([]byte, error) {
    st, err := n.Status(ctx)
    if err != nil { return nil, err }
    return json.Marshal(st)
}

func (n *Node[M]) membershipEventsLoop(ctx context.Context, m membership.Membership) {
    evch := m.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            metrics.Members.Set(float64(len(m.Members())))
            mi := e.Member
            switch e.Type {
            case membership.EventJoin:
                n.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &mi})
            case membership.EventLeave:
                logutil.Infof(n.logger, "node %s: member %s left", n.opts.NodeID, mi.ID)
                n.eb.publish(Event{Type: EventMemberLeave, At: e.At, Member: &mi})
            }
        }
    }
}

func (n *Node[M]) replicaEventsLoop(ctx context.Context) {
    rep := n.opts.Replica
    changes, unsubscribe := rep.Changes()
    defer unsubscribe()
    for {
        select {
        case <-changes:
            n.eb.publish(Event{Type: EventCommitted, At: time.Now(), TransactionID: rep.TransactionID()})
        case <-rep.Done():
            return
        case <-ctx.Done():
            return
        }
    }
}

// Stop shuts down the RPC server, membership and the registry side.
func (n *Node[M]) Stop(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed { return nil }
    n.run.closed = true
    if n.run.cancel != nil { defer n.run.cancel() }
    if n.opts.RPCServer != nil { _ = n.opts.RPCServer.Stop(ctx) }
    if m := n.opts.Membership; m != nil {
        _ = m.Leave()
        _ = m.Stop()
    }
    var err error
    if n.opts.Registry != nil { err = n.opts.Registry.Close() }
    if n.opts.Replica != nil { err = n.opts.Replica.Close() }
    if c, ok := n.opts.RPCClient.(interface{ Close() }); ok { c.Close() }
    return err
}

// Close is Stop with a background context.
func (n *Node[M]) Close() error { return n.Stop(context.Background()) }
