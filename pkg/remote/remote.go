// Package remote is the read replica of a registry hosted by another node.
// It follows the authoritative node's snapshot stream and forwards writes,
// returning futures that complete once the replica has caught up with the
// write's transaction.
package remote

import (
    "context"
    "fmt"
    "log"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-registry/pkg/codec"
    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    "github.com/amirimatin/go-registry/pkg/observability/metrics"
    "github.com/amirimatin/go-registry/pkg/registry"
    "github.com/amirimatin/go-registry/pkg/transport"
    "github.com/amirimatin/go-registry/pkg/txsync"
)

// Locator resolves the authoritative node's registry endpoint.
// membership.Locator implements it.
type Locator interface {
    Locate(ctx context.Context) (string, error)
}

type Options[M any] struct {
    Codec    codec.Codec[M]
    Accessor entry.Accessor[M]
    // Client carries writes. Stream carries snapshots; when nil, Client is
    // used if it also implements transport.ReplicationClient.
    Client transport.RPCClient
    Stream transport.ReplicationClient
    // Addr is a fixed endpoint; Locator is consulted when it is empty.
    Addr    string
    Locator Locator
    // NodeID identifies this replica in acks.
    NodeID string

    MinBackoff time.Duration
    MaxBackoff time.Duration
    Logger     *log.Logger
}

func (o Options[M]) Validate() error {
    if o.Codec == nil { return fmt.Errorf("remote: codec required: %w", errs.ErrVerificationFailed) }
    if o.Accessor == nil { return fmt.Errorf("remote: accessor required: %w", errs.ErrVerificationFailed) }
    if o.Client == nil { return fmt.Errorf("remote: client required: %w", errs.ErrVerificationFailed) }
    if o.Addr == "" && o.Locator == nil { return fmt.Errorf("remote: addr or locator required: %w", errs.ErrVerificationFailed) }
    return nil
}

// Result is the outcome of a forwarded write. Legacy marks a response that
// carried no transaction id.
type Result[M any] struct {
    Value         M
    TransactionID uint64
    Legacy        bool
}

func txOf[M any](r Result[M]) (uint64, bool) { return r.TransactionID, !r.Legacy }

type Replica[M any] struct {
    opts   Options[M]
    logger *log.Logger

    mu      sync.RWMutex
    order   []string
    entries map[string]M
    tx      atomic.Uint64
    feed    txsync.Feed

    addrMu sync.Mutex
    addr   string

    started   atomic.Bool
    cancel    context.CancelFunc
    stopped   chan struct{}
    done      chan struct{}
    closeOnce sync.Once
}

func New[M any](opts Options[M]) (*Replica[M], error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Stream == nil {
        if s, ok := opts.Client.(transport.ReplicationClient); ok { opts.Stream = s }
    }
    if opts.MinBackoff <= 0 { opts.MinBackoff = 100 * time.Millisecond }
    if opts.MaxBackoff < opts.MinBackoff { opts.MaxBackoff = 5 * time.Second }
    return &Replica[M]{
        opts:    opts,
        logger:  logutil.Or(opts.Logger),
        entries: make(map[string]M),
        done:    make(chan struct{}),
    }, nil
}

// Apply installs s when it is newer than what the replica holds. It reports
// whether s was applied; a snapshot that does not decode is rejected whole.
func (r *Replica[M]) Apply(s transport.Snapshot) (bool, error) {
    if s.TransactionID <= r.tx.Load() { return false, nil }
    order := make([]string, 0, len(s.Entries))
    entries := make(map[string]M, len(s.Entries))
    for i, b := range s.Entries {
        m, err := r.opts.Codec.Unmarshal(b)
        if err != nil { return false, fmt.Errorf("remote: snapshot %d entry %d: %w", s.TransactionID, i, err) }
        id, err := entry.IDOf(m, r.opts.Accessor)
        if err != nil { return false, fmt.Errorf("remote: snapshot %d entry %d: %w", s.TransactionID, i, err) }
        if _, dup := entries[id]; !dup { order = append(order, id) }
        entries[id] = m
    }
    r.mu.Lock()
    if s.TransactionID <= r.tx.Load() {
        r.mu.Unlock()
        return false, nil
    }
    r.order, r.entries = order, entries
    r.tx.Store(s.TransactionID)
    r.mu.Unlock()
    metrics.ReplicaObservedTx.Set(float64(s.TransactionID))
    logutil.Debugf(r.logger, "remote: applied snapshot tx=%d entries=%d", s.TransactionID, len(order))
    r.feed.Notify()
    return true, nil
}

// Start follows the authoritative node in the background until ctx is done
// or Close is called, reconnecting with exponential backoff. The replica is
// shut down when following ends.
func (r *Replica[M]) Start(ctx context.Context) error {
    if r.opts.Stream == nil { return fmt.Errorf("remote: client cannot stream snapshots: %w", errs.ErrInvalidState) }
    if !r.started.CompareAndSwap(false, true) { return fmt.Errorf("remote: already started: %w", errs.ErrInvalidState) }
    select {
    case <-r.done:
        return errs.ErrShutdown
    default:
    }
    ctx, cancel := context.WithCancel(ctx)
    r.mu.Lock()
    r.cancel = cancel
    r.stopped = make(chan struct{})
    r.mu.Unlock()
    go r.follow(ctx)
    return nil
}

func (r *Replica[M]) follow(ctx context.Context) {
    defer close(r.stopped)
    defer r.shutdown()
    delay := r.opts.MinBackoff
    for {
        addr, err := r.resolve(ctx)
        if err == nil {
            err = r.opts.Stream.Subscribe(ctx, addr, r.opts.NodeID, func(s transport.Snapshot) {
                delay = r.opts.MinBackoff
                if _, aerr := r.Apply(s); aerr != nil {
                    logutil.Warnf(r.logger, "remote: dropping snapshot: %v", aerr)
                }
            })
            r.forget(addr)
        }
        if ctx.Err() != nil { return }
        logutil.Warnf(r.logger, "remote: following %q: %v; retrying in %s", addr, err, delay)
        select {
        case <-ctx.Done():
            return
        case <-time.After(delay):
        }
        delay *= 2
        if delay > r.opts.MaxBackoff { delay = r.opts.MaxBackoff }
    }
}

func (r *Replica[M]) resolve(ctx context.Context) (string, error) {
    if r.opts.Addr != "" { return r.opts.Addr, nil }
    r.addrMu.Lock()
    addr := r.addr
    r.addrMu.Unlock()
    if addr != "" { return addr, nil }
    addr, err := r.opts.Locator.Locate(ctx)
    if err != nil { return "", err }
    r.addrMu.Lock()
    r.addr = addr
    r.addrMu.Unlock()
    return addr, nil
}

// forget drops a located address so the next call locates again.
func (r *Replica[M]) forget(addr string) {
    r.addrMu.Lock()
    if r.addr == addr { r.addr = "" }
    r.addrMu.Unlock()
}

func (r *Replica[M]) Register(ctx context.Context, payload M) *txsync.Future[Result[M]] {
    return r.write(ctx, registry.OpRegister, "", &payload)
}

func (r *Replica[M]) Update(ctx context.Context, payload M) *txsync.Future[Result[M]] {
    return r.write(ctx, registry.OpUpdate, "", &payload)
}

// Remove deletes id; the result value is the removed payload.
func (r *Replica[M]) Remove(ctx context.Context, id string) *txsync.Future[Result[M]] {
    return r.write(ctx, registry.OpRemove, id, nil)
}

func (r *Replica[M]) write(ctx context.Context, op registry.Op, id string, payload *M) *txsync.Future[Result[M]] {
    req := transport.WriteRequest{Op: string(op), ID: id}
    if payload != nil {
        b, err := r.opts.Codec.Marshal(*payload)
        if err != nil { return txsync.Failed[Result[M]](fmt.Errorf("remote: %s: encode: %w", op, err)) }
        req.Data = b
    }
    f := txsync.Go(ctx, r, txOf[M], func(ctx context.Context) (Result[M], error) {
        var res Result[M]
        addr, err := r.resolve(ctx)
        if err != nil { return res, fmt.Errorf("remote: %s: %w", op, err) }
        resp, err := r.opts.Client.PostWrite(ctx, addr, req)
        if err != nil {
            r.forget(addr)
            return res, fmt.Errorf("remote: %s via %s: %w", op, addr, err)
        }
        if resp.Error != "" { return res, errs.FromString(resp.Error) }
        if len(resp.Data) > 0 {
            v, err := r.opts.Codec.Unmarshal(resp.Data)
            if err != nil { return res, fmt.Errorf("remote: %s: decode response: %w", op, err) }
            res.Value = v
        }
        if tx, ok := transport.TxOf(resp); ok {
            res.TransactionID = tx
        } else {
            res.Legacy = true
        }
        return res, nil
    })
    return f.SetLogger(r.logger)
}

func (r *Replica[M]) Get(id string) (M, error) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    m, ok := r.entries[id]
    if !ok {
        var zero M
        return zero, fmt.Errorf("remote: %q: %w", id, errs.ErrNotAvailable)
    }
    return m, nil
}

// GetAll returns the payloads in the authoritative node's order.
func (r *Replica[M]) GetAll() []M {
    r.mu.RLock()
    defer r.mu.RUnlock()
    out := make([]M, 0, len(r.order))
    for _, id := range r.order {
        out = append(out, r.entries[id])
    }
    return out
}

func (r *Replica[M]) Contains(id string) bool {
    r.mu.RLock()
    defer r.mu.RUnlock()
    _, ok := r.entries[id]
    return ok
}

func (r *Replica[M]) Len() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.order)
}

// Snapshot returns the replica's content with the transaction id it belongs to.
func (r *Replica[M]) Snapshot() registry.Snapshot[M] {
    r.mu.RLock()
    defer r.mu.RUnlock()
    s := registry.Snapshot[M]{TransactionID: r.tx.Load(), Entries: make([]M, 0, len(r.order))}
    for _, id := range r.order {
        s.Entries = append(s.Entries, r.entries[id])
    }
    return s
}

func (r *Replica[M]) TransactionID() uint64 { return r.tx.Load() }

func (r *Replica[M]) Changes() (<-chan struct{}, func()) { return r.feed.Subscribe() }

func (r *Replica[M]) Done() <-chan struct{} { return r.done }

func (r *Replica[M]) shutdown() { r.closeOnce.Do(func() { close(r.done) }) }

// Close stops following and fails pending synchronized waits with
// errs.ErrShutdown.
func (r *Replica[M]) Close() error {
    r.mu.Lock()
    cancel, stopped := r.cancel, r.stopped
    r.mu.Unlock()
    if cancel != nil {
        cancel()
        <-stopped
    }
    r.shutdown()
    return nil
}

var _ txsync.Replica = (*Replica[struct{}])(nil)
