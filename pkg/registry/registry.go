// Package registry is the authoritative copy of a record set. It ties the
// entry map, the consistency engine, the plugin pool and the file store
// together under the builder lock and owns the transaction id.
package registry

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "sync/atomic"

    "github.com/amirimatin/go-registry/pkg/builder"
    "github.com/amirimatin/go-registry/pkg/consistency"
    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    "github.com/amirimatin/go-registry/pkg/msgmap"
    "github.com/amirimatin/go-registry/pkg/observability/metrics"
    "github.com/amirimatin/go-registry/pkg/observability/tracing"
    "github.com/amirimatin/go-registry/pkg/plugin"
    "github.com/amirimatin/go-registry/pkg/store"
)

// Snapshot is the aggregate held by the shared builder: every payload in
// insertion order plus the transaction id of the commit that produced it.
type Snapshot[M any] struct {
    TransactionID uint64 `json:"transactionId"`
    Entries       []M    `json:"entries"`
}

type Op string

const (
    OpRegister Op = "register"
    OpUpdate   Op = "update"
    OpRemove   Op = "remove"
)

func ParseOp(s string) (Op, error) {
    switch op := Op(s); op {
    case OpRegister, OpUpdate, OpRemove:
        return op, nil
    }
    return "", fmt.Errorf("registry: unknown op %q: %w", s, errs.ErrVerificationFailed)
}

// WriteResult is the committed payload (for removals, the removed one) and
// the transaction id the commit produced.
type WriteResult[M any] struct {
    Value         M
    TransactionID uint64
}

type Registry[M any] struct {
    name   string
    opts   Options[M]
    logger *log.Logger

    lock    *builder.Synchronizer[Snapshot[M]]
    entries *msgmap.Map[M, Snapshot[M]]
    engine  *consistency.Engine[M]
    plugins *plugin.Pool[M]
    store   *store.FileStore[M]

    tx     atomic.Uint64
    opened atomic.Bool
    closed atomic.Bool
    done   chan struct{}

    bus     snapshotBus[M]
    hooksMu sync.RWMutex
    hooks   []func(Snapshot[M])
}

func New[M any](opts Options[M]) (*Registry[M], error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Name == "" { opts.Name = "registry" }
    if opts.Generator == nil { opts.Generator = entry.UUIDGenerator[M] }
    fs, err := store.New(store.Options[M]{Dir: opts.Dir, Codec: opts.Codec, Accessor: opts.Accessor, Logger: opts.Logger})
    if err != nil { return nil, err }

    r := &Registry[M]{
        name:    opts.Name,
        opts:    opts,
        logger:  opts.Logger,
        engine:  consistency.New[M](consistency.Options{MaxIterations: opts.MaxIterations, Logger: opts.Logger}),
        plugins: plugin.NewPool[M](opts.Logger),
        store:   fs,
        done:    make(chan struct{}),
    }
    r.lock = builder.New(Snapshot[M]{}, builder.Options[Snapshot[M]]{
        Clone:           r.cloneSnapshot,
        DefaultStrategy: builder.StrategySkip,
        Logger:          opts.Logger,
    })
    r.lock.AddObserver(r.committed)
    r.entries = msgmap.New(r.lock, func(s *Snapshot[M]) *[]M { return &s.Entries }, msgmap.Options{Name: opts.Name + ".entries", Logger: opts.Logger})
    for _, h := range opts.Handlers {
        r.engine.Register(h)
    }
    for _, p := range opts.Plugins {
        if err := r.plugins.Add(context.Background(), p); err != nil {
            _ = r.lock.Close()
            return nil, err
        }
    }
    return r, nil
}

func (r *Registry[M]) Name() string { return r.name }

// TransactionID is the id of the last commit.
func (r *Registry[M]) TransactionID() uint64 { return r.tx.Load() }

// Engine exposes the consistency engine for handler registration.
func (r *Registry[M]) Engine() *consistency.Engine[M] { return r.engine }

// Plugins exposes the plugin pool.
func (r *Registry[M]) Plugins() *plugin.Pool[M] { return r.plugins }

// Store exposes the file store.
func (r *Registry[M]) Store() *store.FileStore[M] { return r.store }

// Open loads the stored entries, runs a startup sweep and publishes the
// result as the transaction after the last one stored in the directory, 1 for
// a new one. Ids therefore keep increasing across restarts. Observers have
// seen that snapshot by the time Open returns.
func (r *Registry[M]) Open(ctx context.Context) error {
    if r.closed.Load() { return fmt.Errorf("registry %s: %w", r.name, errs.ErrShutdown) }
    if !r.opened.CompareAndSwap(false, true) {
        return fmt.Errorf("registry %s: already open: %w", r.name, errs.ErrInvalidState)
    }
    ctx, end := tracing.StartSpan(ctx, "registry.Open", "registry", r.name)
    defer end()
    if err := r.open(ctx); err != nil {
        r.opened.Store(false)
        return err
    }
    // hooks registered after Open must not see the open commit
    return r.lock.Flush(ctx)
}

func (r *Registry[M]) open(ctx context.Context) error {
    if err := r.store.Ensure(r.opts.InitDB); err != nil { return err }
    if r.opts.Reset {
        logutil.Warnf(r.logger, "registry %s: resetting %s", r.name, r.store.Dir())
        if err := r.store.Reset(); err != nil { return err }
    }
    payloads, err := r.store.Load(r.opts.Recover)
    if err != nil { return err }

    g, err := r.acquire(ctx, "registry.open")
    if err != nil { return err }
    ctx = g.Bind(ctx)
    ok := false
    defer func() {
        if ok {
            g.SetStrategy(builder.StrategyAfterRelease)
        }
        _ = g.Release()
    }()

    if err := r.restore(ctx, payloads); err != nil { return err }

    rep, err := r.engine.Sweep(ctx, r.entries, r)
    if err != nil && r.opts.Recover {
        rep, err = r.recoverSweep(ctx, payloads)
    }
    if err != nil {
        _ = r.entries.Clear(ctx)
        return fmt.Errorf("registry %s: startup consistency: %w", r.name, err)
    }
    for _, id := range rep.Modified {
        if err := r.persist(id); err != nil { return err }
    }
    last, err := r.store.LoadTransaction()
    if err != nil { return err }
    r.tx.Store(last)
    tx := r.tx.Add(1)
    if !r.opts.ReadOnly {
        if err := r.store.SaveTransaction(tx); err != nil { return err }
    }
    g.Builder().TransactionID = tx
    metrics.TransactionID.Set(float64(tx))
    metrics.Entries.Set(float64(r.entries.Len()))
    logutil.Infof(r.logger, "registry %s: opened with %d entries (%d repaired)", r.name, r.entries.Len(), len(rep.Modified))
    ok = true
    return nil
}

// recoverSweep sets aside every entry the handlers cannot settle on its own,
// reloads the rest from their stored payloads and sweeps again.
func (r *Registry[M]) recoverSweep(ctx context.Context, loaded []M) (consistency.Report, error) {
    r.engine.Reset()
    bad := map[string]bool{}
    for _, e := range r.entries.Entries() {
        if _, err := r.engine.ProcessEntry(ctx, e.ID(), e, r.entries, r); err != nil {
            logutil.Warnf(r.logger, "registry %s: dropping %s: %v", r.name, e.ID(), err)
            bad[e.ID()] = true
            if serr := r.store.SetAside(e.ID()); serr != nil { return consistency.Report{}, serr }
        }
    }
    keep := make([]M, 0, len(loaded))
    for _, p := range loaded {
        if id, _ := r.opts.Accessor.ID(p); !bad[id] {
            keep = append(keep, p)
        }
    }
    if err := r.restore(ctx, keep); err != nil { return consistency.Report{}, err }
    return r.engine.Sweep(ctx, r.entries, r)
}

// Close stops the registry. Later mutations fail with errs.ErrShutdown.
func (r *Registry[M]) Close() error {
    if !r.closed.CompareAndSwap(false, true) { return nil }
    close(r.done)
    r.entries.Shutdown()
    err := r.plugins.Close(context.Background())
    if cerr := r.lock.Close(); err == nil { err = cerr }
    return err
}

func (r *Registry[M]) Register(ctx context.Context, payload M) (WriteResult[M], error) {
    return r.mutate(ctx, OpRegister, payload)
}

func (r *Registry[M]) Update(ctx context.Context, payload M) (WriteResult[M], error) {
    return r.mutate(ctx, OpUpdate, payload)
}

// Remove deletes the entry with id.
func (r *Registry[M]) Remove(ctx context.Context, id string) (WriteResult[M], error) {
    var zero M
    return r.mutateID(ctx, OpRemove, id, zero)
}

// Write performs op with payload; removals take the id from the payload.
func (r *Registry[M]) Write(ctx context.Context, op Op, payload M) (WriteResult[M], error) {
    if op == OpRemove {
        id, err := entry.IDOf(payload, r.opts.Accessor)
        if err != nil { return WriteResult[M]{}, err }
        return r.mutateID(ctx, OpRemove, id, payload)
    }
    return r.mutate(ctx, op, payload)
}

func (r *Registry[M]) mutate(ctx context.Context, op Op, payload M) (WriteResult[M], error) {
    return r.mutateID(ctx, op, "", payload)
}

// mutateID runs one transaction. The builder lock is held from the before
// hook to the transaction id increment; on any failure the map is restored
// from the pre-mutation backup and the transaction id stays put.
func (r *Registry[M]) mutateID(ctx context.Context, op Op, id string, payload M) (res WriteResult[M], err error) {
    ctx, end := tracing.StartSpan(ctx, "registry."+string(op), "registry", r.name)
    defer end()
    defer func() { metrics.Operations.WithLabelValues(string(op), result(err)).Inc() }()

    if r.closed.Load() { return res, fmt.Errorf("registry %s: %w", r.name, errs.ErrShutdown) }
    if !r.opened.Load() { return res, fmt.Errorf("registry %s: not open: %w", r.name, errs.ErrInvalidState) }
    if r.opts.ReadOnly { return res, fmt.Errorf("registry %s: read only: %w", r.name, errs.ErrRejected) }

    g, err := r.acquire(ctx, "registry."+string(op))
    if err != nil { return res, err }
    ctx = g.Bind(ctx)
    committed := false
    defer func() {
        if committed {
            g.SetStrategy(builder.StrategyAfterRelease)
        }
        _ = g.Release()
    }()

    backup := r.entries.Payloads()
    rollback := func(cause error) error {
        if rerr := r.restore(ctx, backup); rerr != nil {
            logutil.Errorf(r.logger, "registry %s: rollback after %v failed: %v", r.name, cause, rerr)
        }
        return cause
    }

    var e *entry.Entry[M]
    switch op {
    case OpRegister:
        if e, err = entry.New(payload, r.opts.Accessor, r.opts.Generator); err != nil { return res, err }
        e.SetLogger(r.logger)
        id = e.ID()
        if r.entries.Contains(id) {
            return res, fmt.Errorf("registry %s: %s already registered: %w", r.name, id, errs.ErrInvalidState)
        }
        if err = r.plugins.BeforeRegister(ctx, e, r.store.Path(id)); err != nil { return res, err }
        if _, err = r.entries.Put(ctx, e); err != nil { return res, rollback(err) }
    case OpUpdate:
        if id, err = entry.IDOf(payload, r.opts.Accessor); err != nil { return res, err }
        if e, err = r.entries.Get(id); err != nil { return res, err }
        cand, cerr := entry.New(payload, r.opts.Accessor, nil)
        if cerr != nil { return res, cerr }
        if err = r.plugins.BeforeUpdate(ctx, cand, r.store.Path(id)); err != nil { return res, err }
        if rerr := e.Replace(ctx, payload); rerr != nil {
            if errors.Is(rerr, errs.ErrInvalidState) || errors.Is(rerr, errs.ErrNotAvailable) {
                return res, rollback(rerr)
            }
            logutil.Warnf(r.logger, "registry %s: observers of %s failed: %v", r.name, id, rerr)
        }
    case OpRemove:
        if e, err = r.entries.Get(id); err != nil { return res, err }
        if err = r.plugins.BeforeRemove(ctx, e, r.store.Path(id)); err != nil { return res, err }
        if _, err = r.entries.Remove(ctx, id); err != nil { return res, rollback(err) }
    default:
        return res, fmt.Errorf("registry %s: unknown op %q: %w", r.name, op, errs.ErrVerificationFailed)
    }

    rep, err := r.engine.Sweep(ctx, r.entries, r)
    if err != nil {
        return res, rollback(err)
    }

    touched := []string{id}
    for _, mid := range rep.Modified {
        if mid != id { touched = append(touched, mid) }
    }
    for i, tid := range touched {
        if op == OpRemove && tid == id {
            err = r.store.Delete(tid)
        } else {
            err = r.persist(tid)
        }
        if err != nil {
            r.restoreFiles(backup, touched[:i+1])
            return res, rollback(err)
        }
    }

    path := r.store.Path(id)
    switch op {
    case OpRegister:
        r.plugins.AfterRegister(ctx, e, path)
    case OpUpdate:
        r.plugins.AfterUpdate(ctx, e, path)
    case OpRemove:
        r.plugins.AfterRemove(ctx, e, path)
    }

    tx := r.tx.Add(1)
    if serr := r.store.SaveTransaction(tx); serr != nil {
        logutil.Errorf(r.logger, "registry %s: tx %d: %v", r.name, tx, serr)
    }
    g.Builder().TransactionID = tx
    committed = true
    metrics.TransactionID.Set(float64(tx))
    metrics.Entries.Set(float64(r.entries.Len()))
    logutil.Debugf(r.logger, "registry %s: %s %s committed as tx %d", r.name, op, id, tx)
    return WriteResult[M]{Value: e.Payload(), TransactionID: tx}, nil
}

func (r *Registry[M]) persist(id string) error {
    e, err := r.entries.Get(id)
    if err != nil { return err }
    return r.store.Write(id, e.Payload())
}

// restoreFiles puts the files of ids back to their state in backup.
func (r *Registry[M]) restoreFiles(backup []M, ids []string) {
    prev := make(map[string]M, len(backup))
    for _, p := range backup {
        if id, err := entry.IDOf(p, r.opts.Accessor); err == nil { prev[id] = p }
    }
    for _, id := range ids {
        var err error
        if p, ok := prev[id]; ok {
            err = r.store.Write(id, p)
        } else {
            err = r.store.Delete(id)
        }
        if err != nil {
            logutil.Errorf(r.logger, "registry %s: restoring file of %s: %v", r.name, id, err)
        }
    }
}

func (r *Registry[M]) restore(ctx context.Context, payloads []M) error {
    es := make([]*entry.Entry[M], 0, len(payloads))
    for _, p := range payloads {
        e, err := entry.New(p, r.opts.Accessor, nil)
        if err != nil { return err }
        e.SetLogger(r.logger)
        es = append(es, e)
    }
    return r.entries.Restore(ctx, es)
}

func (r *Registry[M]) acquire(ctx context.Context, consumer string) (*builder.Guard[Snapshot[M]], error) {
    if r.opts.LockTimeout > 0 {
        lctx, cancel := context.WithTimeout(ctx, r.opts.LockTimeout)
        defer cancel()
        return r.lock.Acquire(lctx, consumer)
    }
    return r.lock.Acquire(ctx, consumer)
}

// Get returns the payload stored under id. Plugins may veto the lookup.
func (r *Registry[M]) Get(ctx context.Context, id string) (M, error) {
    var zero M
    if err := r.plugins.BeforeGet(ctx, id); err != nil { return zero, err }
    e, err := r.entries.Get(id)
    if err != nil { return zero, err }
    return e.Payload(), nil
}

// GetAll returns every payload in insertion order.
func (r *Registry[M]) GetAll() []M { return r.entries.Payloads() }

func (r *Registry[M]) Contains(id string) bool { return r.entries.Contains(id) }

func (r *Registry[M]) Len() int { return r.entries.Len() }

// Subscribers is the number of live Subscribe channels.
func (r *Registry[M]) Subscribers() int { return r.bus.count() }

// Snapshot returns a copy of the committed aggregate.
func (r *Registry[M]) Snapshot(ctx context.Context) (Snapshot[M], error) {
    return r.lock.Snapshot(ctx)
}

func (r *Registry[M]) cloneSnapshot(s Snapshot[M]) Snapshot[M] {
    out := Snapshot[M]{TransactionID: s.TransactionID, Entries: make([]M, len(s.Entries))}
    if r.opts.Clone == nil {
        copy(out.Entries, s.Entries)
        return out
    }
    for i, m := range s.Entries {
        out.Entries[i] = r.opts.Clone(m)
    }
    return out
}

// committed runs after every committing release, in commit order.
func (r *Registry[M]) committed(_ context.Context, s Snapshot[M]) {
    r.hooksMu.RLock()
    hooks := make([]func(Snapshot[M]), len(r.hooks))
    copy(hooks, r.hooks)
    r.hooksMu.RUnlock()
    for _, fn := range hooks {
        fn(s)
    }
    r.bus.publish(s)
}

func result(err error) string {
    switch {
    case err == nil:
        return "ok"
    case errors.Is(err, errs.ErrRejected):
        return "rejected"
    case errors.Is(err, errs.ErrConsistency):
        return "inconsistent"
    case errors.Is(err, errs.ErrTimeout):
        return "timeout"
    }
    return "error"
}
