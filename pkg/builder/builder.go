// Package builder serializes access to one shared, mutable aggregate.
//
// A Synchronizer hands out a single Guard at a time. Ownership travels in the
// context: code running under a held guard calls Bind and passes the returned
// context down, and any Acquire made with that context joins the held guard
// instead of queueing behind it. Release of the outermost guard decides, via
// its Strategy, whether and when observers see the new state.
package builder

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    "github.com/amirimatin/go-registry/pkg/observability/metrics"
)

// Strategy selects how observers are notified when the outermost guard is
// released.
type Strategy int

const (
    // StrategyNone notifies observers synchronously, before the lock is freed.
    StrategyNone Strategy = iota
    // StrategyAfterRelease frees the lock first and notifies asynchronously,
    // in release order.
    StrategyAfterRelease
    // StrategySkip does not notify at all (bulk edits).
    StrategySkip
)

func (s Strategy) String() string {
    switch s {
    case StrategyNone:
        return "none"
    case StrategyAfterRelease:
        return "after-release"
    case StrategySkip:
        return "skip"
    }
    return fmt.Sprintf("strategy(%d)", int(s))
}

// Observer receives a clone of the aggregate after a release.
type Observer[B any] func(ctx context.Context, b B)

type Options[B any] struct {
    // Clone deep-copies the aggregate for snapshots and observers. Nil means a
    // plain value copy.
    Clone func(B) B
    // Strategy used by guards that never call SetStrategy.
    DefaultStrategy Strategy
    Logger          *log.Logger
}

type Synchronizer[B any] struct {
    sem    chan struct{}
    b      B
    clone  func(B) B
    strat  Strategy
    logger *log.Logger

    obsMu sync.RWMutex
    obs   []Observer[B]

    notes *fifo[note[B]]
    jobs  *fifo[job[B]]

    closed    chan struct{}
    closeOnce sync.Once
    wg        sync.WaitGroup
}

type job[B any] struct {
    consumer string
    fn       func(*B) error
    res      chan error
}

// note is a queued notification. A note with flush set carries no aggregate
// and only marks a point in the queue.
type note[B any] struct {
    b     B
    flush chan struct{}
}

type ctxKey struct{ s any }

// New creates a synchronizer around initial and starts its notifier and
// submit workers. Close stops them.
func New[B any](initial B, opts Options[B]) *Synchronizer[B] {
    s := &Synchronizer[B]{
        sem:    make(chan struct{}, 1),
        b:      initial,
        clone:  opts.Clone,
        strat:  opts.DefaultStrategy,
        logger: opts.Logger,
        notes:  newFifo[note[B]](),
        jobs:   newFifo[job[B]](),
        closed: make(chan struct{}),
    }
    if s.clone == nil {
        s.clone = func(b B) B { return b }
    }
    s.wg.Add(2)
    go s.notifyLoop()
    go s.jobLoop()
    return s
}

// Guard is a held lock. Nested guards share the outermost guard's lock and
// their release only ends their own scope.
type Guard[B any] struct {
    s          *Synchronizer[B]
    consumer   string
    parent     *Guard[B]
    released   atomic.Bool
    strategy   Strategy
    acquiredAt time.Time
}

// Acquire blocks until the lock is free or ctx ends. An expired deadline is
// reported as errs.ErrTimeout, cancellation as the context error.
func (s *Synchronizer[B]) Acquire(ctx context.Context, consumer string) (*Guard[B], error) {
    if held, ok := ctx.Value(ctxKey{s}).(*Guard[B]); ok && !held.released.Load() {
        return &Guard[B]{s: s, consumer: consumer, parent: held, acquiredAt: time.Now()}, nil
    }
    select {
    case <-s.closed:
        return nil, fmt.Errorf("builder: %s: %w", consumer, errs.ErrShutdown)
    default:
    }
    start := time.Now()
    select {
    case s.sem <- struct{}{}:
    case <-ctx.Done():
        if errors.Is(ctx.Err(), context.DeadlineExceeded) {
            metrics.LockTimeouts.Inc()
            return nil, fmt.Errorf("builder: %s waited %s for lock: %w", consumer, time.Since(start).Round(time.Millisecond), errs.ErrTimeout)
        }
        return nil, ctx.Err()
    case <-s.closed:
        return nil, fmt.Errorf("builder: %s: %w", consumer, errs.ErrShutdown)
    }
    metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
    logutil.Debugf(s.logger, "builder: lock acquired by %s", consumer)
    return &Guard[B]{s: s, consumer: consumer, strategy: s.strat, acquiredAt: time.Now()}, nil
}

// AcquireTimeout is Acquire bounded by d.
func (s *Synchronizer[B]) AcquireTimeout(consumer string, d time.Duration) (*Guard[B], error) {
    ctx, cancel := context.WithTimeout(context.Background(), d)
    defer cancel()
    return s.Acquire(ctx, consumer)
}

// Snapshot returns a clone of the aggregate taken under a brief lock.
func (s *Synchronizer[B]) Snapshot(ctx context.Context) (B, error) {
    g, err := s.Acquire(ctx, "snapshot")
    if err != nil {
        var zero B
        return zero, err
    }
    if g.parent == nil {
        g.SetStrategy(StrategySkip)
    }
    out := s.clone(s.b)
    _ = g.Release()
    return out, nil
}

// Submit queues fn to run under the lock once it is free. Closures run one at
// a time in submission order. The returned channel yields fn's result (or
// errs.ErrShutdown) exactly once.
func (s *Synchronizer[B]) Submit(consumer string, fn func(b *B) error) <-chan error {
    res := make(chan error, 1)
    if !s.jobs.push(job[B]{consumer: consumer, fn: fn, res: res}) {
        res <- fmt.Errorf("builder: %s: %w", consumer, errs.ErrShutdown)
    }
    return res
}

// Flush waits until every notification queued before the call has been
// delivered. After Close it waits for the remaining ones to drain.
func (s *Synchronizer[B]) Flush(ctx context.Context) error {
    mark := make(chan struct{})
    if !s.notes.push(note[B]{flush: mark}) {
        done := make(chan struct{})
        go func() { s.wg.Wait(); close(done) }()
        mark = done
    }
    select {
    case <-mark:
        return nil
    case <-ctx.Done():
        if errors.Is(ctx.Err(), context.DeadlineExceeded) {
            return fmt.Errorf("builder: flush: %w", errs.ErrTimeout)
        }
        return ctx.Err()
    }
}

func (s *Synchronizer[B]) AddObserver(o Observer[B]) {
    if o == nil { return }
    s.obsMu.Lock()
    s.obs = append(s.obs, o)
    s.obsMu.Unlock()
}

// Close fails pending and future acquisitions with errs.ErrShutdown and waits
// for the workers. Notifications already queued are still delivered.
func (s *Synchronizer[B]) Close() error {
    s.closeOnce.Do(func() {
        close(s.closed)
        s.notes.close()
        s.jobs.close()
    })
    s.wg.Wait()
    return nil
}

// Builder exposes the aggregate. The pointer is only valid until Release.
func (g *Guard[B]) Builder() *B { return &g.s.b }

func (g *Guard[B]) Consumer() string { return g.consumer }

// SetStrategy chooses the notification strategy. On a nested guard it is
// applied to the outermost guard.
func (g *Guard[B]) SetStrategy(st Strategy) { g.root().strategy = st }

// Bind returns a context that carries ownership of this guard.
func (g *Guard[B]) Bind(ctx context.Context) context.Context {
    return context.WithValue(ctx, ctxKey{g.s}, g.root())
}

func (g *Guard[B]) root() *Guard[B] {
    for g.parent != nil {
        g = g.parent
    }
    return g
}

// Release ends the guard's scope. Releasing twice is errs.ErrInvalidState.
func (g *Guard[B]) Release() error {
    if !g.released.CompareAndSwap(false, true) {
        return fmt.Errorf("builder: %s released twice: %w", g.consumer, errs.ErrInvalidState)
    }
    if g.parent != nil { return nil }
    s := g.s
    switch g.strategy {
    case StrategyNone:
        s.fire(context.Background(), s.clone(s.b))
        s.unlock(g)
    case StrategyAfterRelease:
        snap := s.clone(s.b)
        s.unlock(g)
        if !s.notes.push(note[B]{b: snap}) {
            logutil.Debugf(s.logger, "builder: closed, notification from %s dropped", g.consumer)
        }
    default:
        s.unlock(g)
    }
    return nil
}

func (s *Synchronizer[B]) unlock(g *Guard[B]) {
    metrics.LockHoldSeconds.Observe(time.Since(g.acquiredAt).Seconds())
    <-s.sem
}

func (s *Synchronizer[B]) fire(ctx context.Context, b B) {
    s.obsMu.RLock()
    obs := append([]Observer[B](nil), s.obs...)
    s.obsMu.RUnlock()
    for _, o := range obs {
        o(ctx, b)
    }
}

func (s *Synchronizer[B]) notifyLoop() {
    defer s.wg.Done()
    for {
        n, ok := s.notes.pop()
        if !ok { return }
        if n.flush != nil {
            close(n.flush)
            continue
        }
        s.fire(context.Background(), n.b)
    }
}

func (s *Synchronizer[B]) jobLoop() {
    defer s.wg.Done()
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    go func() { <-s.closed; cancel() }()
    for {
        j, ok := s.jobs.pop()
        if !ok { return }
        select {
        case <-s.closed:
            j.res <- fmt.Errorf("builder: %s: %w", j.consumer, errs.ErrShutdown)
            continue
        default:
        }
        g, err := s.Acquire(ctx, j.consumer)
        if err != nil {
            if errors.Is(err, context.Canceled) {
                err = fmt.Errorf("builder: %s: %w", j.consumer, errs.ErrShutdown)
            }
            j.res <- err
            continue
        }
        err = j.fn(g.Builder())
        _ = g.Release()
        j.res <- err
    }
}
