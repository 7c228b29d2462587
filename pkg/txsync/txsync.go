// Package txsync provides read-your-writes futures for remote registry
// writes. A Future completes only after the local replica has observed the
// transaction id the write produced.
package txsync

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

// Replica is the local read copy a Future synchronizes against.
type Replica interface {
    // TransactionID is the highest transaction id applied so far.
    TransactionID() uint64
    // Changes subscribes to data updates. The channel is coalescing (a
    // pending signal absorbs further ones); cancel unsubscribes.
    Changes() (ch <-chan struct{}, cancel func())
    // Done is closed when the replica shuts down.
    Done() <-chan struct{}
}

// TxOf extracts the transaction id from a write result. ok=false marks a
// legacy sender that attaches none.
type TxOf[V any] func(v V) (tx uint64, ok bool)

type Future[V any] struct {
    replica Replica
    txOf    TxOf[V]
    logger  *log.Logger

    done  chan struct{}
    val   V
    err   error
    tx    uint64
    hasTx bool

    cancelInner context.CancelFunc
    canceled    chan struct{}
    cancelOnce  sync.Once
    warned      atomic.Bool
}

// Go starts fn and returns a future for its result.
func Go[V any](ctx context.Context, replica Replica, txOf TxOf[V], fn func(ctx context.Context) (V, error)) *Future[V] {
    ictx, cancel := context.WithCancel(ctx)
    f := &Future[V]{
        replica:     replica,
        txOf:        txOf,
        done:        make(chan struct{}),
        cancelInner: cancel,
        canceled:    make(chan struct{}),
    }
    go func() {
        defer close(f.done)
        f.val, f.err = fn(ictx)
        if f.err == nil && txOf != nil {
            f.tx, f.hasTx = txOf(f.val)
        }
    }()
    return f
}

// Failed returns a future that is already completed with err.
func Failed[V any](err error) *Future[V] {
    f := &Future[V]{done: make(chan struct{}), canceled: make(chan struct{}), err: err, cancelInner: func() {}}
    close(f.done)
    return f
}

// SetLogger sets the logger for legacy-sender warnings. It returns f.
func (f *Future[V]) SetLogger(l *log.Logger) *Future[V] { f.logger = l; return f }

// Done is closed once the inner call has returned.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// Cancel stops the inner call and every pending Get.
func (f *Future[V]) Cancel() {
    f.cancelOnce.Do(func() {
        close(f.canceled)
        f.cancelInner()
    })
}

// GetTimeout is Get bounded by d.
func (f *Future[V]) GetTimeout(d time.Duration) (V, error) {
    ctx, cancel := context.WithTimeout(context.Background(), d)
    defer cancel()
    return f.Get(ctx)
}

// Get waits for the inner result and then for the replica to reach its
// transaction id. Inner errors are returned unchanged; an expired ctx
// deadline is errs.ErrTimeout; a replica shutdown is errs.ErrShutdown.
func (f *Future[V]) Get(ctx context.Context) (V, error) {
    var zero V
    select {
    case <-f.done:
    case <-f.canceled:
        return zero, context.Canceled
    case <-ctx.Done():
        return zero, f.waitErr(ctx, "write result")
    }
    if f.err != nil {
        return zero, f.err
    }
    if !f.hasTx {
        if f.warned.CompareAndSwap(false, true) {
            logutil.Warnf(f.logger, "txsync: response carries no transaction id, returning without synchronization")
        }
        return f.val, nil
    }
    if f.replica == nil {
        return zero, fmt.Errorf("txsync: no replica to synchronize tx %d: %w", f.tx, errs.ErrNotAvailable)
    }

    start := time.Now()
    ch, unsubscribe := f.replica.Changes()
    defer unsubscribe()
    for {
        cur := f.replica.TransactionID()
        if cur >= f.tx {
            metrics.SyncWaitSeconds.WithLabelValues("ok").Observe(time.Since(start).Seconds())
            return f.val, nil
        }
        select {
        case <-ch:
        case <-f.replica.Done():
            metrics.SyncWaitSeconds.WithLabelValues("shutdown").Observe(time.Since(start).Seconds())
            return zero, fmt.Errorf("txsync: replica shut down at tx %d while waiting for %d: %w", cur, f.tx, errs.ErrShutdown)
        case <-f.canceled:
            return zero, context.Canceled
        case <-ctx.Done():
            metrics.SyncWaitSeconds.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
            return zero, f.waitErr(ctx, fmt.Sprintf("tx %d (replica at %d)", f.tx, cur))
        }
    }
}

// TransactionID reports the write's transaction id once the inner call has
// completed successfully.
func (f *Future[V]) TransactionID() (uint64, bool) {
    select {
    case <-f.done:
        return f.tx, f.hasTx
    default:
        return 0, false
    }
}

func (f *Future[V]) waitErr(ctx context.Context, what string) error {
    if errors.Is(ctx.Err(), context.DeadlineExceeded) {
        return fmt.Errorf("txsync: waiting for %s: %w", what, errs.ErrTimeout)
    }
    return ctx.Err()
}
