package builder

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/amirimatin/go-registry/pkg/errs"
)

type agg struct {
    N     int
    Items []string
}

func newSync(t *testing.T, opts Options[agg]) *Synchronizer[agg] {
    t.Helper()
    if opts.Clone == nil {
        opts.Clone = func(a agg) agg { a.Items = append([]string(nil), a.Items...); return a }
    }
    s := New(agg{}, opts)
    t.Cleanup(func() { _ = s.Close() })
    return s
}

func TestMutualExclusion(t *testing.T) {
    s := newSync(t, Options[agg]{DefaultStrategy: StrategySkip})
    const n = 50
    var wg sync.WaitGroup
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            g, err := s.Acquire(context.Background(), "inc")
            if err != nil { t.Errorf("acquire: %v", err); return }
            v := g.Builder().N
            time.Sleep(time.Millisecond)
            g.Builder().N = v + 1
            _ = g.Release()
        }()
    }
    wg.Wait()
    snap, err := s.Snapshot(context.Background())
    if err != nil { t.Fatalf("snapshot: %v", err) }
    if snap.N != n { t.Fatalf("expected %d, got %d", n, snap.N) }
}

func TestAcquire_TimeoutAndCancel(t *testing.T) {
    s := newSync(t, Options[agg]{})
    g, err := s.Acquire(context.Background(), "holder")
    if err != nil { t.Fatalf("acquire: %v", err) }
    defer g.Release()

    if _, err := s.AcquireTimeout("waiter", 50*time.Millisecond); !errors.Is(err, errs.ErrTimeout) {
        t.Fatalf("expected timeout, got %v", err)
    }
    ctx, cancel := context.WithCancel(context.Background())
    go func() { time.Sleep(20 * time.Millisecond); cancel() }()
    if _, err := s.Acquire(ctx, "waiter"); !errors.Is(err, context.Canceled) {
        t.Fatalf("expected canceled, got %v", err)
    }
}

func TestRelease_Twice(t *testing.T) {
    s := newSync(t, Options[agg]{})
    g, _ := s.Acquire(context.Background(), "a")
    if err := g.Release(); err != nil { t.Fatalf("release: %v", err) }
    if err := g.Release(); !errors.Is(err, errs.ErrInvalidState) {
        t.Fatalf("expected invalid state, got %v", err)
    }
    // lock is free again
    g2, err := s.AcquireTimeout("b", time.Second)
    if err != nil { t.Fatalf("reacquire: %v", err) }
    _ = g2.Release()
}

func TestNestedGuardJoinsHolder(t *testing.T) {
    s := newSync(t, Options[agg]{})
    g, _ := s.Acquire(context.Background(), "outer")
    ctx, cancel := context.WithTimeout(g.Bind(context.Background()), 100*time.Millisecond)
    defer cancel()
    inner, err := s.Acquire(ctx, "inner")
    if err != nil { t.Fatalf("nested acquire: %v", err) }
    inner.Builder().Items = append(inner.Builder().Items, "x")
    if err := inner.Release(); err != nil { t.Fatalf("inner release: %v", err) }
    // still held by outer
    if _, err := s.AcquireTimeout("other", 30*time.Millisecond); !errors.Is(err, errs.ErrTimeout) {
        t.Fatalf("expected outer to still hold the lock, got %v", err)
    }
    _ = g.Release()
    snap, _ := s.Snapshot(context.Background())
    if len(snap.Items) != 1 { t.Fatalf("expected nested edit, got %v", snap.Items) }
}

func TestStrategies(t *testing.T) {
    s := newSync(t, Options[agg]{})
    var calls atomic.Int32
    s.AddObserver(func(_ context.Context, a agg) { calls.Add(1) })

    g, _ := s.Acquire(context.Background(), "none")
    g.Builder().N = 1
    _ = g.Release()
    if calls.Load() != 1 { t.Fatalf("StrategyNone should notify before Release returns") }

    g, _ = s.Acquire(context.Background(), "skip")
    g.SetStrategy(StrategySkip)
    _ = g.Release()

    g, _ = s.Acquire(context.Background(), "after")
    g.SetStrategy(StrategyAfterRelease)
    _ = g.Release()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) && calls.Load() < 2 {
        time.Sleep(5 * time.Millisecond)
    }
    time.Sleep(20 * time.Millisecond)
    if got := calls.Load(); got != 2 {
        t.Fatalf("expected 2 notifications (skip suppressed), got %d", got)
    }
}

func TestAfterReleaseKeepsOrder(t *testing.T) {
    s := newSync(t, Options[agg]{DefaultStrategy: StrategyAfterRelease})
    var mu sync.Mutex
    var seen []int
    s.AddObserver(func(_ context.Context, a agg) { mu.Lock(); seen = append(seen, a.N); mu.Unlock() })
    for i := 1; i <= 20; i++ {
        g, _ := s.Acquire(context.Background(), "w")
        g.Builder().N = i
        _ = g.Release()
    }
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        mu.Lock(); n := len(seen); mu.Unlock()
        if n == 20 { break }
        time.Sleep(5 * time.Millisecond)
    }
    mu.Lock()
    defer mu.Unlock()
    for i, v := range seen {
        if v != i+1 { t.Fatalf("out of order notifications: %v", seen) }
    }
    if len(seen) != 20 { t.Fatalf("expected 20 notifications, got %d", len(seen)) }
}

func TestFlushDeliversQueuedNotifications(t *testing.T) {
    s := newSync(t, Options[agg]{DefaultStrategy: StrategyAfterRelease})
    var last atomic.Int64
    gate := make(chan struct{})
    s.AddObserver(func(_ context.Context, a agg) { <-gate; last.Store(int64(a.N)) })
    for i := 1; i <= 3; i++ {
        g, _ := s.Acquire(context.Background(), "w")
        g.Builder().N = i
        _ = g.Release()
    }

    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
    defer cancel()
    if err := s.Flush(ctx); !errors.Is(err, errs.ErrTimeout) {
        t.Fatalf("expected timeout while observer is blocked, got %v", err)
    }
    close(gate)
    if err := s.Flush(context.Background()); err != nil { t.Fatalf("flush: %v", err) }
    if got := last.Load(); got != 3 { t.Fatalf("flush returned before notification 3, observer at %d", got) }

    _ = s.Close()
    if err := s.Flush(context.Background()); err != nil { t.Fatalf("flush after close: %v", err) }
}

func TestSubmitFIFO(t *testing.T) {
    s := newSync(t, Options[agg]{DefaultStrategy: StrategySkip})
    g, _ := s.Acquire(context.Background(), "holder")
    var results []<-chan error
    for _, v := range []string{"a", "b", "c"} {
        v := v
        results = append(results, s.Submit("job-"+v, func(b *agg) error { b.Items = append(b.Items, v); return nil }))
    }
    _ = g.Release()
    for _, r := range results {
        select {
        case err := <-r:
            if err != nil { t.Fatalf("job: %v", err) }
        case <-time.After(2 * time.Second):
            t.Fatalf("job did not run")
        }
    }
    snap, _ := s.Snapshot(context.Background())
    if got := snap.Items; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
        t.Fatalf("unexpected order: %v", got)
    }
}

func TestClose(t *testing.T) {
    s := New(agg{}, Options[agg]{})
    g, _ := s.Acquire(context.Background(), "holder")
    done := make(chan error, 1)
    go func() { _, err := s.Acquire(context.Background(), "waiter"); done <- err }()
    pending := s.Submit("pending", func(*agg) error { return nil })
    time.Sleep(20 * time.Millisecond)
    _ = g.Release()
    _ = s.Close()
    // the waiter either got the lock before Close or was refused
    if err := <-done; err != nil && !errors.Is(err, errs.ErrShutdown) {
        t.Fatalf("unexpected waiter error: %v", err)
    }
    if err := <-pending; err != nil && !errors.Is(err, errs.ErrShutdown) {
        t.Fatalf("unexpected pending error: %v", err)
    }
    if _, err := s.Acquire(context.Background(), "late"); !errors.Is(err, errs.ErrShutdown) {
        t.Fatalf("expected shutdown, got %v", err)
    }
    if err := <-s.Submit("late", func(*agg) error { return nil }); !errors.Is(err, errs.ErrShutdown) {
        t.Fatalf("expected shutdown, got %v", err)
    }
}
