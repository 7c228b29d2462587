package registry

import (
    "context"
    "sync"

    "github.com/amirimatin/go-registry/pkg/observability/metrics"
)

// Subscribe returns a channel of committed snapshots, starting with the
// current one. The channel is buffered and closed when ctx is done. A slow
// consumer loses its oldest buffered snapshot rather than the newest, so it
// may skip intermediate versions but always ends up at the latest. Snapshots
// can arrive out of order around the initial one; compare TransactionID.
func (r *Registry[M]) Subscribe(ctx context.Context) <-chan Snapshot[M] {
    ch := make(chan Snapshot[M], 16)
    r.bus.add(ch)
    if snap, err := r.Snapshot(ctx); err == nil {
        r.bus.offer(ch, snap)
    }
    go func() {
        select {
        case <-ctx.Done():
        case <-r.done:
        }
        r.bus.remove(ch)
        close(ch)
    }()
    return ch
}

// OnChange registers fn to be called with every committed snapshot, in commit
// order, after the builder lock has been released.
func (r *Registry[M]) OnChange(fn func(Snapshot[M])) {
    if fn == nil { return }
    r.hooksMu.Lock()
    r.hooks = append(r.hooks, fn)
    r.hooksMu.Unlock()
}

type snapshotBus[M any] struct {
    mu   sync.Mutex
    subs map[chan Snapshot[M]]struct{}
}

func (b *snapshotBus[M]) add(ch chan Snapshot[M]) {
    b.mu.Lock()
    if b.subs == nil { b.subs = make(map[chan Snapshot[M]]struct{}) }
    b.subs[ch] = struct{}{}
    metrics.Subscribers.Set(float64(len(b.subs)))
    b.mu.Unlock()
}

func (b *snapshotBus[M]) remove(ch chan Snapshot[M]) {
    b.mu.Lock()
    if b.subs != nil { delete(b.subs, ch) }
    metrics.Subscribers.Set(float64(len(b.subs)))
    b.mu.Unlock()
}

func (b *snapshotBus[M]) count() int {
    b.mu.Lock()
    defer b.mu.Unlock()
    return len(b.subs)
}

func (b *snapshotBus[M]) publish(s Snapshot[M]) {
    b.mu.Lock()
    for ch := range b.subs {
        b.send(ch, s)
    }
    b.mu.Unlock()
}

func (b *snapshotBus[M]) offer(ch chan Snapshot[M], s Snapshot[M]) {
    b.mu.Lock()
    if _, ok := b.subs[ch]; ok {
        b.send(ch, s)
    }
    b.mu.Unlock()
}

// send must be called with mu held; only the bus writes to subscriber channels.
func (b *snapshotBus[M]) send(ch chan Snapshot[M], s Snapshot[M]) {
    select {
    case ch <- s:
        metrics.SnapshotsBroadcast.Inc()
        return
    default:
    }
    // full: drop the oldest buffered snapshot
    select {
    case <-ch:
        metrics.SnapshotsDropped.Inc()
    default:
    }
    select {
    case ch <- s:
        metrics.SnapshotsBroadcast.Inc()
    default:
        metrics.SnapshotsDropped.Inc()
    }
}
