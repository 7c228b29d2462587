package txsync

import "sync"

// Feed is a coalescing change notification fan-out usable as the Changes side
// of a Replica.
type Feed struct {
    mu   sync.Mutex
    subs map[chan struct{}]struct{}
}

// Subscribe returns a channel signalled after every Notify and a func that
// unsubscribes. Signals are coalesced: a subscriber that has not consumed the
// previous one gets no second.
func (f *Feed) Subscribe() (<-chan struct{}, func()) {
    ch := make(chan struct{}, 1)
    f.mu.Lock()
    if f.subs == nil { f.subs = make(map[chan struct{}]struct{}) }
    f.subs[ch] = struct{}{}
    f.mu.Unlock()
    var once sync.Once
    return ch, func() {
        once.Do(func() {
            f.mu.Lock()
            delete(f.subs, ch)
            f.mu.Unlock()
        })
    }
}

func (f *Feed) Notify() {
    f.mu.Lock()
    defer f.mu.Unlock()
    for ch := range f.subs {
        select {
        case ch <- struct{}{}:
        default:
        }
    }
}

// Len is the number of live subscriptions.
func (f *Feed) Len() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return len(f.subs)
}
