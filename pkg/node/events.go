package node

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-registry/pkg/membership"
)

type EventType string

const (
    EventCommitted   EventType = "committed"
    EventMemberJoin  EventType = "member_join"
    EventMemberLeave EventType = "member_leave"
)

// Event is an application-consumable notification. Only the fields relevant
// to the type are set.
type Event struct {
    Type          EventType
    At            time.Time
    TransactionID uint64
    Member        *membership.MemberInfo
}

// Events returns a channel of node events, closed when ctx is done. Delivery
// is best effort: a slow consumer misses events.
func (n *Node[M]) Events(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
