// Package membership is the gossip layer registry nodes use to find each
// other. An authoritative node announces its registry endpoint in its member
// metadata; replicas locate it from there.
package membership

import (
    "context"
    "fmt"
    "sort"
    "time"

    "github.com/amirimatin/go-registry/pkg/errs"
)

// Metadata keys announced by registry nodes.
const (
    MetaRegistryAddr = "registry"
    MetaRole         = "role"
    MetaName         = "name"

    RoleAuthoritative = "authoritative"
    RoleReplica       = "replica"
)

// MemberInfo describes a member as observed by the membership layer. Meta
// carries the announced registry endpoint and role.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the gossip/failure-detection layer.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// Locator resolves the registry endpoint of the authoritative node for a
// registry name (empty matches any).
type Locator struct {
    Members Membership
    Name    string
    // Poll is the retry interval while no authoritative member is visible.
    Poll time.Duration
}

// Find returns the endpoint currently announced, or errs.ErrNotAvailable.
// Ties are broken by member id so every replica picks the same node.
func (l Locator) Find() (string, error) {
    if l.Members == nil { return "", fmt.Errorf("membership: no members source: %w", errs.ErrNotAvailable) }
    ms := l.Members.Members()
    sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
    for _, m := range ms {
        if m.Meta[MetaRole] != RoleAuthoritative || m.Meta[MetaRegistryAddr] == "" { continue }
        if l.Name != "" && m.Meta[MetaName] != l.Name { continue }
        return m.Meta[MetaRegistryAddr], nil
    }
    return "", fmt.Errorf("membership: no authoritative node for %q: %w", l.Name, errs.ErrNotAvailable)
}

// Locate waits until an authoritative node is visible or ctx is done.
func (l Locator) Locate(ctx context.Context) (string, error) {
    poll := l.Poll
    if poll <= 0 { poll = 200 * time.Millisecond }
    for {
        addr, err := l.Find()
        if err == nil { return addr, nil }
        select {
        case <-ctx.Done():
            return "", err
        case <-time.After(poll):
        }
    }
}

// HealthReporter is implemented by memberships that expose a health score,
// -1 when not running.
type HealthReporter interface {
    HealthScore() int
}
