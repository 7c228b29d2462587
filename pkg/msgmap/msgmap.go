// Package msgmap keeps an insertion-ordered key → entry map mirrored into a
// repeated field of the shared builder.
//
// Every structural change and every payload replacement rebuilds the whole
// field under the builder lock. That is O(n) per mutation, which is fine for
// configuration data where writes are rare compared to reads.
package msgmap

import (
    "context"
    "fmt"
    "log"
    "sync"

    "github.com/amirimatin/go-registry/pkg/builder"
    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
)

// Field selects the repeated field of the aggregate that mirrors the map.
type Field[M any, B any] func(b *B) *[]M

type Options struct {
    // Name identifies the map as a lock consumer and in log lines.
    Name   string
    Logger *log.Logger
}

type Map[M any, B any] struct {
    mu      sync.RWMutex
    order   []string
    entries map[string]*entry.Entry[M]
    closed  bool

    lock   *builder.Synchronizer[B]
    field  Field[M, B]
    name   string
    logger *log.Logger
    hook   *replaceHook[M, B]
}

// replaceHook is the map's entry observer.
type replaceHook[M any, B any] struct{ m *Map[M, B] }

func (h *replaceHook[M, B]) EntryReplaced(ctx context.Context, _ *entry.Entry[M], _ M) error {
    return h.m.rebuild(ctx)
}

func New[M any, B any](s *builder.Synchronizer[B], field Field[M, B], opts Options) *Map[M, B] {
    if opts.Name == "" { opts.Name = "msgmap" }
    m := &Map[M, B]{
        entries: make(map[string]*entry.Entry[M]),
        lock:    s,
        field:   field,
        name:    opts.Name,
        logger:  opts.Logger,
    }
    m.hook = &replaceHook[M, B]{m: m}
    return m
}

// Put registers e under its id, replacing (and unhooking) any previous entry
// at the same position. It returns the previous entry, or nil.
func (m *Map[M, B]) Put(ctx context.Context, e *entry.Entry[M]) (*entry.Entry[M], error) {
    if e == nil {
        return nil, fmt.Errorf("%s: nil entry: %w", m.name, errs.ErrNotAvailable)
    }
    var prev *entry.Entry[M]
    err := m.mutate(ctx, func() error {
        prev = m.putLocked(e)
        return nil
    })
    return prev, err
}

func (m *Map[M, B]) putLocked(e *entry.Entry[M]) *entry.Entry[M] {
    key := e.ID()
    prev, ok := m.entries[key]
    if !ok {
        m.order = append(m.order, key)
    } else if prev != e {
        prev.RemoveObserver(m.hook)
    }
    m.entries[key] = e
    if prev != e {
        e.AddObserver(m.hook)
    }
    return prev
}

// PutAll puts every entry and rebuilds once.
func (m *Map[M, B]) PutAll(ctx context.Context, es []*entry.Entry[M]) error {
    return m.mutate(ctx, func() error {
        for _, e := range es {
            if e != nil { m.putLocked(e) }
        }
        return nil
    })
}

// Remove drops key. A missing key is errs.ErrNotAvailable.
func (m *Map[M, B]) Remove(ctx context.Context, key string) (*entry.Entry[M], error) {
    var e *entry.Entry[M]
    err := m.mutate(ctx, func() error {
        var ok bool
        if e, ok = m.entries[key]; !ok {
            return fmt.Errorf("%s: %s: %w", m.name, key, errs.ErrNotAvailable)
        }
        e.RemoveObserver(m.hook)
        delete(m.entries, key)
        for i, k := range m.order {
            if k == key {
                m.order = append(m.order[:i], m.order[i+1:]...)
                break
            }
        }
        return nil
    })
    if err != nil { return nil, err }
    return e, nil
}

// Clear unhooks every entry, empties the map and rebuilds.
func (m *Map[M, B]) Clear(ctx context.Context) error {
    return m.mutate(ctx, func() error {
        m.clearLocked()
        return nil
    })
}

func (m *Map[M, B]) clearLocked() {
    for _, e := range m.entries {
        e.RemoveObserver(m.hook)
    }
    m.entries = make(map[string]*entry.Entry[M])
    m.order = nil
}

// Restore replaces the whole content with es, keeping their order. Used to
// roll back a failed transaction.
func (m *Map[M, B]) Restore(ctx context.Context, es []*entry.Entry[M]) error {
    return m.mutate(ctx, func() error {
        m.clearLocked()
        for _, e := range es {
            m.putLocked(e)
        }
        return nil
    })
}

func (m *Map[M, B]) Get(key string) (*entry.Entry[M], error) {
    m.mu.RLock()
    defer m.mu.RUnlock()
    e, ok := m.entries[key]
    if !ok {
        return nil, fmt.Errorf("%s: %s: %w", m.name, key, errs.ErrNotAvailable)
    }
    return e, nil
}

// GetByMessage derives the key from msg (generating one when msg has no id)
// and looks it up.
func (m *Map[M, B]) GetByMessage(msg M, acc entry.Accessor[M], gen entry.Generator[M]) (*entry.Entry[M], error) {
    if _, ok := acc.ID(msg); !ok {
        var err error
        if msg, err = entry.AssignID(msg, acc, gen); err != nil {
            return nil, err
        }
    }
    id, err := entry.IDOf(msg, acc)
    if err != nil {
        return nil, err
    }
    return m.Get(id)
}

func (m *Map[M, B]) Contains(key string) bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    _, ok := m.entries[key]
    return ok
}

func (m *Map[M, B]) Len() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return len(m.order)
}

// Keys returns the keys in insertion order.
func (m *Map[M, B]) Keys() []string {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return append([]string(nil), m.order...)
}

// Entries returns the entries in insertion order.
func (m *Map[M, B]) Entries() []*entry.Entry[M] {
    m.mu.RLock()
    defer m.mu.RUnlock()
    out := make([]*entry.Entry[M], 0, len(m.order))
    for _, k := range m.order {
        out = append(out, m.entries[k])
    }
    return out
}

// Payloads returns the current payloads in insertion order.
func (m *Map[M, B]) Payloads() []M {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.payloadsLocked()
}

func (m *Map[M, B]) payloadsLocked() []M {
    out := make([]M, 0, len(m.order))
    for _, k := range m.order {
        out = append(out, m.entries[k].Payload())
    }
    return out
}

// Shutdown turns every later mutation into a no-op and unhooks all entries.
// The content stays readable.
func (m *Map[M, B]) Shutdown() {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return }
    m.closed = true
    for _, e := range m.entries {
        e.RemoveObserver(m.hook)
    }
}

// mutate applies fn and rewrites the builder field within one guard, so the
// map only changes while the builder lock is held. When the lock cannot be
// had, fn does not run. A mutation on a shut down map is a no-op.
func (m *Map[M, B]) mutate(ctx context.Context, fn func() error) error {
    g, err := m.lock.Acquire(ctx, m.name)
    if err != nil {
        return fmt.Errorf("%s: %w", m.name, err)
    }
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return g.Release()
    }
    if err := fn(); err != nil {
        m.mu.Unlock()
        _ = g.Release()
        return err
    }
    payloads := m.payloadsLocked()
    *m.field(g.Builder()) = payloads
    m.mu.Unlock()
    logutil.Debugf(m.logger, "%s: rebuilt field with %d entries", m.name, len(payloads))
    return g.Release()
}

// rebuild rewrites the field after a payload replacement.
func (m *Map[M, B]) rebuild(ctx context.Context) error {
    return m.mutate(ctx, func() error { return nil })
}
