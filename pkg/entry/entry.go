// Package entry wraps a registry record (the payload message) together with its
// stable identifier and notifies observers whenever the payload is replaced.
package entry

import (
    "context"
    "fmt"
    "log"
    "reflect"
    "strings"
    "sync"

    "github.com/google/uuid"
    "go.uber.org/multierr"

    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
)

// Accessor is the typed capability used to read and inject the id field of a
// payload. ok=false means the payload carries no id at all.
type Accessor[M any] interface {
    ID(m M) (id string, ok bool)
    WithID(m M, id string) M
}

// Generator derives a fresh id for a payload that has none.
type Generator[M any] func(m M) (string, error)

// UUIDGenerator ignores the payload and returns a random UUID.
func UUIDGenerator[M any](M) (string, error) { return uuid.NewString(), nil }

// Observer is notified after an entry's payload has been swapped. Observers
// are compared by value when added or removed, so implementations should be
// pointer types.
type Observer[M any] interface {
    EntryReplaced(ctx context.Context, e *Entry[M], old M) error
}

// Entry is one identifiable, versioned record.
type Entry[M any] struct {
    mu      sync.RWMutex
    id      string
    payload M
    version uint64
    acc     Accessor[M]
    obs     []Observer[M]
    logger  *log.Logger
}

// New wraps payload. An id already present in the payload is kept; otherwise
// gen is asked for one and the returned payload carries it.
func New[M any](payload M, acc Accessor[M], gen Generator[M]) (*Entry[M], error) {
    if isNil(payload) {
        return nil, fmt.Errorf("entry: nil payload: %w", errs.ErrNotAvailable)
    }
    if acc == nil {
        return nil, fmt.Errorf("entry: nil id accessor: %w", errs.ErrNotAvailable)
    }
    if _, ok := acc.ID(payload); !ok {
        var err error
        if payload, err = AssignID(payload, acc, gen); err != nil {
            return nil, err
        }
    }
    id, err := IDOf(payload, acc)
    if err != nil {
        return nil, err
    }
    return &Entry[M]{id: id, payload: payload, acc: acc}, nil
}

// AssignID invokes gen and injects the result. It refuses payloads that
// already carry an id.
func AssignID[M any](payload M, acc Accessor[M], gen Generator[M]) (M, error) {
    if gen == nil {
        return payload, fmt.Errorf("entry: nil id generator: %w", errs.ErrNotAvailable)
    }
    if id, ok := acc.ID(payload); ok {
        return payload, fmt.Errorf("entry: id %q already assigned: %w", id, errs.ErrInvalidState)
    }
    id, err := gen(payload)
    if err != nil {
        return payload, fmt.Errorf("entry: generate id: %w", err)
    }
    if strings.TrimSpace(id) == "" {
        return payload, fmt.Errorf("entry: generator returned empty id: %w", errs.ErrVerificationFailed)
    }
    return acc.WithID(payload, id), nil
}

// IDOf extracts and validates the id of a raw payload.
func IDOf[M any](payload M, acc Accessor[M]) (string, error) {
    if acc == nil || isNil(payload) {
        return "", fmt.Errorf("entry: nil payload: %w", errs.ErrNotAvailable)
    }
    id, ok := acc.ID(payload)
    if !ok {
        return "", fmt.Errorf("entry: id field absent: %w", errs.ErrNotAvailable)
    }
    if strings.TrimSpace(id) == "" {
        return "", fmt.Errorf("entry: empty id: %w", errs.ErrVerificationFailed)
    }
    return id, nil
}

// SetLogger sets the logger used for duplicate-observer warnings.
func (e *Entry[M]) SetLogger(l *log.Logger) { e.mu.Lock(); e.logger = l; e.mu.Unlock() }

func (e *Entry[M]) ID() string { return e.id }

func (e *Entry[M]) Payload() M {
    e.mu.RLock()
    defer e.mu.RUnlock()
    return e.payload
}

// Version counts payload replacements since construction.
func (e *Entry[M]) Version() uint64 {
    e.mu.RLock()
    defer e.mu.RUnlock()
    return e.version
}

// Replace swaps the payload and then notifies every observer synchronously.
// The id is carried over when the new payload has none. Observer failures do
// not undo the swap; they are combined into the returned error (see Failures).
func (e *Entry[M]) Replace(ctx context.Context, payload M) error {
    if isNil(payload) {
        return fmt.Errorf("entry %s: nil payload: %w", e.id, errs.ErrNotAvailable)
    }
    if id, ok := e.acc.ID(payload); !ok {
        payload = e.acc.WithID(payload, e.id)
    } else if id != e.id {
        return fmt.Errorf("entry %s: replacement carries id %q: %w", e.id, id, errs.ErrInvalidState)
    }
    e.mu.Lock()
    old := e.payload
    e.payload = payload
    e.version++
    obs := append([]Observer[M](nil), e.obs...)
    e.mu.Unlock()

    var err error
    for _, o := range obs {
        if oerr := o.EntryReplaced(ctx, e, old); oerr != nil {
            err = multierr.Append(err, fmt.Errorf("observer %T: %w", o, oerr))
        }
    }
    return err
}

// Failures splits an error returned by Replace into the individual observer
// failures.
func Failures(err error) []error { return multierr.Errors(err) }

func (e *Entry[M]) AddObserver(o Observer[M]) {
    if o == nil { return }
    e.mu.Lock()
    defer e.mu.Unlock()
    for _, x := range e.obs {
        if x == o {
            logutil.Warnf(e.logger, "entry %s: observer %T already registered", e.id, o)
            return
        }
    }
    e.obs = append(e.obs, o)
}

func (e *Entry[M]) RemoveObserver(o Observer[M]) {
    e.mu.Lock()
    defer e.mu.Unlock()
    for i, x := range e.obs {
        if x == o {
            e.obs = append(e.obs[:i], e.obs[i+1:]...)
            return
        }
    }
}

func (e *Entry[M]) observerCount() int {
    e.mu.RLock()
    defer e.mu.RUnlock()
    return len(e.obs)
}

func isNil(v any) bool {
    if v == nil { return true }
    switch rv := reflect.ValueOf(v); rv.Kind() {
    case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
        return rv.IsNil()
    }
    return false
}
