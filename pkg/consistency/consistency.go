// Package consistency runs an ordered pipeline of handlers that validate and
// repair registry entries until no handler reports a further repair.
package consistency

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"

    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    "github.com/amirimatin/go-registry/pkg/observability/metrics"
    "github.com/amirimatin/go-registry/pkg/observability/tracing"
)

const (
    DefaultMaxIterations = 64
    DefaultMaxSweeps     = 16
)

// View is the read side of the entry map handed to handlers.
type View[M any] interface {
    Get(key string) (*entry.Entry[M], error)
    Contains(key string) bool
    Entries() []*entry.Entry[M]
    Len() int
}

// Registry is the owning registry as seen by handlers.
type Registry interface {
    Name() string
    TransactionID() uint64
}

// Handler validates one entry. A handler that repaired the entry returns the
// error built by Modified so the pipeline starts over; any other error aborts
// the mutation.
type Handler[M any] interface {
    Name() string
    ProcessEntry(ctx context.Context, id string, e *entry.Entry[M], entries View[M], reg Registry) error
    // Reset clears per-sweep state. It is called before every full sweep.
    Reset()
}

// ModifiedError is the retry signal of a handler.
type ModifiedError struct {
    Handler string
    ID      string
    Reason  string
}

func (e *ModifiedError) Error() string {
    return fmt.Sprintf("consistency: %s modified %s: %s", e.Handler, e.ID, e.Reason)
}

func Modified(handler, id, reason string) error {
    return &ModifiedError{Handler: handler, ID: id, Reason: reason}
}

// CouldNotPerform wraps cause as a consistency failure of handler on id.
func CouldNotPerform(handler, id string, cause error) error {
    if cause == nil {
        return fmt.Errorf("consistency: %s could not perform on %s: %w", handler, id, errs.ErrConsistency)
    }
    return fmt.Errorf("consistency: %s could not perform on %s: %w: %w", handler, id, errs.ErrConsistency, cause)
}

// Report summarizes a sweep.
type Report struct {
    Passes   int
    Modified []string
}

type Options struct {
    // MaxIterations caps the restarts of the pipeline for a single entry.
    MaxIterations int
    // MaxSweeps caps the full passes of Sweep.
    MaxSweeps int
    Logger    *log.Logger
}

type Engine[M any] struct {
    mu        sync.RWMutex
    handlers  []Handler[M]
    maxIter   int
    maxSweeps int
    logger    *log.Logger
}

func New[M any](opts Options) *Engine[M] {
    if opts.MaxIterations <= 0 { opts.MaxIterations = DefaultMaxIterations }
    if opts.MaxSweeps <= 0 { opts.MaxSweeps = DefaultMaxSweeps }
    return &Engine[M]{maxIter: opts.MaxIterations, maxSweeps: opts.MaxSweeps, logger: opts.Logger}
}

// Register appends h; handlers run in registration order.
func (e *Engine[M]) Register(h Handler[M]) {
    if h == nil { return }
    e.mu.Lock()
    e.handlers = append(e.handlers, h)
    e.mu.Unlock()
}

func (e *Engine[M]) Handlers() []Handler[M] {
    e.mu.RLock()
    defer e.mu.RUnlock()
    return append([]Handler[M](nil), e.handlers...)
}

// Reset resets every handler.
func (e *Engine[M]) Reset() {
    for _, h := range e.Handlers() {
        h.Reset()
    }
}

// ProcessEntry runs the pipeline on one entry. Whenever a handler reports a
// repair the pipeline restarts at the first handler, so later handlers only
// see state every earlier handler accepted.
func (e *Engine[M]) ProcessEntry(ctx context.Context, id string, en *entry.Entry[M], entries View[M], reg Registry) (bool, error) {
    hs := e.Handlers()
    modified := false
    repairs := 0
    for i := 0; i < len(hs); {
        if err := ctx.Err(); err != nil {
            return modified, err
        }
        err := hs[i].ProcessEntry(ctx, id, en, entries, reg)
        if err == nil {
            i++
            continue
        }
        var me *ModifiedError
        if !errors.As(err, &me) {
            metrics.ConsistencyFailures.WithLabelValues(hs[i].Name()).Inc()
            return modified, err
        }
        modified = true
        repairs++
        metrics.ConsistencyModifications.WithLabelValues(hs[i].Name()).Inc()
        logutil.Debugf(e.logger, "%v", me)
        if repairs > e.maxIter {
            metrics.ConsistencyFailures.WithLabelValues(hs[i].Name()).Inc()
            return modified, fmt.Errorf("consistency: %s did not settle after %d repairs, last by %s: %w", id, e.maxIter, hs[i].Name(), errs.ErrConsistency)
        }
        i = 0
    }
    return modified, nil
}

// Sweep resets the handlers and runs the pipeline over every entry in
// insertion order, repeating full passes until one reports no repair.
func (e *Engine[M]) Sweep(ctx context.Context, entries View[M], reg Registry) (Report, error) {
    ctx, end := tracing.StartSpan(ctx, "consistency.Sweep")
    defer end()
    var rep Report
    seen := map[string]bool{}
    for pass := 1; pass <= e.maxSweeps; pass++ {
        rep.Passes = pass
        e.Reset()
        mods := 0
        for _, en := range entries.Entries() {
            m, err := e.ProcessEntry(ctx, en.ID(), en, entries, reg)
            if err != nil {
                return rep, err
            }
            if !m { continue }
            mods++
            if !seen[en.ID()] {
                seen[en.ID()] = true
                rep.Modified = append(rep.Modified, en.ID())
            }
        }
        if mods == 0 {
            return rep, nil
        }
    }
    return rep, fmt.Errorf("consistency: no fixpoint after %d sweeps: %w", e.maxSweeps, errs.ErrConsistency)
}
