// Package plugin brackets registry operations with before/after hooks.
//
// A before hook vetoes its operation by returning an error wrapping
// errs.ErrRejected. Any other hook error is logged and the remaining plugins
// still run.
package plugin

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"

    "go.uber.org/multierr"

    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    "github.com/amirimatin/go-registry/pkg/observability/metrics"
)

// Plugin receives the entry and the path of the file about to be touched.
type Plugin[M any] interface {
    BeforeRegister(ctx context.Context, e *entry.Entry[M], path string) error
    AfterRegister(ctx context.Context, e *entry.Entry[M], path string) error
    BeforeUpdate(ctx context.Context, e *entry.Entry[M], path string) error
    AfterUpdate(ctx context.Context, e *entry.Entry[M], path string) error
    BeforeRemove(ctx context.Context, e *entry.Entry[M], path string) error
    AfterRemove(ctx context.Context, e *entry.Entry[M], path string) error
    BeforeGet(ctx context.Context, id string) error
}

// Initializer is implemented by plugins that need setup when added.
type Initializer interface {
    Init(ctx context.Context) error
}

// Closer is implemented by plugins that hold resources.
type Closer interface {
    Close(ctx context.Context) error
}

// Base implements every hook as a no-op; embed it and override what you need.
type Base[M any] struct{}

func (Base[M]) BeforeRegister(context.Context, *entry.Entry[M], string) error { return nil }
func (Base[M]) AfterRegister(context.Context, *entry.Entry[M], string) error  { return nil }
func (Base[M]) BeforeUpdate(context.Context, *entry.Entry[M], string) error   { return nil }
func (Base[M]) AfterUpdate(context.Context, *entry.Entry[M], string) error    { return nil }
func (Base[M]) BeforeRemove(context.Context, *entry.Entry[M], string) error   { return nil }
func (Base[M]) AfterRemove(context.Context, *entry.Entry[M], string) error    { return nil }
func (Base[M]) BeforeGet(context.Context, string) error                       { return nil }

type Pool[M any] struct {
    mu      sync.RWMutex
    plugins []Plugin[M]
    logger  *log.Logger
}

func NewPool[M any](logger *log.Logger) *Pool[M] { return &Pool[M]{logger: logger} }

// Add initializes pl (when it is an Initializer) and appends it. A failing
// Init leaves the pool unchanged.
func (p *Pool[M]) Add(ctx context.Context, pl Plugin[M]) error {
    if pl == nil { return fmt.Errorf("plugin: nil plugin: %w", errs.ErrNotAvailable) }
    if in, ok := pl.(Initializer); ok {
        if err := in.Init(ctx); err != nil {
            return fmt.Errorf("plugin %T: init: %w", pl, err)
        }
    }
    p.mu.Lock()
    p.plugins = append(p.plugins, pl)
    p.mu.Unlock()
    return nil
}

func (p *Pool[M]) Remove(pl Plugin[M]) {
    p.mu.Lock()
    defer p.mu.Unlock()
    for i, x := range p.plugins {
        if x == pl {
            p.plugins = append(p.plugins[:i], p.plugins[i+1:]...)
            return
        }
    }
}

func (p *Pool[M]) Len() int {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return len(p.plugins)
}

// Close closes every Closer plugin and empties the pool.
func (p *Pool[M]) Close(ctx context.Context) error {
    p.mu.Lock()
    pls := p.plugins
    p.plugins = nil
    p.mu.Unlock()
    var err error
    for _, pl := range pls {
        if c, ok := pl.(Closer); ok {
            err = multierr.Append(err, c.Close(ctx))
        }
    }
    return err
}

func (p *Pool[M]) BeforeRegister(ctx context.Context, e *entry.Entry[M], path string) error {
    return p.before("before_register", func(pl Plugin[M]) error { return pl.BeforeRegister(ctx, e, path) })
}

func (p *Pool[M]) AfterRegister(ctx context.Context, e *entry.Entry[M], path string) {
    p.after("after_register", func(pl Plugin[M]) error { return pl.AfterRegister(ctx, e, path) })
}

func (p *Pool[M]) BeforeUpdate(ctx context.Context, e *entry.Entry[M], path string) error {
    return p.before("before_update", func(pl Plugin[M]) error { return pl.BeforeUpdate(ctx, e, path) })
}

func (p *Pool[M]) AfterUpdate(ctx context.Context, e *entry.Entry[M], path string) {
    p.after("after_update", func(pl Plugin[M]) error { return pl.AfterUpdate(ctx, e, path) })
}

func (p *Pool[M]) BeforeRemove(ctx context.Context, e *entry.Entry[M], path string) error {
    return p.before("before_remove", func(pl Plugin[M]) error { return pl.BeforeRemove(ctx, e, path) })
}

func (p *Pool[M]) AfterRemove(ctx context.Context, e *entry.Entry[M], path string) {
    p.after("after_remove", func(pl Plugin[M]) error { return pl.AfterRemove(ctx, e, path) })
}

func (p *Pool[M]) BeforeGet(ctx context.Context, id string) error {
    return p.before("before_get", func(pl Plugin[M]) error { return pl.BeforeGet(ctx, id) })
}

func (p *Pool[M]) snapshot() []Plugin[M] {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return append([]Plugin[M](nil), p.plugins...)
}

func (p *Pool[M]) before(hook string, call func(Plugin[M]) error) error {
    for _, pl := range p.snapshot() {
        err := call(pl)
        if err == nil { continue }
        if errors.Is(err, errs.ErrRejected) {
            metrics.PluginVetoes.WithLabelValues(hook).Inc()
            return fmt.Errorf("plugin %T: %s: %w", pl, hook, err)
        }
        logutil.Warnf(p.logger, "plugin %T: %s failed: %v", pl, hook, err)
    }
    return nil
}

func (p *Pool[M]) after(hook string, call func(Plugin[M]) error) {
    for _, pl := range p.snapshot() {
        if err := call(pl); err != nil {
            logutil.Warnf(p.logger, "plugin %T: %s failed: %v", pl, hook, err)
        }
    }
}
