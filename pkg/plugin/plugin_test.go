package plugin

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "log"
    "strings"
    "testing"

    "github.com/amirimatin/go-registry/pkg/errs"
)

type rec struct{ ID string }

type recorder struct {
    Base[rec]
    name   string
    calls  *[]string
    before error
    closed bool
}

func (r *recorder) BeforeGet(_ context.Context, id string) error {
    *r.calls = append(*r.calls, r.name+":"+id)
    return r.before
}

func (r *recorder) Close(context.Context) error { r.closed = true; return nil }

type failingInit struct{ Base[rec] }

func (failingInit) Init(context.Context) error { return errors.New("no backend") }

func TestBefore_VetoIsFailFast(t *testing.T) {
    var calls []string
    p := NewPool[rec](nil)
    ctx := context.Background()
    _ = p.Add(ctx, &recorder{name: "a", calls: &calls})
    _ = p.Add(ctx, &recorder{name: "b", calls: &calls, before: fmt.Errorf("acl: %w", errs.ErrRejected)})
    _ = p.Add(ctx, &recorder{name: "c", calls: &calls})

    err := p.BeforeGet(ctx, "x")
    if !errors.Is(err, errs.ErrRejected) { t.Fatalf("expected rejection, got %v", err) }
    if strings.Join(calls, ",") != "a:x,b:x" { t.Fatalf("plugins after the veto ran: %v", calls) }
}

func TestBefore_OtherErrorsAreLogged(t *testing.T) {
    var calls []string
    var buf bytes.Buffer
    p := NewPool[rec](log.New(&buf, "", 0))
    ctx := context.Background()
    _ = p.Add(ctx, &recorder{name: "a", calls: &calls, before: errors.New("disk hiccup")})
    _ = p.Add(ctx, &recorder{name: "b", calls: &calls})

    if err := p.BeforeGet(ctx, "x"); err != nil { t.Fatalf("non-veto error must not abort: %v", err) }
    if len(calls) != 2 { t.Fatalf("expected both plugins to run, got %v", calls) }
    if !strings.Contains(buf.String(), "disk hiccup") { t.Fatalf("failure not logged: %q", buf.String()) }
}

func TestLifecycle(t *testing.T) {
    var calls []string
    p := NewPool[rec](nil)
    ctx := context.Background()
    if err := p.Add(ctx, failingInit{}); err == nil { t.Fatalf("expected init failure") }
    if p.Len() != 0 { t.Fatalf("failed plugin was added") }
    r := &recorder{name: "a", calls: &calls}
    _ = p.Add(ctx, r)
    p.Remove(r)
    if p.Len() != 0 { t.Fatalf("remove failed") }
    _ = p.Add(ctx, r)
    if err := p.Close(ctx); err != nil { t.Fatalf("close: %v", err) }
    if !r.closed || p.Len() != 0 { t.Fatalf("close did not reach plugin") }
}
