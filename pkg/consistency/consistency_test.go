package consistency

import (
    "context"
    "errors"
    "fmt"
    "testing"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/errs"
)

type dev struct {
    ID, Label, Loc, Frame string
    N                     int
}

type devAcc struct{}

func (devAcc) ID(d dev) (string, bool)     { return d.ID, d.ID != "" }
func (devAcc) WithID(d dev, id string) dev { d.ID = id; return d }

type sliceView []*entry.Entry[dev]

func (v sliceView) Get(key string) (*entry.Entry[dev], error) {
    for _, e := range v {
        if e.ID() == key { return e, nil }
    }
    return nil, fmt.Errorf("%s: %w", key, errs.ErrNotAvailable)
}
func (v sliceView) Contains(key string) bool    { _, err := v.Get(key); return err == nil }
func (v sliceView) Entries() []*entry.Entry[dev] { return v }
func (v sliceView) Len() int                     { return len(v) }

type fakeReg struct{}

func (fakeReg) Name() string          { return "test" }
func (fakeReg) TransactionID() uint64 { return 0 }

func newDev(t *testing.T, d dev) *entry.Entry[dev] {
    t.Helper()
    e, err := entry.New(d, devAcc{}, nil)
    require.NoError(t, err)
    return e
}

var locationFrames = map[string]string{"kitchen": "kitchen", "hall": ""}

func frameHandler() *FrameIDHandler[dev] {
    return &FrameIDHandler[dev]{
        Label:       func(d dev) string { return d.Label },
        FrameID:     func(d dev) string { return d.Frame },
        WithFrameID: func(d dev, f string) dev { d.Frame = f; return d },
        ParentFrameID: func(_ context.Context, d dev, _ View[dev]) (string, error) {
            f, ok := locationFrames[d.Loc]
            if !ok { return "", fmt.Errorf("location %s: %w", d.Loc, errs.ErrNotAvailable) }
            return f, nil
        },
    }
}

func TestNormalizeFrameID(t *testing.T) {
    require.Equal(t, "ceiling_lamp", NormalizeFrameID("  Ceiling \t Lamp "))
    require.Equal(t, "", NormalizeFrameID("   "))
}

func TestFrameID_CollisionAndIdempotence(t *testing.T) {
    eng := New[dev](Options{})
    eng.Register(frameHandler())
    view := sliceView{
        newDev(t, dev{ID: "a", Label: "Lamp", Loc: "kitchen"}),
        newDev(t, dev{ID: "b", Label: "lamp", Loc: "kitchen"}),
    }
    ctx := context.Background()
    rep, err := eng.Sweep(ctx, view, fakeReg{})
    require.NoError(t, err)
    require.Equal(t, []string{"a", "b"}, rep.Modified)
    require.Equal(t, "lamp", view[0].Payload().Frame)
    require.Equal(t, "kitchen_lamp", view[1].Payload().Frame)

    rep, err = eng.Sweep(ctx, view, fakeReg{})
    require.NoError(t, err)
    require.Empty(t, rep.Modified)
    require.Equal(t, 1, rep.Passes)
}

func TestFrameID_ResetAllowsReuse(t *testing.T) {
    h := frameHandler()
    ctx := context.Background()
    a := newDev(t, dev{ID: "a", Label: "Lamp", Loc: "kitchen"})
    b := newDev(t, dev{ID: "b", Label: "Lamp", Loc: "kitchen"})
    require.Error(t, h.ProcessEntry(ctx, "a", a, sliceView{a}, fakeReg{}))
    require.Equal(t, "lamp", a.Payload().Frame)

    h.Reset()
    var me *ModifiedError
    require.ErrorAs(t, h.ProcessEntry(ctx, "b", b, sliceView{b}, fakeReg{}), &me)
    require.Equal(t, "lamp", b.Payload().Frame)
}

func TestFrameID_CouldNotPerform(t *testing.T) {
    eng := New[dev](Options{})
    eng.Register(frameHandler())
    view := sliceView{
        newDev(t, dev{ID: "a", Label: "Lamp", Loc: "hall"}),
        newDev(t, dev{ID: "b", Label: "lamp", Loc: "hall"}),
    }
    _, err := eng.Sweep(context.Background(), view, fakeReg{})
    require.ErrorIs(t, err, errs.ErrConsistency)
}

type funcHandler struct {
    name string
    fn   func(ctx context.Context, id string, e *entry.Entry[dev]) error
}

func (h *funcHandler) Name() string { return h.name }
func (h *funcHandler) Reset()       {}
func (h *funcHandler) ProcessEntry(ctx context.Context, id string, e *entry.Entry[dev], _ View[dev], _ Registry) error {
    return h.fn(ctx, id, e)
}

func TestProcessEntry_RestartsFromFirstHandler(t *testing.T) {
    var trace []string
    eng := New[dev](Options{})
    eng.Register(&funcHandler{name: "first", fn: func(context.Context, string, *entry.Entry[dev]) error {
        trace = append(trace, "first")
        return nil
    }})
    eng.Register(&funcHandler{name: "bump", fn: func(ctx context.Context, id string, e *entry.Entry[dev]) error {
        trace = append(trace, "bump")
        p := e.Payload()
        if p.N >= 2 { return nil }
        p.N++
        _ = e.Replace(ctx, p)
        return Modified("bump", id, "n incremented")
    }})
    eng.Register(&funcHandler{name: "last", fn: func(_ context.Context, _ string, e *entry.Entry[dev]) error {
        trace = append(trace, "last")
        if e.Payload().N != 2 { return errors.New("last saw unsettled state") }
        return nil
    }})
    e := newDev(t, dev{ID: "x"})
    modified, err := eng.ProcessEntry(context.Background(), "x", e, sliceView{e}, fakeReg{})
    require.NoError(t, err)
    require.True(t, modified)
    require.Equal(t, []string{"first", "bump", "first", "bump", "first", "bump", "last"}, trace)
}

func TestProcessEntry_CycleIsCapped(t *testing.T) {
    eng := New[dev](Options{MaxIterations: 5})
    flip := func(name, label string) Handler[dev] {
        return &funcHandler{name: name, fn: func(ctx context.Context, id string, e *entry.Entry[dev]) error {
            p := e.Payload()
            if p.Label == label { return nil }
            p.Label = label
            _ = e.Replace(ctx, p)
            return Modified(name, id, "label")
        }}
    }
    eng.Register(flip("left", "l"))
    eng.Register(flip("right", "r"))
    e := newDev(t, dev{ID: "x"})
    _, err := eng.ProcessEntry(context.Background(), "x", e, sliceView{e}, fakeReg{})
    require.ErrorIs(t, err, errs.ErrConsistency)
    require.Contains(t, err.Error(), "right")
}

func TestCouldNotPerform_KeepsCause(t *testing.T) {
    err := CouldNotPerform("h", "id", errs.ErrNotAvailable)
    require.ErrorIs(t, err, errs.ErrConsistency)
    require.ErrorIs(t, err, errs.ErrNotAvailable)
}
