package unit

import (
    "context"
    "testing"

    "github.com/google/go-cmp/cmp"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/registry"
)

func open(t *testing.T) *registry.Registry[Config] {
    t.Helper()
    opts := Options("units", t.TempDir(), nil)
    opts.InitDB = true
    r, err := registry.New(opts)
    require.NoError(t, err)
    require.NoError(t, r.Open(context.Background()))
    t.Cleanup(func() { _ = r.Close() })
    return r
}

func TestHierarchyAndFrameIDs(t *testing.T) {
    r := open(t)
    ctx := context.Background()

    kitchen, err := r.Register(ctx, Config{ID: "kitchen", Label: "Kitchen"})
    require.NoError(t, err)
    require.Equal(t, "kitchen", kitchen.Value.FrameID)

    hall, err := r.Register(ctx, Config{ID: "hall", Label: "Hall"})
    require.NoError(t, err)

    a, err := r.Register(ctx, Config{ID: "lamp-1", Label: "Lamp", LocationID: hall.Value.ID})
    require.NoError(t, err)
    require.Equal(t, "lamp", a.Value.FrameID)

    b, err := r.Register(ctx, Config{ID: "lamp-2", Label: "lamp", LocationID: "kitchen"})
    require.NoError(t, err)
    require.Equal(t, "kitchen_lamp", b.Value.FrameID)
}

func TestLocationMustExist(t *testing.T) {
    r := open(t)
    ctx := context.Background()

    _, err := r.Register(ctx, Config{ID: "robot", Label: "Robot", LocationID: "nowhere"})
    require.ErrorIs(t, err, errs.ErrConsistency)
    require.ErrorIs(t, err, errs.ErrNotAvailable)

    _, err = r.Register(ctx, Config{ID: "loop", Label: "Loop", LocationID: "loop"})
    require.ErrorIs(t, err, errs.ErrConsistency)

    _, err = r.Register(ctx, Config{ID: "lab", Label: "Lab"})
    require.NoError(t, err)
    _, err = r.Register(ctx, Config{ID: "robot", Label: "Robot", LocationID: "lab"})
    require.NoError(t, err)

    // a location in use cannot be removed
    _, err = r.Remove(ctx, "lab")
    require.ErrorIs(t, err, errs.ErrConsistency)
    require.True(t, r.Contains("lab"))
}

func TestCloneCopiesMeta(t *testing.T) {
    c := Config{ID: "x", Meta: map[string]string{"k": "v"}}
    d := Clone(c)
    d.Meta["k"] = "changed"
    require.Equal(t, "v", c.Meta["k"])
    if diff := cmp.Diff(Config{}, Clone(Config{})); diff != "" { t.Fatalf("zero clone differs:\n%s", diff) }
}
