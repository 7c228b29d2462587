package remote

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/google/go-cmp/cmp"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-registry/pkg/codec"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/transport"
)

type item struct {
    ID   string `json:"id"`
    Name string `json:"name"`
}

type itemAcc struct{}

func (itemAcc) ID(i item) (string, bool)     { return i.ID, i.ID != "" }
func (itemAcc) WithID(i item, id string) item { i.ID = id; return i }

func enc(t *testing.T, items ...item) [][]byte {
    t.Helper()
    out := make([][]byte, 0, len(items))
    for _, it := range items {
        b, err := json.Marshal(it)
        require.NoError(t, err)
        out = append(out, b)
    }
    return out
}

// origin is an in-memory authoritative side. Published snapshots reach
// subscribers only when release is called, so tests control replica lag.
type origin struct {
    mu       sync.Mutex
    tx       uint64
    items    []item
    pending  []transport.Snapshot
    streams  []chan transport.Snapshot
    failures int
    legacy   bool
}

func (o *origin) snapshot() transport.Snapshot {
    s := transport.Snapshot{TransactionID: o.tx}
    for _, it := range o.items {
        b, _ := json.Marshal(it)
        s.Entries = append(s.Entries, b)
    }
    return s
}

func (o *origin) PostWrite(_ context.Context, _ string, req transport.WriteRequest) (transport.WriteResponse, error) {
    o.mu.Lock()
    defer o.mu.Unlock()
    switch req.Op {
    case "register":
        var it item
        if err := json.Unmarshal(req.Data, &it); err != nil { return transport.WriteResponse{}, err }
        if it.ID == "" { it.ID = fmt.Sprintf("id%d", len(o.items)+1) }
        o.items = append(o.items, it)
        o.tx++
        o.pending = append(o.pending, o.snapshot())
        b, _ := json.Marshal(it)
        if o.legacy { return transport.WriteResponse{Data: b}, nil }
        tx := o.tx
        return transport.WriteResponse{Data: b, TransactionID: &tx}, nil
    case "remove":
        return transport.WriteResponse{Error: fmt.Sprintf("registry: remove %q: %v", req.ID, errs.ErrNotAvailable)}, nil
    }
    return transport.WriteResponse{Error: "unsupported"}, nil
}

func (o *origin) GetStatus(context.Context, string) ([]byte, error) { return []byte("{}"), nil }

func (o *origin) GetSnapshot(context.Context, string) (transport.Snapshot, error) {
    o.mu.Lock()
    defer o.mu.Unlock()
    return o.snapshot(), nil
}

func (o *origin) Subscribe(ctx context.Context, _ string, _ string, onSnap func(transport.Snapshot)) error {
    o.mu.Lock()
    if o.failures > 0 {
        o.failures--
        o.mu.Unlock()
        return errors.New("connection refused")
    }
    ch := make(chan transport.Snapshot, 16)
    ch <- o.snapshot()
    o.streams = append(o.streams, ch)
    o.mu.Unlock()
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case s := <-ch:
            onSnap(s)
        }
    }
}

func (o *origin) release() {
    o.mu.Lock()
    defer o.mu.Unlock()
    for _, s := range o.pending {
        for _, ch := range o.streams { ch <- s }
    }
    o.pending = nil
}

func (o *origin) streamCount() int {
    o.mu.Lock()
    defer o.mu.Unlock()
    return len(o.streams)
}

func newReplica(t *testing.T, o *origin) *Replica[item] {
    t.Helper()
    r, err := New(Options[item]{Codec: codec.JSON[item]{}, Accessor: itemAcc{}, Client: o, Addr: "origin", NodeID: "r1", MinBackoff: 10 * time.Millisecond})
    require.NoError(t, err)
    t.Cleanup(func() { _ = r.Close() })
    return r
}

func waitTx(t *testing.T, r *Replica[item], tx uint64) {
    t.Helper()
    deadline := time.Now().Add(3 * time.Second)
    for r.TransactionID() < tx {
        if time.Now().After(deadline) { t.Fatalf("replica stuck at tx %d, want %d", r.TransactionID(), tx) }
        time.Sleep(5 * time.Millisecond)
    }
}

func TestApplyIgnoresStale(t *testing.T) {
    r := newReplica(t, &origin{})
    ok, err := r.Apply(transport.Snapshot{TransactionID: 3, Entries: enc(t, item{ID: "a", Name: "A"})})
    require.NoError(t, err)
    require.True(t, ok)

    ok, err = r.Apply(transport.Snapshot{TransactionID: 2, Entries: enc(t, item{ID: "b"})})
    require.NoError(t, err)
    require.False(t, ok)
    require.Equal(t, uint64(3), r.TransactionID())
    require.True(t, r.Contains("a"))
    require.False(t, r.Contains("b"))

    _, err = r.Apply(transport.Snapshot{TransactionID: 4, Entries: [][]byte{[]byte("{broken")}})
    require.Error(t, err)
    require.Equal(t, uint64(3), r.TransactionID())

    _, err = r.Get("zzz")
    require.ErrorIs(t, err, errs.ErrNotAvailable)
    if diff := cmp.Diff([]item{{ID: "a", Name: "A"}}, r.GetAll()); diff != "" { t.Fatalf("entries (-want +got):\n%s", diff) }
}

func TestRegisterWaitsForReplica(t *testing.T) {
    o := &origin{tx: 1}
    r := newReplica(t, o)
    require.NoError(t, r.Start(context.Background()))
    waitTx(t, r, 1)

    f := r.Register(context.Background(), item{Name: "lamp"})
    <-f.Done()
    tx, ok := f.TransactionID()
    require.True(t, ok)
    require.Equal(t, uint64(2), tx)

    got := make(chan error, 1)
    go func() { _, err := f.GetTimeout(3 * time.Second); got <- err }()
    select {
    case err := <-got:
        t.Fatalf("future completed before the replica saw tx 2: %v", err)
    case <-time.After(50 * time.Millisecond):
    }
    o.release()
    require.NoError(t, <-got)
    require.True(t, r.Contains("id1"))
    res, err := f.GetTimeout(time.Second)
    require.NoError(t, err)
    require.Equal(t, "lamp", res.Value.Name)
}

func TestRegisterTimesOutWithoutSnapshot(t *testing.T) {
    o := &origin{}
    r := newReplica(t, o)
    _, err := r.Register(context.Background(), item{Name: "x"}).GetTimeout(200 * time.Millisecond)
    require.ErrorIs(t, err, errs.ErrTimeout)
}

func TestRemoteErrorsKeepTheirKind(t *testing.T) {
    r := newReplica(t, &origin{})
    _, err := r.Remove(context.Background(), "nope").GetTimeout(time.Second)
    require.ErrorIs(t, err, errs.ErrNotAvailable)
}

func TestLegacyResponseSkipsSync(t *testing.T) {
    r := newReplica(t, &origin{legacy: true})
    res, err := r.Register(context.Background(), item{Name: "old"}).GetTimeout(time.Second)
    require.NoError(t, err)
    require.True(t, res.Legacy)
    require.Equal(t, "old", res.Value.Name)
}

func TestReconnectsAfterFailures(t *testing.T) {
    o := &origin{tx: 7, failures: 2}
    r := newReplica(t, o)
    require.NoError(t, r.Start(context.Background()))
    waitTx(t, r, 7)
    require.Equal(t, 1, o.streamCount())
    require.ErrorIs(t, r.Start(context.Background()), errs.ErrInvalidState)
}

func TestCloseFailsPendingWaits(t *testing.T) {
    o := &origin{tx: 1}
    r := newReplica(t, o)
    ctx, cancel := context.WithCancel(context.Background())
    require.NoError(t, r.Start(ctx))
    waitTx(t, r, 1)

    f := r.Register(context.Background(), item{Name: "x"})
    go func() { time.Sleep(30 * time.Millisecond); cancel() }()
    _, err := f.GetTimeout(3 * time.Second)
    require.ErrorIs(t, err, errs.ErrShutdown)
    select {
    case <-r.Done():
    default:
        t.Fatalf("replica not shut down after its context ended")
    }
}

type locator struct{ addr string }

func (l locator) Locate(context.Context) (string, error) { return l.addr, nil }

func TestValidate(t *testing.T) {
    _, err := New(Options[item]{Codec: codec.JSON[item]{}, Accessor: itemAcc{}, Client: &origin{}})
    require.ErrorIs(t, err, errs.ErrVerificationFailed)
    r, err := New(Options[item]{Codec: codec.JSON[item]{}, Accessor: itemAcc{}, Client: &origin{}, Locator: locator{"x:1"}})
    require.NoError(t, err)
    addr, err := r.resolve(context.Background())
    require.NoError(t, err)
    require.Equal(t, "x:1", addr)
}
