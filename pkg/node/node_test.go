package node

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/registry"
    "github.com/amirimatin/go-registry/pkg/remote"
    "github.com/amirimatin/go-registry/pkg/transport"
    grpctransport "github.com/amirimatin/go-registry/pkg/transport/grpc"
    "github.com/amirimatin/go-registry/pkg/transport/httpjson"
    "github.com/amirimatin/go-registry/pkg/unit"
)

type stack struct {
    server func() transport.RPCServer
    client func() transport.RPCClient
}

var stacks = map[string]stack{
    "grpc": {
        server: func() transport.RPCServer { return grpctransport.NewServer("127.0.0.1:0") },
        client: func() transport.RPCClient { return grpctransport.NewClient(2 * time.Second) },
    },
    "http": {
        server: func() transport.RPCServer { return httpjson.NewServer("127.0.0.1:0", nil) },
        client: func() transport.RPCClient { return httpjson.NewClient(2 * time.Second) },
    },
}

func authoritative(t *testing.T, srv transport.RPCServer) *Node[unit.Config] {
    t.Helper()
    opts := unit.Options("units", t.TempDir(), nil)
    opts.InitDB = true
    reg, err := registry.New(opts)
    require.NoError(t, err)
    n, err := New(Options[unit.Config]{NodeID: "auth", Registry: reg, Codec: unit.Codec(), RPCServer: srv})
    require.NoError(t, err)
    require.NoError(t, n.Start(context.Background()))
    t.Cleanup(func() { _ = n.Close() })
    return n
}

func replica(t *testing.T, addr string, cl transport.RPCClient) *Node[unit.Config] {
    t.Helper()
    rep, err := remote.New(remote.Options[unit.Config]{Codec: unit.Codec(), Accessor: unit.Accessor{}, Client: cl, Addr: addr, NodeID: "rep-1"})
    require.NoError(t, err)
    n, err := New(Options[unit.Config]{NodeID: "rep-1", Replica: rep, Codec: unit.Codec()})
    require.NoError(t, err)
    require.NoError(t, n.Start(context.Background()))
    t.Cleanup(func() { _ = n.Close() })
    return n
}

func TestReadYourWritesThroughReplica(t *testing.T) {
    for name, st := range stacks {
        t.Run(name, func(t *testing.T) {
            srv := st.server()
            auth := authoritative(t, srv)
            repNode := replica(t, srv.Addr(), st.client())
            rep := repNode.opts.Replica
            ctx := context.Background()

            res, err := rep.Register(ctx, unit.Config{ID: "lab", Label: "Lab"}).GetTimeout(5 * time.Second)
            require.NoError(t, err)
            require.Equal(t, "lab", res.Value.FrameID)
            require.GreaterOrEqual(t, rep.TransactionID(), res.TransactionID)
            got, err := rep.Get("lab")
            require.NoError(t, err)
            require.Equal(t, "Lab", got.Label)

            _, err = rep.Register(ctx, unit.Config{ID: "arm", Label: "Arm", LocationID: "nowhere"}).GetTimeout(5 * time.Second)
            require.ErrorIs(t, err, errs.ErrConsistency)

            _, err = rep.Remove(ctx, "missing").GetTimeout(5 * time.Second)
            require.ErrorIs(t, err, errs.ErrNotAvailable)

            st, err := auth.Status(ctx)
            require.NoError(t, err)
            require.Equal(t, RoleAuthoritative, st.Role)
            require.Equal(t, 1, st.Entries)
            require.Equal(t, res.TransactionID, st.TransactionID)

            rst, err := repNode.Status(ctx)
            require.NoError(t, err)
            require.True(t, rst.Healthy)
            require.Equal(t, 1, rst.Entries)
        })
    }
}

func TestReplicaStatusWithoutOrigin(t *testing.T) {
    repNode := replica(t, "127.0.0.1:1", httpjson.NewClient(200*time.Millisecond))
    st, err := repNode.Status(context.Background())
    require.NoError(t, err)
    require.Equal(t, RoleReplica, st.Role)
    require.False(t, st.Healthy)
    require.NotEmpty(t, st.Warnings)
}

func TestWriteHandler(t *testing.T) {
    auth := authoritative(t, nil)
    ctx := context.Background()
    data, _ := json.Marshal(unit.Config{ID: "a", Label: "A"})

    resp, err := auth.Write(ctx, transport.WriteRequest{Op: "register", Data: data})
    require.NoError(t, err)
    tx, ok := transport.TxOf(resp)
    require.True(t, ok)
    require.Equal(t, uint64(2), tx)

    _, err = auth.Write(ctx, transport.WriteRequest{Op: "explode"})
    require.ErrorIs(t, err, errs.ErrVerificationFailed)

    _, err = auth.Write(ctx, transport.WriteRequest{Op: "update", Data: []byte("{")})
    require.ErrorIs(t, err, errs.ErrVerificationFailed)

    resp, err = auth.Write(ctx, transport.WriteRequest{Op: "remove", ID: "a"})
    require.NoError(t, err)
    var removed unit.Config
    require.NoError(t, json.Unmarshal(resp.Data, &removed))
    require.Equal(t, "A", removed.Label)

    snap, err := auth.Snapshot(ctx)
    require.NoError(t, err)
    require.Equal(t, uint64(3), snap.TransactionID)
    require.Empty(t, snap.Entries)
}

func TestSubscribeAndEvents(t *testing.T) {
    auth := authoritative(t, nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    evs := auth.Events(ctx)
    snaps := auth.Subscribe(ctx)

    first := <-snaps
    require.Equal(t, uint64(1), first.TransactionID)
    _, err := auth.opts.Registry.Register(context.Background(), unit.Config{ID: "a", Label: "A"})
    require.NoError(t, err)

    select {
    case s := <-snaps:
        require.Equal(t, uint64(2), s.TransactionID)
        require.Len(t, s.Entries, 1)
    case <-time.After(2 * time.Second):
        t.Fatalf("no snapshot for tx 2")
    }
    select {
    case e := <-evs:
        require.Equal(t, EventCommitted, e.Type)
        require.Equal(t, uint64(2), e.TransactionID)
    case <-time.After(2 * time.Second):
        t.Fatalf("no committed event")
    }
}

func TestOptionsValidate(t *testing.T) {
    _, err := New(Options[unit.Config]{NodeID: "x", Codec: unit.Codec()})
    require.Error(t, err)
    _, err = New(Options[unit.Config]{Codec: unit.Codec()})
    require.Error(t, err)
}
