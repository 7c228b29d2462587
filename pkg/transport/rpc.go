// Package transport defines the wire contract between an authoritative
// registry node and its remote replicas. Payloads travel as codec-encoded
// bytes so the transport stays independent of the entry type.
package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for /status.
type StatusFunc func(ctx context.Context) ([]byte, error)

// WriteRequest forwards a mutation to the authoritative node. Data carries the
// encoded payload for register/update; ID names the entry for remove.
type WriteRequest struct {
    Op   string `json:"op"`
    ID   string `json:"id,omitempty"`
    Data []byte `json:"data,omitempty"`
}

// WriteResponse carries the stored payload and the transaction id it
// produced. A nil TransactionID marks a legacy sender that attaches none.
type WriteResponse struct {
    Data          []byte  `json:"data,omitempty"`
    TransactionID *uint64 `json:"transactionId,omitempty"`
    Error         string  `json:"error,omitempty"`
}

// TxOf reports the transaction id of r; it matches txsync.TxOf.
func TxOf(r WriteResponse) (uint64, bool) {
    if r.TransactionID == nil { return 0, false }
    return *r.TransactionID, true
}

// WriteFunc applies a forwarded mutation.
type WriteFunc func(ctx context.Context, req WriteRequest) (WriteResponse, error)

// Snapshot is the full registry content at one transaction id.
type Snapshot struct {
    TransactionID uint64   `json:"transactionId"`
    Entries       [][]byte `json:"entries"`
}

// SnapshotFunc returns the current snapshot.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// SubscribeFunc streams committed snapshots until ctx is done, starting with
// the current one.
type SubscribeFunc func(ctx context.Context) <-chan Snapshot

// Handlers bundles the node callbacks a server exposes. Nil handlers answer
// "not supported".
type Handlers struct {
    Status    StatusFunc
    Write     WriteFunc
    Snapshot  SnapshotFunc
    Subscribe SubscribeFunc
}

// RPCServer exposes registry endpoints to replicas and tooling.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs calls against an authoritative node using the chosen
// protocol (HTTP/JSON or gRPC with a JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostWrite(ctx context.Context, addr string, req WriteRequest) (WriteResponse, error)
    GetSnapshot(ctx context.Context, addr string) (Snapshot, error)
}

// ReplicationClient streams snapshots from a node.
type ReplicationClient interface {
    // Subscribe invokes onSnap for each received snapshot and acknowledges
    // its transaction id. It blocks until the stream ends or ctx is done.
    Subscribe(ctx context.Context, addr string, nodeID string, onSnap func(Snapshot)) error
}
