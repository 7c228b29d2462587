package grpc

import (
    "context"

    "google.golang.org/grpc"
    "github.com/amirimatin/go-registry/pkg/transport"
)

// Subscribe establishes a server-stream to the replication service and invokes
// onSnap for every received snapshot, acknowledging it afterwards. Reconnects
// are the caller's job.
func (c *Client) Subscribe(ctx context.Context, addr string, nodeID string, onSnap func(transport.Snapshot)) error {
    cm, err := c.conns()
    if err != nil { return err }
    dctx, cancel := context.WithTimeout(ctx, c.timeout)
    cc, rel, err := cm.Get(dctx, addr)
    cancel()
    if err != nil { return err }
    defer rel()
    sd := &grpc.StreamDesc{ServerStreams: true}
    cs, err := cc.NewStream(ctx, sd, "/"+replicationService+"/Subscribe")
    if err != nil {
        c.gone(cm, addr, err)
        return err
    }
    if err := cs.SendMsg(&repSubReq{NodeID: nodeID}); err != nil { return err }
    _ = cs.CloseSend()
    for {
        var snap transport.Snapshot
        if err := cs.RecvMsg(&snap); err != nil {
            if ctx.Err() != nil { return ctx.Err() }
            c.gone(cm, addr, err)
            return err
        }
        if onSnap != nil { onSnap(snap) }
        // best-effort ack
        actx, acancel := context.WithTimeout(ctx, c.timeout)
        _ = cc.Invoke(actx, "/"+replicationService+"/Ack", &repAck{TransactionID: snap.TransactionID, NodeID: nodeID}, &empty{})
        acancel()
    }
}
