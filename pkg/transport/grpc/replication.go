package grpc

import (
    "context"
    "sync"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-registry/pkg/observability/metrics"
    "github.com/amirimatin/go-registry/pkg/transport"
)

type repSubReq struct{ NodeID string `json:"nodeId,omitempty"` }
type repAck struct {
    TransactionID uint64 `json:"transactionId"`
    NodeID        string `json:"nodeId,omitempty"`
}

type replicationServer interface {
    Subscribe(*repSubReq, Replication_SubscribeServer) error
    Ack(context.Context, *repAck) (*empty, error)
}

type Replication_SubscribeServer interface {
    Send(*transport.Snapshot) error
    grpc.ServerStream
}

type replicationImpl struct {
    server    *Server
    subscribe transport.SubscribeFunc
}

// Subscribe forwards every committed snapshot to the stream until the
// client goes away.
func (r *replicationImpl) Subscribe(req *repSubReq, stream Replication_SubscribeServer) error {
    if r.subscribe == nil { return nil }
    ctx := stream.Context()
    for snap := range r.subscribe(ctx) {
        r.server.acks.sent(snap.TransactionID)
        if err := stream.Send(&snap); err != nil { return err }
    }
    return nil
}

func (r *replicationImpl) Ack(_ context.Context, a *repAck) (*empty, error) {
    if a != nil && a.NodeID != "" { r.server.acks.ack(a.NodeID, a.TransactionID) }
    return &empty{}, nil
}

// ackTable tracks the newest transaction id streamed out and the id each
// replica acknowledged, feeding the per-node lag gauges.
type ackTable struct {
    mu   sync.Mutex
    last uint64
    acks map[string]uint64
}

func (t *ackTable) sent(tx uint64) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if tx <= t.last { return }
    t.last = tx
    for node, a := range t.acks {
        obsmetrics.LagPerNode.WithLabelValues(node).Set(float64(t.last - a))
    }
}

func (t *ackTable) ack(node string, tx uint64) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.acks == nil { t.acks = make(map[string]uint64) }
    if tx < t.acks[node] { return }
    t.acks[node] = tx
    obsmetrics.AckTransactionPerNode.WithLabelValues(node).Set(float64(tx))
    var lag uint64
    if t.last > tx { lag = t.last - tx }
    obsmetrics.LagPerNode.WithLabelValues(node).Set(float64(lag))
}

// Acked returns a copy of the last acknowledged transaction id per replica.
func (s *Server) Acked() map[string]uint64 {
    s.acks.mu.Lock()
    defer s.acks.mu.Unlock()
    out := make(map[string]uint64, len(s.acks.acks))
    for k, v := range s.acks.acks { out[k] = v }
    return out
}

var _Replication_serviceDesc = grpc.ServiceDesc{
    ServiceName: replicationService,
    HandlerType: (*replicationServer)(nil),
    Streams: []grpc.StreamDesc{{
        StreamName:    "Subscribe",
        ServerStreams: true,
        Handler:       _Replication_Subscribe_Handler,
    }},
    Methods: []grpc.MethodDesc{{
        MethodName: "Ack",
        Handler:    _Replication_Ack_Handler,
    }},
}

func _Replication_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
    m := new(repSubReq)
    if err := stream.RecvMsg(m); err != nil { return err }
    return srv.(replicationServer).Subscribe(m, &replicationSubscribeServer{stream})
}

type replicationSubscribeServer struct{ grpc.ServerStream }

func (x *replicationSubscribeServer) Send(m *transport.Snapshot) error { return x.ServerStream.SendMsg(m) }

func _Replication_Ack_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(repAck)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(replicationServer).Ack(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + replicationService + "/Ack"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(replicationServer).Ack(ctx, req.(*repAck))
    }
    return interceptor(ctx, in, info, handler)
}
