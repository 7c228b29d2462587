package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-registry/pkg/observability/tracing"
    "github.com/amirimatin/go-registry/pkg/transport"
)

const (
    registryService    = "registry.v1.Registry"
    replicationService = "registry.v1.Replication"
)

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    mu     sync.Mutex
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
    acks   ackTable
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }

type registryServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    Write(ctx context.Context, in *transport.WriteRequest) (*transport.WriteResponse, error)
    GetSnapshot(ctx context.Context, in *empty) (*transport.Snapshot, error)
}

type registryImpl struct{ h transport.Handlers }

func (m *registryImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    if m.h.Status == nil { return &statusBlob{Data: []byte("{}")}, nil }
    b, err := m.h.Status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

// Write reports mutation failures in the response so the client can map them
// back onto sentinels; only transport problems become gRPC errors.
func (m *registryImpl) Write(ctx context.Context, in *transport.WriteRequest) (*transport.WriteResponse, error) {
    if in == nil { in = &transport.WriteRequest{} }
    if m.h.Write == nil { return &transport.WriteResponse{Error: "write not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.write", "op", in.Op)
    defer end()
    out, err := m.h.Write(ctx, *in)
    if err != nil {
        if out.Error == "" { out.Error = err.Error() }
        out.TransactionID = nil
    }
    return &out, nil
}

func (m *registryImpl) GetSnapshot(ctx context.Context, _ *empty) (*transport.Snapshot, error) {
    if m.h.Snapshot == nil { return &transport.Snapshot{}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.snapshot")
    defer end()
    s, err := m.h.Snapshot(ctx)
    if err != nil { return nil, err }
    return &s, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Registry_serviceDesc = grpc.ServiceDesc{
    ServiceName: registryService,
    HandlerType: (*registryServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Registry_GetStatus_Handler},
        {MethodName: "Write", Handler: _Registry_Write_Handler},
        {MethodName: "GetSnapshot", Handler: _Registry_GetSnapshot_Handler},
    },
}

func _Registry_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(registryServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + registryService + "/GetStatus"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(registryServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Registry_Write_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.WriteRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(registryServer).Write(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + registryService + "/Write"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(registryServer).Write(ctx, req.(*transport.WriteRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _Registry_GetSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(registryServer).GetSnapshot(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + registryService + "/GetSnapshot"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(registryServer).GetSnapshot(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    // keepalive settings for long-lived streams
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Registry_serviceDesc, &registryImpl{h: h})
    srv.RegisterService(&_Replication_serviceDesc, &replicationImpl{server: s, subscribe: h.Subscribe})

    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.bind = lis.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address; after Start it reflects the actual port.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.bind
}

// Stop shuts the server down gracefully, forcing it once ctx is done or
// after two seconds.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, lis := s.srv, s.lis
    s.srv, s.lis = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    case <-time.After(2 * time.Second):
        srv.Stop()
    }
    if lis != nil { _ = lis.Close() }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
