package grpc

import (
    "context"
    "crypto/tls"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/transport"
)

// Client is the gRPC transport.RPCClient and transport.ReplicationClient.
// Connections are cached per address.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    once    sync.Once
    cm      *ConnManager
    closed  atomic.Bool
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) conns() (*ConnManager, error) {
    if c.closed.Load() { return nil, fmt.Errorf("grpc: client closed: %w", errs.ErrShutdown) }
    c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dialCtx) })
    if c.cm == nil { return nil, fmt.Errorf("grpc: client closed: %w", errs.ErrShutdown) }
    return c.cm, nil
}

// gone drops the pooled connection to addr when err says the endpoint is
// unreachable, so the next call dials afresh.
func (c *Client) gone(cm *ConnManager, addr string, err error) {
    if status.Code(err) == codes.Unavailable { cm.Forget(addr) }
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
    cm, err := c.conns()
    if err != nil { return err }
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    if err := cc.Invoke(cctx, "/"+registryService+"/"+method, in, out); err != nil {
        c.gone(cm, addr, err)
        return err
    }
    return nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) PostWrite(ctx context.Context, addr string, req transport.WriteRequest) (transport.WriteResponse, error) {
    var resp transport.WriteResponse
    err := c.invoke(ctx, addr, "Write", &req, &resp)
    return resp, err
}

func (c *Client) GetSnapshot(ctx context.Context, addr string) (transport.Snapshot, error) {
    var snap transport.Snapshot
    err := c.invoke(ctx, addr, "GetSnapshot", &empty{}, &snap)
    return snap, err
}

// Close drops every cached connection. Calls made afterwards fail with
// errs.ErrShutdown.
func (c *Client) Close() {
    c.closed.Store(true)
    c.once.Do(func() {})
    if c.cm != nil { c.cm.Close() }
}

// Pooled is the number of cached connections.
func (c *Client) Pooled() int {
    cm, err := c.conns()
    if err != nil { return 0 }
    return cm.Len()
}

var (
    _ transport.RPCClient         = (*Client)(nil)
    _ transport.ReplicationClient = (*Client)(nil)
)
