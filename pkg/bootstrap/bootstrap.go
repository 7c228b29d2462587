// Package bootstrap assembles a registry node from a flat Config: the
// registry or its replica, the RPC transport, TLS, discovery and membership.
package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"
    "net"
    "time"

    "github.com/amirimatin/go-registry/pkg/discovery"
    dDNS "github.com/amirimatin/go-registry/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-registry/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-registry/pkg/discovery/static"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    "github.com/amirimatin/go-registry/pkg/membership"
    ml "github.com/amirimatin/go-registry/pkg/membership/memberlist"
    "github.com/amirimatin/go-registry/pkg/node"
    "github.com/amirimatin/go-registry/pkg/registry"
    "github.com/amirimatin/go-registry/pkg/remote"
    tlsx "github.com/amirimatin/go-registry/pkg/security/tlsconfig"
    "github.com/amirimatin/go-registry/pkg/transport"
    rgrpc "github.com/amirimatin/go-registry/pkg/transport/grpc"
    "github.com/amirimatin/go-registry/pkg/transport/httpjson"
    "github.com/amirimatin/go-registry/pkg/unit"
)

// Config defines high-level inputs to assemble a node with sensible defaults.
type Config struct {
    NodeID string
    // Role is "authoritative" (default) or "replica".
    Role string
    // Name selects the registry; replicas only follow a node announcing it.
    Name string

    // Authoritative storage.
    DataDir     string
    InitDB      bool
    Reset       bool
    Recover     bool
    ReadOnly    bool
    LockTimeout time.Duration

    // RPC endpoint. RPCAddr may be empty on a replica that only reads.
    RPCAddr    string
    RPCAdv     string // announced endpoint; derived from RPCAddr when empty
    RPCProto   string // "http" (default) or "grpc"
    RPCTimeout time.Duration

    // RegistryAddr is the authoritative endpoint a replica follows. When
    // empty the replica locates it through membership.
    RegistryAddr string

    // Membership, disabled when MemBind is empty.
    MemBind string
    MemAdv  string

    // Discovery of membership seeds.
    DiscoveryKind string // "static" (default), "dns" or "file"
    SeedsCSV      string
    DNSNamesCSV   string
    DNSPort       int
    DiscRefresh   time.Duration
    FilePath      string
    FileEnv       string

    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    Logger *log.Logger
}

func (c Config) role() node.Role {
    if c.Role == string(node.RoleReplica) { return node.RoleReplica }
    return node.RoleAuthoritative
}

// Validate checks the combination of settings without touching the network.
func (c Config) Validate() error {
    bad := func(f string, a ...any) error { return fmt.Errorf("bootstrap: "+f+": %w", append(a, errs.ErrVerificationFailed)...) }
    if c.NodeID == "" { return bad("empty node id") }
    switch c.Role {
    case "", string(node.RoleAuthoritative), string(node.RoleReplica):
    default:
        return bad("unknown role %q", c.Role)
    }
    switch c.RPCProto {
    case "", "http", "grpc":
    default:
        return bad("unknown rpc protocol %q", c.RPCProto)
    }
    switch c.DiscoveryKind {
    case "", "static", "dns", "file":
    default:
        return bad("unknown discovery %q", c.DiscoveryKind)
    }
    if c.role() == node.RoleAuthoritative {
        if c.DataDir == "" { return bad("authoritative node needs a data dir") }
        if c.RPCAddr == "" { return bad("authoritative node needs an rpc address") }
    } else if c.RegistryAddr == "" && c.MemBind == "" {
        return bad("replica needs a registry address or membership to locate one")
    }
    return nil
}

// Domain supplies the registry options of an entry type.
type Domain[M any] func(name, dir string, logger *log.Logger) registry.Options[M]

// Build assembles a unit registry node without starting it.
func Build(cfg Config) (*node.Node[unit.Config], error) { return BuildFor(cfg, unit.Options) }

// BuildFor assembles a node for the entry type described by domain.
func BuildFor[M any](cfg Config, domain Domain[M]) (*node.Node[M], error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    logger := logutil.Or(cfg.Logger)
    if cfg.Name == "" { cfg.Name = "default" }
    if cfg.RPCTimeout <= 0 { cfg.RPCTimeout = 3 * time.Second }

    srvTLS, cliTLS, err := tlsConfigs(cfg)
    if err != nil { return nil, err }
    srv, cli := rpcPair(cfg, srvTLS, cliTLS, logger)

    ropts := domain(cfg.Name, cfg.DataDir, logger)
    if cfg.LockTimeout > 0 { ropts.LockTimeout = cfg.LockTimeout }

    var mem membership.Membership
    if cfg.MemBind != "" {
        meta := map[string]string{membership.MetaRole: string(cfg.role()), membership.MetaName: cfg.Name}
        if srv != nil { meta[membership.MetaRegistryAddr] = advertise(cfg.RPCAddr, cfg.RPCAdv, cfg.MemAdv) }
        if mem, err = ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Meta: meta, Logger: logger}); err != nil {
            return nil, err
        }
    }

    opts := node.Options[M]{
        NodeID:     cfg.NodeID,
        Codec:      ropts.Codec,
        RPCServer:  srv,
        RPCClient:  cli,
        Membership: mem,
        Discovery:  seeds(cfg, logger),
        Logger:     logger,
    }
    switch cfg.role() {
    case node.RoleAuthoritative:
        ropts.InitDB, ropts.Reset, ropts.Recover, ropts.ReadOnly = cfg.InitDB, cfg.Reset, cfg.Recover, cfg.ReadOnly
        if opts.Registry, err = registry.New(ropts); err != nil { return nil, err }
    default:
        rep := remote.Options[M]{Codec: ropts.Codec, Accessor: ropts.Accessor, Client: cli, Addr: cfg.RegistryAddr, NodeID: cfg.NodeID, Logger: logger}
        if rep.Addr == "" { rep.Locator = membership.Locator{Members: mem, Name: cfg.Name} }
        if opts.Replica, err = remote.New(rep); err != nil { return nil, err }
    }
    return node.New(opts)
}

// Run builds and starts a unit registry node. The caller closes it.
func Run(ctx context.Context, cfg Config) (*node.Node[unit.Config], error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Close()
        return nil, err
    }
    return n, nil
}

func (c Config) tlsOptions() tlsx.Options {
    return tlsx.Options{Enable: c.TLSEnable, CAFile: c.TLSCA, CertFile: c.TLSCert, KeyFile: c.TLSKey, InsecureSkipVerify: c.TLSSkipVerify, ServerName: c.TLSServerName}
}

// tlsConfigs returns hot-reloading configs so certificates can be rotated
// by replacing files.
func tlsConfigs(cfg Config) (srv, cli *tls.Config, err error) {
    if !cfg.TLSEnable { return nil, nil, nil }
    o := cfg.tlsOptions()
    if cfg.RPCAddr != "" {
        if srv, err = o.ServerHotReload(); err != nil { return nil, nil, err }
    }
    if cli, err = o.ClientHotReload(); err != nil { return nil, nil, err }
    return srv, cli, nil
}

// NewClient returns the RPC client for proto. It is what the CLI uses to
// reach a running node.
func NewClient(proto string, timeout time.Duration, cfg *tls.Config) transport.RPCClient {
    if proto == "grpc" {
        c := rgrpc.NewClient(timeout)
        if cfg != nil { c.UseTLS(cfg) }
        return c
    }
    c := httpjson.NewClient(timeout)
    if cfg != nil { c.UseTLS(cfg) }
    return c
}

func rpcPair(cfg Config, srvTLS, cliTLS *tls.Config, logger *log.Logger) (transport.RPCServer, transport.RPCClient) {
    cli := NewClient(cfg.RPCProto, cfg.RPCTimeout, cliTLS)
    if cfg.RPCAddr == "" { return nil, cli }
    if cfg.RPCProto == "grpc" {
        s := rgrpc.NewServer(cfg.RPCAddr)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        return s, cli
    }
    s := httpjson.NewServer(cfg.RPCAddr, logger)
    if srvTLS != nil { s.UseTLS(srvTLS) }
    return s, cli
}

func seeds(cfg Config, logger *log.Logger) discovery.Discovery {
    switch cfg.DiscoveryKind {
    case "dns":
        return dDNS.New(dDNS.Options{Names: discovery.SplitCSV(cfg.DNSNamesCSV), Port: cfg.DNSPort, Refresh: cfg.DiscRefresh, Logger: logger})
    case "file":
        return dFile.New(dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.DiscRefresh})
    }
    return dStatic.Parse(cfg.SeedsCSV)
}

// advertise derives the announced RPC endpoint. A wildcard host is replaced
// by the membership advertise host, or the loopback address.
func advertise(bind, adv, memAdv string) string {
    if adv != "" { return adv }
    host, port, err := net.SplitHostPort(bind)
    if err != nil { return bind }
    if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
        host = "127.0.0.1"
        if mh, _, err := net.SplitHostPort(memAdv); err == nil && mh != "" { host = mh }
    }
    return net.JoinHostPort(host, port)
}
