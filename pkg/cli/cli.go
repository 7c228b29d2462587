// Package cli provides the registry subcommands (run/status/list/get/
// register/update/remove) for embedding into a cobra root command.
//
// Every flag can also be set from a config file (--config, any format viper
// reads, keys named like the flags) or from REGISTRY_* environment
// variables, e.g. REGISTRY_RPC_ADDR for --rpc-addr.
package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/viper"

    "github.com/amirimatin/go-registry/pkg/bootstrap"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-registry/pkg/observability/tracing"
    "github.com/amirimatin/go-registry/pkg/registry"
    tlsx "github.com/amirimatin/go-registry/pkg/security/tlsconfig"
    "github.com/amirimatin/go-registry/pkg/transport"
    "github.com/amirimatin/go-registry/pkg/unit"
)

// EnvPrefix prefixes the environment variables read for flags.
const EnvPrefix = "REGISTRY"

// AddAll attaches the registry subcommands and the shared persistent flags
// to root.
func AddAll(root *cobra.Command) {
    root.PersistentFlags().String("config", "", "config file with flag values (yaml, json, toml)")
    root.PersistentFlags().Bool("log-json", false, "log JSON lines")
    root.PersistentFlags().Bool("debug", false, "enable debug logs")
    root.AddCommand(NewRunCmd(), NewStatusCmd(), NewListCmd(), NewGetCmd(), NewRegisterCmd(), NewUpdateCmd(), NewRemoveCmd())
}

// NewRegistryCommand returns a parent "registry" command holding every
// subcommand, for services that mount it under their own root.
func NewRegistryCommand() *cobra.Command {
    parent := &cobra.Command{Use: "registry", Short: "configuration registry commands"}
    AddAll(parent)
    return parent
}

// settings resolves flag values with config file and environment overrides.
func settings(cmd *cobra.Command) (*viper.Viper, error) {
    v := viper.New()
    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
    v.AutomaticEnv()
    if err := v.BindPFlags(cmd.Flags()); err != nil { return nil, err }
    if f := v.GetString("config"); f != "" {
        v.SetConfigFile(f)
        if err := v.ReadInConfig(); err != nil { return nil, fmt.Errorf("read config %s: %w", f, err) }
    }
    logutil.SetJSON(v.GetBool("log-json"))
    logutil.SetDebug(v.GetBool("debug"))
    return v, nil
}

func tlsFlags(cmd *cobra.Command, certWhat string) {
    cmd.Flags().Bool("tls-enable", false, "enable (m)TLS for the registry transport")
    cmd.Flags().String("tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().String("tls-cert", "", "path to "+certWhat+" certificate (PEM)")
    cmd.Flags().String("tls-key", "", "path to "+certWhat+" private key (PEM)")
    cmd.Flags().Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().String("tls-server-name", "", "expected server name (for TLS validation)")
}

// NewRunCmd returns the "run" command used to start a registry node.
func NewRunCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a registry node",
        RunE: func(cmd *cobra.Command, args []string) error {
            v, err := settings(cmd)
            if err != nil { return err }
            cfg := runConfig(v)
            if cfg.NodeID == "" { return fmt.Errorf("missing --id") }
            ctx, cancel := signalContext()
            defer cancel()

            if v.GetBool("trace") {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(cfg.Logger, "tracing setup: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer n.Close()
            fmt.Fprintf(cmd.OutOrStdout(), "registry %s node %s running at %s. Press Ctrl+C to exit.\n", n.Role(), cfg.NodeID, n.Addr())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.String("id", "", "node id (required)")
    f.String("role", "authoritative", "node role: authoritative|replica")
    f.String("name", "default", "registry name announced to and located by replicas")
    f.String("data", "", "registry directory (authoritative)")
    f.Bool("init-db", false, "create the registry directory when missing")
    f.Bool("reset", false, "drop stored entries before loading")
    f.Bool("recover", false, "set unloadable or inconsistent entry files aside instead of failing")
    f.Bool("read-only", false, "reject writes")
    f.Duration("lock-timeout", 10*time.Second, "registry lock acquisition timeout")
    f.String("rpc-addr", ":17946", "registry rpc bind address (empty on a read-only replica)")
    f.String("rpc-adv", "", "announced rpc address (optional)")
    f.String("rpc-proto", "http", "registry rpc protocol: http|grpc")
    f.Duration("rpc-timeout", 3*time.Second, "rpc request timeout")
    f.String("registry-addr", "", "authoritative endpoint a replica follows; located via membership when empty")
    f.String("mem-bind", "", "membership bind addr (host:port); membership is off when empty")
    f.String("mem-adv", "", "membership advertise addr (host:port, optional)")
    f.String("discovery", "static", "seed discovery backend: static|dns|file")
    f.String("join", "", "comma-separated membership seeds (host:port), used by discovery=static")
    f.String("dns-names", "", "comma-separated DNS names or SRV records (e.g. _registry._tcp.example.com)")
    f.Int("dns-port", 7946, "port used for A/AAAA lookups")
    f.Duration("disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    f.String("file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    f.String("file-env", "", "ENV var name containing CSV seeds; overrides the file when set")
    f.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
    tlsFlags(cmd, "node")
    return cmd
}

func runConfig(v *viper.Viper) bootstrap.Config {
    return bootstrap.Config{
        NodeID:        v.GetString("id"),
        Role:          v.GetString("role"),
        Name:          v.GetString("name"),
        DataDir:       v.GetString("data"),
        InitDB:        v.GetBool("init-db"),
        Reset:         v.GetBool("reset"),
        Recover:       v.GetBool("recover"),
        ReadOnly:      v.GetBool("read-only"),
        LockTimeout:   v.GetDuration("lock-timeout"),
        RPCAddr:       v.GetString("rpc-addr"),
        RPCAdv:        v.GetString("rpc-adv"),
        RPCProto:      v.GetString("rpc-proto"),
        RPCTimeout:    v.GetDuration("rpc-timeout"),
        RegistryAddr:  v.GetString("registry-addr"),
        MemBind:       v.GetString("mem-bind"),
        MemAdv:        v.GetString("mem-adv"),
        DiscoveryKind: v.GetString("discovery"),
        SeedsCSV:      v.GetString("join"),
        DNSNamesCSV:   v.GetString("dns-names"),
        DNSPort:       v.GetInt("dns-port"),
        DiscRefresh:   v.GetDuration("disc-refresh"),
        FilePath:      v.GetString("file-path"),
        FileEnv:       v.GetString("file-env"),
        TLSEnable:     v.GetBool("tls-enable"),
        TLSCA:         v.GetString("tls-ca"),
        TLSCert:       v.GetString("tls-cert"),
        TLSKey:        v.GetString("tls-key"),
        TLSServerName: v.GetString("tls-server-name"),
        TLSSkipVerify: v.GetBool("tls-skip-verify"),
        Logger:        log.Default(),
    }
}

// remoteCmd is a command talking to a running node.
type remoteCmd struct {
    v       *viper.Viper
    addr    string
    timeout time.Duration
    client  transport.RPCClient
}

func clientFlags(cmd *cobra.Command) {
    cmd.Flags().String("addr", "127.0.0.1:17946", "registry rpc address of a node (host:port)")
    cmd.Flags().String("rpc-proto", "http", "registry rpc protocol: http|grpc")
    cmd.Flags().Duration("timeout", 3*time.Second, "request timeout")
    tlsFlags(cmd, "client")
}

func dial(cmd *cobra.Command) (*remoteCmd, error) {
    v, err := settings(cmd)
    if err != nil { return nil, err }
    topts := tlsx.Options{
        Enable:             v.GetBool("tls-enable"),
        CAFile:             v.GetString("tls-ca"),
        CertFile:           v.GetString("tls-cert"),
        KeyFile:            v.GetString("tls-key"),
        InsecureSkipVerify: v.GetBool("tls-skip-verify"),
        ServerName:         v.GetString("tls-server-name"),
    }
    var cliTLS *tls.Config
    if cliTLS, err = topts.Client(); err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    timeout := v.GetDuration("timeout")
    return &remoteCmd{v: v, addr: v.GetString("addr"), timeout: timeout, client: bootstrap.NewClient(v.GetString("rpc-proto"), timeout, cliTLS)}, nil
}

func (r *remoteCmd) close() {
    if c, ok := r.client.(interface{ Close() }); ok { c.Close() }
}

func (r *remoteCmd) context() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), r.timeout)
}

func (r *remoteCmd) snapshot() (registry.Snapshot[unit.Config], error) {
    ctx, cancel := r.context()
    defer cancel()
    ts, err := r.client.GetSnapshot(ctx, r.addr)
    if err != nil { return registry.Snapshot[unit.Config]{}, fmt.Errorf("snapshot: %w", err) }
    out := registry.Snapshot[unit.Config]{TransactionID: ts.TransactionID, Entries: make([]unit.Config, 0, len(ts.Entries))}
    codec := unit.Codec()
    for _, b := range ts.Entries {
        c, err := codec.Unmarshal(b)
        if err != nil { return out, fmt.Errorf("decode entry: %w", err) }
        out.Entries = append(out.Entries, c)
    }
    return out, nil
}

func printJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            r, err := dial(cmd)
            if err != nil { return err }
            defer r.close()
            ctx, cancel := r.context()
            defer cancel()
            data, err := r.client.GetStatus(ctx, r.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            w := cmd.OutOrStdout()
            _, _ = w.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = io.WriteString(w, "\n") }
            return nil
        },
    }
    clientFlags(cmd)
    return cmd
}

// NewListCmd returns the "list" command.
func NewListCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "list",
        Short: "List every registered unit with the snapshot transaction id",
        RunE: func(cmd *cobra.Command, args []string) error {
            r, err := dial(cmd)
            if err != nil { return err }
            defer r.close()
            snap, err := r.snapshot()
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), snap)
        },
    }
    clientFlags(cmd)
    return cmd
}

// NewGetCmd returns the "get" command.
func NewGetCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "get <id>",
        Short: "Print one unit",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            r, err := dial(cmd)
            if err != nil { return err }
            defer r.close()
            snap, err := r.snapshot()
            if err != nil { return err }
            for _, c := range snap.Entries {
                if c.ID == args[0] { return printJSON(cmd.OutOrStdout(), c) }
            }
            return fmt.Errorf("unit %q: %w", args[0], errs.ErrNotAvailable)
        },
    }
    clientFlags(cmd)
    return cmd
}

// unitFromArgs reads a unit from a JSON argument, "-" for stdin, or flags.
func unitFromArgs(cmd *cobra.Command, v *viper.Viper, args []string) (unit.Config, error) {
    var c unit.Config
    if len(args) == 1 {
        raw := []byte(args[0])
        if args[0] == "-" {
            var err error
            if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil { return c, err }
        }
        if err := json.Unmarshal(raw, &c); err != nil { return c, fmt.Errorf("parse unit: %v: %w", err, errs.ErrVerificationFailed) }
    }
    if s := v.GetString("id"); s != "" { c.ID = s }
    if s := v.GetString("label"); s != "" { c.Label = s }
    if s := v.GetString("location"); s != "" { c.LocationID = s }
    for _, kv := range v.GetStringSlice("meta") {
        k, val, ok := strings.Cut(kv, "=")
        if !ok { return c, fmt.Errorf("meta %q is not key=value: %w", kv, errs.ErrVerificationFailed) }
        if c.Meta == nil { c.Meta = map[string]string{} }
        c.Meta[k] = val
    }
    return c, nil
}

func (r *remoteCmd) write(w io.Writer, req transport.WriteRequest) error {
    ctx, cancel := r.context()
    defer cancel()
    resp, err := r.client.PostWrite(ctx, r.addr, req)
    if err != nil { return err }
    if resp.Error != "" { return errs.FromString(resp.Error) }
    out := struct {
        Unit          json.RawMessage `json:"unit"`
        TransactionID *uint64         `json:"transactionId,omitempty"`
    }{Unit: resp.Data, TransactionID: resp.TransactionID}
    return printJSON(w, out)
}

func newWriteCmd(op registry.Op, short string) *cobra.Command {
    cmd := &cobra.Command{
        Use:   string(op) + " [json|-]",
        Short: short,
        Args:  cobra.MaximumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            r, err := dial(cmd)
            if err != nil { return err }
            defer r.close()
            c, err := unitFromArgs(cmd, r.v, args)
            if err != nil { return err }
            data, err := unit.Codec().Marshal(c)
            if err != nil { return err }
            return r.write(cmd.OutOrStdout(), transport.WriteRequest{Op: string(op), ID: c.ID, Data: data})
        },
    }
    clientFlags(cmd)
    cmd.Flags().String("id", "", "unit id (generated on register when empty)")
    cmd.Flags().String("label", "", "unit label")
    cmd.Flags().String("location", "", "id of the unit this one is located in")
    cmd.Flags().StringSlice("meta", nil, "metadata as key=value, repeatable")
    return cmd
}

// NewRegisterCmd returns the "register" command.
func NewRegisterCmd() *cobra.Command { return newWriteCmd(registry.OpRegister, "Register a new unit") }

// NewUpdateCmd returns the "update" command.
func NewUpdateCmd() *cobra.Command { return newWriteCmd(registry.OpUpdate, "Replace an existing unit") }

// NewRemoveCmd returns the "remove" command.
func NewRemoveCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "remove <id>",
        Short: "Remove a unit",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            r, err := dial(cmd)
            if err != nil { return err }
            defer r.close()
            return r.write(cmd.OutOrStdout(), transport.WriteRequest{Op: string(registry.OpRemove), ID: args[0]})
        },
    }
    clientFlags(cmd)
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
