package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "strconv"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-registry/pkg/internal/logutil"
    "github.com/amirimatin/go-registry/pkg/observability/tracing"
    "github.com/amirimatin/go-registry/pkg/transport"
)

// MaxPollWait caps the wait parameter of GET /snapshot.
const MaxPollWait = 30 * time.Second

// Server is a minimal HTTP server exposing the registry endpoints plus
// metrics and healthz. It is intended for replicas and development tooling.
type Server struct {
    mu     sync.Mutex
    bind   string
    srv    *http.Server
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    return &Server{bind: bind, logger: logutil.Or(logger)}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the endpoint mux backed by h.
func Handler(h transport.Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/write", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Write == nil { http.Error(w, "write not supported", http.StatusNotImplemented); return }
        var req transport.WriteRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http.write", "op", req.Op)
        defer end()
        resp, err := h.Write(ctx, req)
        w.Header().Set("Content-Type", "application/json")
        if err != nil {
            if resp.Error == "" { resp.Error = err.Error() }
            resp.TransactionID = nil
            w.WriteHeader(http.StatusConflict)
        }
        _ = json.NewEncoder(w).Encode(resp)
    })
    mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Snapshot == nil { http.Error(w, "snapshot not supported", http.StatusNotImplemented); return }
        after, wait, err := pollParams(r)
        if err != nil { http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.snapshot")
        defer end()
        snap, err := snapshotAfter(ctx, h, after, wait)
        if err != nil { http.Error(w, fmt.Sprintf("snapshot error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _ = json.NewEncoder(w).Encode(snap)
    })
    return mux
}

func pollParams(r *http.Request) (uint64, time.Duration, error) {
    q := r.URL.Query()
    var after uint64
    var wait time.Duration
    if v := q.Get("after"); v != "" {
        n, err := strconv.ParseUint(v, 10, 64)
        if err != nil { return 0, 0, fmt.Errorf("after: %w", err) }
        after = n
    }
    if v := q.Get("wait"); v != "" {
        d, err := time.ParseDuration(v)
        if err != nil { return 0, 0, fmt.Errorf("wait: %w", err) }
        wait = d
    }
    if wait > MaxPollWait { wait = MaxPollWait }
    return after, wait, nil
}

// snapshotAfter long-polls: it answers as soon as a snapshot newer than after
// exists, or with the current one once wait has elapsed.
func snapshotAfter(ctx context.Context, h transport.Handlers, after uint64, wait time.Duration) (transport.Snapshot, error) {
    snap, err := h.Snapshot(ctx)
    if err != nil || wait <= 0 || snap.TransactionID > after || h.Subscribe == nil { return snap, err }
    wctx, cancel := context.WithTimeout(ctx, wait)
    defer cancel()
    for s := range h.Subscribe(wctx) {
        if s.TransactionID > after { return s, nil }
    }
    if ctx.Err() != nil { return snap, ctx.Err() }
    return h.Snapshot(ctx)
}

// Start launches the HTTP server. It is shut down when ctx is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
    s.mu.Lock()
    s.srv = srv
    s.bind = ln.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address; after Start it reflects the actual port.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout. Pending long polls
// are cut off.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := srv.Shutdown(c)
    if err != nil { _ = srv.Close() }
    return err
}

var _ transport.RPCServer = (*Server)(nil)
