package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "time"

    "github.com/amirimatin/go-registry/pkg/transport"
)

// Client is a thin HTTP client for the registry API. It supports optional
// TLS configuration and simple retry with backoff for reads.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    // PollWait is the long-poll window Subscribe asks the server for.
    PollWait time.Duration
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, PollWait: timeout / 2}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

// Close releases idle connections.
func (c *Client) Close() { if c.transport != nil { c.transport.CloseIdleConnections() } }

func (c *Client) url(addr, path string, q url.Values) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    u := fmt.Sprintf("%s://%s%s", scheme, addr, path)
    if len(q) > 0 { u += "?" + q.Encode() }
    return u
}

// do performs the request up to attempts times with exponential backoff.
// accept decides which status codes carry a decodable body.
func (c *Client) do(ctx context.Context, method, u string, body []byte, attempts int, accept func(int) bool) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < attempts; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, u, rd)
        if err != nil { return nil, err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            switch {
            case rerr != nil:
                lastErr = rerr
            case resp.StatusCode == http.StatusOK || (accept != nil && accept(resp.StatusCode)):
                return b, nil
            default:
                lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
            }
        }
        if attempt+1 == attempts { break }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, c.url(addr, "/status", nil), nil, 3, nil)
}

// PostWrite sends a single attempt: a retried register could apply twice.
func (c *Client) PostWrite(ctx context.Context, addr string, req transport.WriteRequest) (transport.WriteResponse, error) {
    var out transport.WriteResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    b, err := c.do(ctx, http.MethodPost, c.url(addr, "/write", nil), body, 1, func(code int) bool { return code == http.StatusConflict })
    if err != nil { return out, err }
    err = json.Unmarshal(b, &out)
    return out, err
}

func (c *Client) GetSnapshot(ctx context.Context, addr string) (transport.Snapshot, error) {
    return c.poll(ctx, addr, 0, 0)
}

func (c *Client) poll(ctx context.Context, addr string, after uint64, wait time.Duration) (transport.Snapshot, error) {
    var snap transport.Snapshot
    q := url.Values{}
    if wait > 0 {
        q.Set("after", strconv.FormatUint(after, 10))
        q.Set("wait", wait.String())
    }
    b, err := c.do(ctx, http.MethodGet, c.url(addr, "/snapshot", q), nil, 3, nil)
    if err != nil { return snap, err }
    err = json.Unmarshal(b, &snap)
    return snap, err
}

// Subscribe follows the node by long-polling /snapshot and calls onSnap for
// every newer snapshot. It returns when ctx is done or a poll fails.
func (c *Client) Subscribe(ctx context.Context, addr string, _ string, onSnap func(transport.Snapshot)) error {
    snap, err := c.GetSnapshot(ctx, addr)
    if err != nil { return err }
    if onSnap != nil { onSnap(snap) }
    last := snap.TransactionID
    for {
        snap, err := c.poll(ctx, addr, last, c.PollWait)
        if err != nil {
            if ctx.Err() != nil { return ctx.Err() }
            return err
        }
        if snap.TransactionID > last {
            last = snap.TransactionID
            if onSnap != nil { onSnap(snap) }
        }
    }
}

var (
    _ transport.RPCClient         = (*Client)(nil)
    _ transport.ReplicationClient = (*Client)(nil)
)
