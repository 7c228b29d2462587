// Package dns resolves gossip seeds from SRV records or host names.
package dns

import (
    "context"
    "fmt"
    "log"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-registry/pkg/discovery"
    "github.com/amirimatin/go-registry/pkg/errs"
    "github.com/amirimatin/go-registry/pkg/internal/logutil"
)

type Options struct {
    // Names are SRV names (_service._proto.domain), host names or literal
    // host:port pairs.
    Names []string
    // Port is used for A/AAAA answers. Default 7946.
    Port int
    // Refresh bounds how long a resolution is cached. Default 5s.
    Refresh time.Duration
    // Resolver overrides net.DefaultResolver.
    Resolver *net.Resolver
    Logger   *log.Logger
}

type impl struct {
    opts   Options
    logger *log.Logger

    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &impl{opts: opts, logger: logutil.Or(opts.Logger)}
}

func (d *impl) Seeds(ctx context.Context) ([]string, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.cache) > 0 && time.Since(d.last) < d.opts.Refresh {
        return append([]string(nil), d.cache...), nil
    }
    var out []string
    for _, name := range d.opts.Names {
        if name = strings.TrimSpace(name); name != "" {
            out = append(out, d.resolve(ctx, name)...)
        }
    }
    out = discovery.Normalize(out)
    if len(out) == 0 && len(d.opts.Names) > 0 {
        return nil, fmt.Errorf("dns discovery: no seeds for %v: %w", d.opts.Names, errs.ErrNotAvailable)
    }
    d.cache, d.last = out, time.Now()
    return append([]string(nil), out...), nil
}

func (d *impl) resolve(ctx context.Context, name string) []string {
    if isSRV(name) {
        if svc, proto, domain := parseSRVName(name); domain != "" {
            _, recs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
            if err == nil && len(recs) > 0 {
                out := make([]string, 0, len(recs))
                for _, r := range recs {
                    out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
                }
                return out
            }
            if err != nil { logutil.Debugf(d.logger, "dns discovery: srv %s: %v", name, err) }
        }
    } else if _, _, err := net.SplitHostPort(name); err == nil {
        return []string{name}
    }
    ips, err := d.opts.Resolver.LookupHost(ctx, name)
    if err != nil {
        logutil.Debugf(d.logger, "dns discovery: host %s: %v", name, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port)))
    }
    return out
}

func isSRV(name string) bool { return strings.HasPrefix(name, "_") && strings.Contains(name, "._") }

// parseSRVName splits _service._proto.domain.
func parseSRVName(fqdn string) (service, proto, domain string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
