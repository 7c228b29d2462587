// Package discovery provides the gossip seeds a node joins on startup.
package discovery

import (
    "context"
    "sort"
    "strings"
)

// Discovery yields seed addresses in host:port form. An empty result is not an
// error; a node without seeds starts its own membership.
type Discovery interface {
    Seeds(ctx context.Context) ([]string, error)
}

// Func adapts a plain function to Discovery.
type Func func(ctx context.Context) ([]string, error)

func (f Func) Seeds(ctx context.Context) ([]string, error) { return f(ctx) }

// SplitCSV splits a comma separated list, dropping empty items.
func SplitCSV(csv string) []string {
    if strings.TrimSpace(csv) == "" { return nil }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// Normalize trims, de-duplicates and sorts seeds.
func Normalize(seeds []string) []string {
    set := make(map[string]struct{}, len(seeds))
    out := make([]string, 0, len(seeds))
    for _, s := range seeds {
        s = strings.TrimSpace(s)
        if s == "" { continue }
        if _, ok := set[s]; ok { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    if len(out) == 0 { return nil }
    return out
}
