// Package file reads seeds from a file, a glob of files or an environment
// variable. A file holds one seed per line or comma separated lists; lines
// starting with # are ignored.
package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-registry/pkg/discovery"
    "github.com/amirimatin/go-registry/pkg/errs"
)

type Options struct {
    // Path is a file or a glob pattern.
    Path string
    // Env, when set and non-empty in the environment, overrides Path.
    Env string
    // Refresh bounds how long a read is cached. Default 5s.
    Refresh time.Duration
}

type impl struct {
    opts Options

    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &impl{opts: opts}
}

func (i *impl) Seeds(context.Context) ([]string, error) {
    if i.opts.Env != "" {
        if v := os.Getenv(i.opts.Env); strings.TrimSpace(v) != "" {
            return discovery.Normalize(discovery.SplitCSV(v)), nil
        }
    }
    if i.opts.Path == "" { return nil, nil }

    i.mu.Lock()
    defer i.mu.Unlock()
    now := time.Now()
    if st, err := os.Stat(i.opts.Path); err == nil {
        if st.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            seeds, err := readFile(i.opts.Path)
            if err != nil { return i.copy(), err }
            i.cache, i.last, i.mtime = seeds, now, st.ModTime()
        }
        return i.copy(), nil
    }
    if now.Sub(i.last) < i.opts.Refresh && i.cache != nil { return i.copy(), nil }

    matches, err := filepath.Glob(i.opts.Path)
    if err != nil { return i.copy(), fmt.Errorf("file discovery: bad pattern %q: %w", i.opts.Path, errs.ErrVerificationFailed) }
    if len(matches) == 0 { return i.copy(), fmt.Errorf("file discovery: nothing at %s: %w", i.opts.Path, errs.ErrNotAvailable) }
    var all []string
    for _, m := range matches {
        seeds, err := readFile(m)
        if err != nil { return i.copy(), err }
        all = append(all, seeds...)
    }
    i.cache, i.last = discovery.Normalize(all), now
    return i.copy(), nil
}

func (i *impl) copy() []string { return append([]string(nil), i.cache...) }

func readFile(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, fmt.Errorf("file discovery: %w", err) }
    defer f.Close()
    var seeds []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, discovery.SplitCSV(line)...)
    }
    if err := s.Err(); err != nil { return nil, fmt.Errorf("file discovery: read %s: %w", path, err) }
    return discovery.Normalize(seeds), nil
}
