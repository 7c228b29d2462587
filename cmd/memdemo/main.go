package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os/signal"
    "syscall"
    "time"

    "github.com/amirimatin/go-registry/pkg/discovery"
    base "github.com/amirimatin/go-registry/pkg/membership"
    ml "github.com/amirimatin/go-registry/pkg/membership/memberlist"
)

// memdemo joins the gossip membership as a passive observer and prints
// member changes together with the authoritative endpoint a replica would
// follow.
func main() {
    var (
        id        = flag.String("id", "observer-1", "node id")
        bind      = flag.String("bind", ":7950", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        joinCSV   = flag.String("join", "", "comma-separated seeds (host:port)")
        name      = flag.String("name", "", "registry name to locate (empty matches any)")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    m, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, Logger: log.Default(), Meta: map[string]string{base.MetaRole: "observer"}})
    if err != nil { log.Fatal(err) }
    if err := m.Start(ctx); err != nil { log.Fatal(err) }
    if seeds := discovery.SplitCSV(*joinCSV); len(seeds) > 0 {
        if err := m.Join(seeds); err != nil { log.Printf("join error: %v", err) }
    }
    loc := base.Locator{Members: m, Name: *name}

    fmt.Println("memdemo started. Press Ctrl+C to exit.")
    for {
        select {
        case e, ok := <-m.Events():
            if !ok { return }
            fmt.Printf("event: %-6s id=%s addr=%s role=%s registry=%s at=%s\n", e.Type, e.Member.ID, e.Member.Addr,
                e.Member.Meta[base.MetaRole], e.Member.Meta[base.MetaRegistryAddr], e.At.Format(time.RFC3339))
            if addr, err := loc.Find(); err == nil {
                fmt.Printf("authoritative: %s\n", addr)
            } else {
                fmt.Printf("authoritative: none (%v)\n", err)
            }
        case <-ctx.Done():
            _ = m.Leave()
            _ = m.Stop()
            return
        }
    }
}
