package registry

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-registry/pkg/codec"
    "github.com/amirimatin/go-registry/pkg/consistency"
    "github.com/amirimatin/go-registry/pkg/entry"
    "github.com/amirimatin/go-registry/pkg/plugin"
)

// Options configures an authoritative registry. The open-mode flags are read
// once by Open.
type Options[M any] struct {
    // Name identifies the registry in logs, metrics and handler calls.
    Name string
    // Dir holds one file per entry.
    Dir      string
    Codec    codec.Codec[M]
    Accessor entry.Accessor[M]
    // Generator assigns ids to registered payloads without one. Defaults to
    // entry.UUIDGenerator.
    Generator entry.Generator[M]
    // Clone deep-copies a payload for snapshots. Nil shares payloads, which
    // is fine for value types and immutable messages.
    Clone func(M) M

    Handlers []consistency.Handler[M]
    Plugins  []plugin.Plugin[M]

    // InitDB creates Dir when missing; otherwise a missing Dir fails Open.
    InitDB bool
    // Reset deletes every stored entry before loading.
    Reset bool
    // Recover sets aside entries that cannot be decoded or made consistent
    // instead of failing Open.
    Recover bool
    // ReadOnly rejects every mutation with errs.ErrRejected.
    ReadOnly bool

    // LockTimeout bounds how long a mutation waits for the builder lock.
    // Zero waits as long as the caller's context allows.
    LockTimeout time.Duration
    // MaxIterations caps per-entry handler restarts (see consistency.Options).
    MaxIterations int

    Logger *log.Logger
}

func (o Options[M]) Validate() error {
    if o.Dir == "" { return errors.New("registry: empty Dir") }
    if o.Codec == nil { return errors.New("registry: nil Codec") }
    if o.Accessor == nil { return errors.New("registry: nil Accessor") }
    if o.LockTimeout < 0 { return errors.New("registry: negative LockTimeout") }
    return nil
}
