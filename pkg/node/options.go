package node

import (
    "errors"
    "log"

    "github.com/amirimatin/go-registry/pkg/codec"
    "github.com/amirimatin/go-registry/pkg/discovery"
    "github.com/amirimatin/go-registry/pkg/membership"
    "github.com/amirimatin/go-registry/pkg/registry"
    "github.com/amirimatin/go-registry/pkg/remote"
    "github.com/amirimatin/go-registry/pkg/transport"
)

type Role string

const (
    RoleAuthoritative Role = membership.RoleAuthoritative
    RoleReplica       Role = membership.RoleReplica
)

// Options carries the components a node is assembled from. Instances are
// typically produced by bootstrap. Exactly one of Registry and Replica is set
// and decides the node's role.
type Options[M any] struct {
    NodeID string
    // Registry is the authoritative registry this node hosts. Start opens it.
    Registry *registry.Registry[M]
    // Replica follows another node's registry. Start starts it.
    Replica *remote.Replica[M]
    // Codec encodes payloads on the wire.
    Codec codec.Codec[M]

    // RPCClient is the client the replica was built with; Stop closes it
    // when it has a Close method.
    RPCClient transport.RPCClient
    // RPCServer exposes the node; optional for replicas.
    RPCServer transport.RPCServer
    // Membership announces this node and finds peers; optional.
    Membership membership.Membership
    // Discovery yields the seeds joined after membership starts; optional.
    Discovery discovery.Discovery

    Logger *log.Logger
}

// Validate performs a minimal validation of Options. It does not start any
// network activity.
func (o Options[M]) Validate() error {
    if o.NodeID == "" { return errors.New("node: empty NodeID") }
    if (o.Registry == nil) == (o.Replica == nil) { return errors.New("node: exactly one of Registry and Replica required") }
    if o.Codec == nil { return errors.New("node: nil Codec") }
    return nil
}

func (o Options[M]) role() Role {
    if o.Registry != nil { return RoleAuthoritative }
    return RoleReplica
}
