package node

import "github.com/amirimatin/go-registry/pkg/membership"

// Status is a JSON-serializable view of a node for /status and tooling.
type Status struct {
    NodeID   string `json:"nodeId"`
    Role     Role   `json:"role"`
    Registry string `json:"registry,omitempty"`
    // Healthy is true once the node serves data: the registry is open, or
    // the replica has applied a snapshot.
    Healthy       bool   `json:"healthy"`
    TransactionID uint64 `json:"transactionId"`
    Entries       int    `json:"entries"`
    // Subscribers counts snapshot streams served by this node.
    Subscribers int                     `json:"subscribers"`
    Addr        string                  `json:"addr,omitempty"`
    Members     []membership.MemberInfo `json:"members,omitempty"`
    // Acked lists the transaction id each replica acknowledged, when known.
    Acked    map[string]uint64 `json:"acked,omitempty"`
    Warnings []string          `json:"warnings,omitempty"`
}
