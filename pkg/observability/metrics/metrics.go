package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Builder lock
    LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "go_registry",
        Subsystem: "builder",
        Name:      "lock_wait_seconds",
        Help:      "Time spent waiting for the shared builder lock",
        Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
    })
    LockHoldSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "go_registry",
        Subsystem: "builder",
        Name:      "lock_hold_seconds",
        Help:      "Time the shared builder lock was held",
        Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
    })
    LockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "builder",
        Name:      "lock_timeouts_total",
        Help:      "Total number of lock acquisitions that hit their deadline",
    })

    // Registry
    Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_registry",
        Name:      "operations_total",
        Help:      "Registry operations by op and result",
    }, []string{"op", "result"})
    TransactionID = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Name:      "transaction_id",
        Help:      "Current transaction id of the authoritative registry",
    })
    Entries = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Name:      "entries",
        Help:      "Number of entries held by the authoritative registry",
    })
    ConsistencyModifications = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "consistency",
        Name:      "modifications_total",
        Help:      "Entries repaired by a consistency handler",
    }, []string{"handler"})
    ConsistencyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "consistency",
        Name:      "failures_total",
        Help:      "Consistency passes that could not be performed",
    }, []string{"handler"})
    PluginVetoes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "plugin",
        Name:      "vetoes_total",
        Help:      "Mutations rejected by a plugin before hook",
    }, []string{"hook"})

    // Replicas and synchronization
    Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Subsystem: "repl",
        Name:      "subscribers",
        Help:      "Number of active snapshot subscribers",
    })
    SnapshotsBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "repl",
        Name:      "broadcast_total",
        Help:      "Snapshots pushed to subscribers",
    })
    SnapshotsDropped = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "repl",
        Name:      "dropped_total",
        Help:      "Snapshots dropped for slow subscribers",
    })
    AckTransactionPerNode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Subsystem: "repl",
        Name:      "ack_tx_per_node",
        Help:      "Last transaction id acknowledged per replica",
    }, []string{"node"})
    LagPerNode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Subsystem: "repl",
        Name:      "lag_per_node",
        Help:      "Transaction lag (current - acked) per replica",
    }, []string{"node"})
    ReplicaObservedTx = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Subsystem: "replica",
        Name:      "observed_tx",
        Help:      "Highest transaction id observed by this replica",
    })
    SyncWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Namespace: "go_registry",
        Subsystem: "sync",
        Name:      "wait_seconds",
        Help:      "Time a synchronized future waited for its replica",
        Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
    }, []string{"result"})

    Members = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Subsystem: "node",
        Name:      "members",
        Help:      "Number of members in the gossip view",
    })
    IsAuthoritative = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Subsystem: "node",
        Name:      "is_authoritative",
        Help:      "1 if this node hosts the authoritative registry, else 0",
    })

    // gRPC connection cache
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_registry",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_registry",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(LockWaitSeconds, LockHoldSeconds, LockTimeouts)
        prometheus.MustRegister(Operations, TransactionID, Entries)
        prometheus.MustRegister(ConsistencyModifications, ConsistencyFailures, PluginVetoes)
        // replication
        prometheus.MustRegister(Subscribers, SnapshotsBroadcast, SnapshotsDropped)
        prometheus.MustRegister(AckTransactionPerNode, LagPerNode, ReplicaObservedTx, SyncWaitSeconds)
        prometheus.MustRegister(Members, IsAuthoritative)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}
