package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    StartAttempts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_ensemble",
        Subsystem: "server",
        Name:      "start_attempts_total",
        Help:      "Total attempts to start the local ensemble server",
    })

    ServerRunning = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_ensemble",
        Subsystem: "server",
        Name:      "running",
        Help:      "1 while the local ensemble server is confirmed running, else 0",
    })

    ReconfigAttempts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_ensemble",
        Subsystem: "reconfig",
        Name:      "attempts_total",
        Help:      "Total reconfiguration RPC attempts",
    })

    Reconfigurations = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_ensemble",
        Subsystem: "reconfig",
        Name:      "total",
        Help:      "Reconfigurations by outcome (completed, timed_out)",
    }, []string{"result"})

    ReconfigDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "go_ensemble",
        Subsystem: "reconfig",
        Name:      "duration_seconds",
        Help:      "Time from reconfiguration trigger to completion",
        Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 180},
    })

    ActiveMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_ensemble",
        Name:      "active_members",
        Help:      "Non-retired members in the active ensemble configuration",
    })

    AdminRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_ensemble",
        Subsystem: "admin",
        Name:      "requests_total",
        Help:      "Admin RPC requests handled by the local engine",
    }, []string{"method", "result"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_ensemble",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_ensemble",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_ensemble",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_ensemble",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })

    SpecUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_ensemble",
        Subsystem: "subscription",
        Name:      "updates_total",
        Help:      "Ensemble spec updates seen by the subscription, by outcome",
    }, []string{"result"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            StartAttempts,
            ServerRunning,
            ReconfigAttempts,
            Reconfigurations,
            ReconfigDuration,
            ActiveMembers,
            AdminRequests,
            GRPCConnDials,
            GRPCConnReuse,
            GRPCConnEvictions,
            GRPCConnActive,
            SpecUpdates,
        )
    })
}
