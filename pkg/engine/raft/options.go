package raftengine

import (
    "io"
    "log"
    "time"

    "github.com/amirimatin/go-ensemble/pkg/transport"
)

// Options configure the embedded engine. Zero values derive from the
// rendered config file.
type Options struct {
    Logger *log.Logger
    // LogOutput receives raft's own logs; nil keeps raft's default.
    LogOutput io.Writer

    // MyIDFile overrides <dataDir>/myid.
    MyIDFile string

    // Timeouts. Zero means two ticks for heartbeat and election, and
    // initLimit ticks for ReadyTimeout.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration
    ReadyTimeout     time.Duration

    // AdminBind overrides the admin listen address (":<clientPort>").
    AdminBind string
    // AdminClient forwards reconfigurations from followers to the leader.
    // Defaults to a gRPC client using the quorum TLS mode.
    AdminClient transport.AdminClient
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = 10 * time.Second }
}
