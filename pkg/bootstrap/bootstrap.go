package bootstrap

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "sync/atomic"
    "time"

    "golang.org/x/sync/errgroup"

    raftengine "github.com/amirimatin/go-ensemble/pkg/engine/raft"
    "github.com/amirimatin/go-ensemble/pkg/ensemble"
    "github.com/amirimatin/go-ensemble/pkg/lifecycle"
    obsmetrics "github.com/amirimatin/go-ensemble/pkg/observability/metrics"
    "github.com/amirimatin/go-ensemble/pkg/reconfig"
    tlsx "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
    "github.com/amirimatin/go-ensemble/pkg/subscription/file"
    "github.com/amirimatin/go-ensemble/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-ensemble/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-ensemble/pkg/transport/httpjson"
)

var errNotStarted = errors.New("bootstrap: ensemble member not started")

// Config defines high-level inputs to assemble an ensemble member.
// Applications embed the manager by providing this structure and calling
// Build/Run.
type Config struct {
    // SpecPath is the YAML ensemble spec; it is polled for changes.
    SpecPath     string
    PollInterval time.Duration

    // Management HTTP API (status/config/reconfigure/metrics). Empty disables.
    MgmtAddr string

    // TLS (optional) for the management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // AdminTimeout bounds one admin RPC, ReconfigTimeout one reconfiguration.
    AdminTimeout    time.Duration
    ReconfigTimeout time.Duration

    Engine raftengine.Options

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
    // Terminator (optional) replaces process exit on fatal failures.
    Terminator lifecycle.Terminator
}

// Node is one assembled ensemble member.
type Node struct {
    cfg   Config
    coord *reconfig.Coordinator
    admin *mgmtgrpc.Client
    sub   *file.Source
    mgmt  *httpjson.Server
    peer  atomic.Pointer[raftengine.Peer]
}

// Build assembles a Node from Config without starting anything.
func Build(cfg Config) (*Node, error) {
    if cfg.SpecPath == "" { return nil, fmt.Errorf("%w: spec path required", ensemble.ErrInvalidArgument) }
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.AdminTimeout <= 0 { cfg.AdminTimeout = reconfig.DefaultAttemptTimeout }
    if cfg.Engine.Logger == nil { cfg.Engine.Logger = cfg.Logger }
    obsmetrics.Register()

    // Members reach each other's admin port with the quorum TLS mode.
    admin := mgmtgrpc.NewClient(cfg.AdminTimeout).UseTLSSource(raftengine.QuorumClientTLS)
    if cfg.Engine.AdminClient == nil { cfg.Engine.AdminClient = admin }
    coord := reconfig.New(reconfig.NewRPCAdmin(admin), reconfig.Options{
        Logger:         cfg.Logger,
        Terminator:     cfg.Terminator,
        Timeout:        cfg.ReconfigTimeout,
        AttemptTimeout: cfg.AdminTimeout,
    })
    n := &Node{
        cfg:   cfg,
        coord: coord,
        admin: admin,
        sub:   file.New(file.Options{Path: cfg.SpecPath, Interval: cfg.PollInterval, Logger: cfg.Logger}),
    }
    if cfg.MgmtAddr != "" {
        s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
        if cfg.TLSEnable {
            topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
            srvTLS, err := topts.ServerHotReload()
            if err != nil { return nil, err }
            s.UseTLS(srvTLS)
        }
        n.mgmt = s
    }
    return n, nil
}

// Coordinator exposes the reconfiguration coordinator.
func (n *Node) Coordinator() *reconfig.Coordinator { return n.coord }

// MgmtAddr is the bound management address, empty when disabled.
func (n *Node) MgmtAddr() string {
    if n.mgmt == nil { return "" }
    return n.mgmt.Addr()
}

// Apply hands one spec to the coordinator. A terminated coordinator stops
// the subscription.
func (n *Node) Apply(ctx context.Context, spec *ensemble.Spec) error {
    peer, err := n.coord.StartOrReconfigure(ctx, spec, raftengine.ServerFor(spec.DynamicReconfigEnabled), raftengine.PeerFactory(n.cfg.Engine))
    if errors.Is(err, reconfig.ErrTerminated) { return fmt.Errorf("%w: %v", file.ErrStop, err) }
    if err != nil { return err }
    if p, ok := peer.(*raftengine.Peer); ok { n.peer.Store(p) }
    return nil
}

// Run starts the management endpoint and follows the spec file until ctx is
// canceled or the coordinator terminates. The member is shut down on return.
func (n *Node) Run(ctx context.Context) error {
    defer n.Close()
    g, gctx := errgroup.WithContext(ctx)
    if n.mgmt != nil {
        if err := n.mgmt.Start(gctx, n.Handlers()); err != nil { return err }
        g.Go(func() error {
            <-gctx.Done()
            return n.mgmt.Stop(context.Background())
        })
    }
    g.Go(func() error { return n.sub.Run(gctx, n.Apply) })
    return g.Wait()
}

// Close shuts the member down and releases cached admin connections.
func (n *Node) Close() {
    n.coord.Shutdown()
    n.admin.Close()
}

type nodeStatus struct {
    Runner  string          `json:"runner"`
    Summary string          `json:"summary"`
    Active  *ensemble.Spec  `json:"active,omitempty"`
    Targets []string        `json:"targets,omitempty"`
    Engine  json.RawMessage `json:"engine,omitempty"`
}

// Handlers serves the management API from the coordinator and the local
// engine peer.
func (n *Node) Handlers() transport.Handlers {
    return transport.Handlers{
        Status: func(ctx context.Context) ([]byte, error) {
            out := nodeStatus{Runner: n.coord.RunnerState().String(), Summary: n.coord.Describe(), Active: n.coord.ActiveConfig()}
            if out.Active != nil { out.Targets = out.Active.ReconfigTargets() }
            if p := n.peer.Load(); p != nil {
                if raw, err := p.Handlers().Status(ctx); err == nil { out.Engine = raw }
            }
            return json.Marshal(out)
        },
        Config: func(ctx context.Context) (transport.ConfigResponse, error) {
            p := n.peer.Load()
            if p == nil { return transport.ConfigResponse{}, errNotStarted }
            return p.Handlers().Config(ctx)
        },
        Reconfigure: func(ctx context.Context, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
            p := n.peer.Load()
            if p == nil { return transport.ReconfigureResponse{Retryable: true}, errNotStarted }
            return p.Handlers().Reconfigure(ctx, req)
        },
    }
}
