// Package raftengine embeds a hashicorp/raft based consensus engine that is
// configured from the rendered ensemble config file and reconfigured through
// the admin RPC served on the member's client port.
package raftengine

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
    "google.golang.org/grpc"

    "github.com/amirimatin/go-ensemble/pkg/configurator"
    "github.com/amirimatin/go-ensemble/pkg/ensemble"
    "github.com/amirimatin/go-ensemble/pkg/internal/logutil"
    "github.com/amirimatin/go-ensemble/pkg/transport"
    grpctransport "github.com/amirimatin/go-ensemble/pkg/transport/grpc"
)

var (
    errNotStarted          = errors.New("engine: not started")
    errNoLeader            = errors.New("engine: no leader")
    errReconfigInProgress  = errors.New("engine: reconfiguration already in progress")
    errForwardedToFollower = errors.New("engine: forwarded request reached a follower")
    errStopped             = errors.New("engine: shut down while starting")
)

// security is the TLS layout read back from the config file.
type security struct {
    enabled               bool
    sslQuorum             bool
    portUnification       bool
    clientPortUnification bool
}

func securityFrom(p *configurator.Parsed) security {
    return security{
        enabled:               p.String("ssl.quorum.context.supplier.class", "") != "",
        sslQuorum:             p.Bool("sslQuorum", false),
        portUnification:       p.Bool("portUnification", false),
        clientPortUnification: p.Bool("client.portUnification", false),
    }
}

// Peer is the local quorum peer.
type Peer struct {
    opts Options

    mu        sync.Mutex
    props     map[string]string
    r         *raft.Raft
    trans     raft.Transport
    bolt      *raftboltdb.BoltStore
    admin     *grpctransport.Server
    ownClient *grpctransport.Client
    client    transport.AdminClient
    self      ensemble.Member
    static    []ensemble.Member
    ready     time.Duration
    stop      chan struct{} // closed by Shutdown; unblocks awaitLeader
    st        *State

    reconfMu sync.Mutex
}

// NewPeer returns an unopened peer; Start opens it.
func NewPeer(opts Options) *Peer {
    opts.setDefaults()
    return &Peer{opts: opts, st: NewState()}
}

// SetProperties records engine properties. jute.maxbuffer bounds admin
// message size.
func (p *Peer) SetProperties(props map[string]string) {
    p.mu.Lock(); defer p.mu.Unlock()
    p.props = make(map[string]string, len(props))
    for k, v := range props {
        p.props[k] = v
    }
}

// Start opens the engine from configFile on the first call and blocks until
// a leader is known. Later calls only wait for a leader.
func (p *Peer) Start(configFile string) error {
    p.mu.Lock()
    if p.r == nil {
        p.stop = make(chan struct{})
        if err := p.open(configFile); err != nil {
            p.closeLocked(time.Second)
            p.mu.Unlock()
            return err
        }
    }
    r, wait, stop := p.r, p.ready, p.stop
    p.mu.Unlock()
    return awaitLeader(r, wait, stop)
}

func awaitLeader(r *raft.Raft, wait time.Duration, stop <-chan struct{}) error {
    deadline := time.NewTimer(wait)
    defer deadline.Stop()
    poll := time.NewTicker(50 * time.Millisecond)
    defer poll.Stop()
    for {
        if _, id := r.LeaderWithID(); id != "" { return nil }
        select {
        case <-stop:
            return errStopped
        case <-deadline.C:
            return fmt.Errorf("%w within %s", errNoLeader, wait)
        case <-poll.C:
        }
    }
}

func (p *Peer) open(configFile string) error {
    cfg, err := configurator.ParseFile(configFile)
    if err != nil { return err }
    dataDir := cfg.String("dataDir", "")
    if dataDir == "" { return fmt.Errorf("%w: %s has no dataDir", ensemble.ErrInvalidArgument, configFile) }
    idFile := p.opts.MyIDFile
    if idFile == "" { idFile = filepath.Join(dataDir, "myid") }
    myid, err := configurator.ReadMyID(idFile)
    if err != nil { return err }
    spec := ensemble.Spec{MyID: myid, Members: cfg.Servers}
    self, err := spec.Self()
    if err != nil { return err }
    p.self, p.static = self, cfg.Servers
    sec := securityFrom(cfg)

    tick := time.Duration(cfg.Int("tickTime", 2000)) * time.Millisecond
    rc := raft.DefaultConfig()
    rc.LocalID = serverID(self)
    rc.HeartbeatTimeout = orDefault(p.opts.HeartbeatTimeout, 2*tick)
    rc.ElectionTimeout = orDefault(p.opts.ElectionTimeout, 2*tick)
    if rc.ElectionTimeout < rc.HeartbeatTimeout { rc.ElectionTimeout = rc.HeartbeatTimeout }
    if rc.LeaderLeaseTimeout > rc.HeartbeatTimeout { rc.LeaderLeaseTimeout = rc.HeartbeatTimeout / 2 }
    if p.opts.CommitTimeout > 0 { rc.CommitTimeout = p.opts.CommitTimeout }
    if n := cfg.Int("snapCount", 0); n > 0 { rc.SnapshotThreshold = uint64(n) }
    if p.opts.LogOutput != nil { rc.LogOutput = p.opts.LogOutput }
    p.ready = orDefault(p.opts.ReadyTimeout, time.Duration(cfg.Int("initLimit", 10))*tick)

    if err := os.MkdirAll(dataDir, 0o755); err != nil { return err }
    bolt, err := raftboltdb.NewBoltStore(filepath.Join(dataDir, "raft.db"))
    if err != nil { return err }
    p.bolt = bolt
    retain := cfg.Int("autopurge.snapRetainCount", 3)
    if retain < 1 { retain = 1 }
    snaps, err := raft.NewFileSnapshotStore(dataDir, retain, os.Stderr)
    if err != nil { return err }

    trans, err := p.quorumTransport(cfg, sec)
    if err != nil { return err }
    p.trans = trans

    r, err := raft.NewRaft(rc, newConfigFSM(p.st), bolt, bolt, snaps, trans)
    if err != nil { return err }
    p.r = r

    existing, err := raft.HasExistingState(bolt, bolt, snaps)
    if err != nil { return err }
    // Joining members wait for the leader to add them.
    if !existing && !self.Joining {
        if err := r.BootstrapCluster(bootstrapConfiguration(cfg.Servers)).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            return err
        }
        logutil.Infof(p.opts.Logger, "engine: bootstrapped member %d with %d server(s)", self.ID, len(cfg.Servers))
    }

    if err := p.startAdmin(sec); err != nil { return err }
    return nil
}

func orDefault(v, def time.Duration) time.Duration {
    if v > 0 { return v }
    return def
}

func (p *Peer) quorumTransport(cfg *configurator.Parsed, sec security) (raft.Transport, error) {
    port := strconv.Itoa(p.self.QuorumPort)
    host := p.self.Hostname
    if cfg.Bool("quorumListenOnAllIPs", false) { host = "0.0.0.0" }
    bind := net.JoinHostPort(host, port)
    adv, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(p.self.Hostname, port))
    if err != nil { return nil, err }
    if !sec.enabled {
        return raft.NewTCPTransport(bind, adv, 3, 10*time.Second, os.Stderr)
    }
    ln, err := net.Listen("tcp", bind)
    if err != nil { return nil, err }
    mode := listenModeFor(true, sec.sslQuorum, sec.portUnification)
    stream := &streamLayer{Listener: wrapListener(ln, mode), advertise: adv, dialTLS: sec.sslQuorum}
    return raft.NewNetworkTransport(stream, 3, 10*time.Second, os.Stderr), nil
}

func (p *Peer) startAdmin(sec security) error {
    bind := p.opts.AdminBind
    if bind == "" { bind = ":" + strconv.Itoa(p.self.ClientPort) }
    mode := listenModeFor(sec.enabled, true, sec.clientPortUnification)
    srv := grpctransport.NewServer(bind).UseListener(func(ln net.Listener) net.Listener { return wrapListener(ln, mode) })
    if n, err := strconv.Atoi(p.props[configurator.PropJuteMaxBuffer]); err == nil && n > 0 {
        srv.UseServerOptions(grpc.MaxRecvMsgSize(n))
    }
    if err := srv.Start(context.Background(), p.Handlers()); err != nil { return err }
    p.admin = srv

    p.client = p.opts.AdminClient
    if p.client == nil {
        c := grpctransport.NewClient(p.opts.ApplyTimeout).UseTLSSource(QuorumClientTLS)
        p.ownClient, p.client = c, c
    }
    return nil
}

// Handlers exposes the admin operations for embedding in other endpoints.
func (p *Peer) Handlers() transport.Handlers {
    return transport.Handlers{Status: p.status, Reconfigure: p.reconfigure, Config: p.config}
}

// AdminAddr is the bound admin address, empty before Start.
func (p *Peer) AdminAddr() string {
    p.mu.Lock(); defer p.mu.Unlock()
    if p.admin == nil { return "" }
    return p.admin.Addr()
}

// Shutdown stops the admin server and raft, waiting up to timeout for raft.
func (p *Peer) Shutdown(timeout time.Duration) error {
    p.mu.Lock(); defer p.mu.Unlock()
    return p.closeLocked(timeout)
}

func (p *Peer) closeLocked(timeout time.Duration) error {
    var errs []error
    if p.stop != nil {
        close(p.stop)
        p.stop = nil
    }
    if p.admin != nil {
        ctx, cancel := context.WithTimeout(context.Background(), timeout)
        errs = append(errs, p.admin.Stop(ctx))
        cancel()
        p.admin = nil
    }
    if p.ownClient != nil {
        p.ownClient.Close()
        p.ownClient = nil
    }
    stopped := true
    if p.r != nil {
        done := make(chan error, 1)
        r := p.r
        go func() { done <- r.Shutdown().Error() }()
        select {
        case err := <-done:
            errs = append(errs, err)
        case <-time.After(timeout):
            stopped = false
            errs = append(errs, fmt.Errorf("engine: raft shutdown did not finish within %s", timeout))
        }
        p.r = nil
    }
    errs = append(errs, closeStores(p.opts.Logger, p.trans, p.bolt, stopped))
    p.trans, p.bolt = nil, nil
    return errors.Join(errs...)
}

// closeStores releases the transport and log store. Raft owns both until its
// shutdown returns, so they stay open when it has not.
func closeStores(l *log.Logger, trans raft.Transport, bolt *raftboltdb.BoltStore, raftStopped bool) error {
    if !raftStopped {
        if trans != nil || bolt != nil {
            logutil.Warnf(l, "engine: leaving raft store and transport open, raft is still shutting down")
        }
        return nil
    }
    var errs []error
    if c, ok := trans.(interface{ Close() error }); ok && c != nil {
        errs = append(errs, c.Close())
    }
    if bolt != nil { errs = append(errs, bolt.Close()) }
    return errors.Join(errs...)
}

func (p *Peer) raft() *raft.Raft {
    p.mu.Lock(); defer p.mu.Unlock()
    return p.r
}

// adminAddr finds the admin endpoint of a member by raft id.
func (p *Peer) adminAddr(id raft.ServerID) string {
    n, err := strconv.Atoi(string(id))
    if err != nil { return "" }
    m, ok := p.st.Lookup(n)
    if !ok {
        for _, s := range p.static {
            if s.ID == n { m, ok = s, true; break }
        }
    }
    if !ok { return "" }
    return net.JoinHostPort(m.Hostname, strconv.Itoa(m.ClientPort))
}

func (p *Peer) reconfigure(ctx context.Context, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
    retry := transport.ReconfigureResponse{Retryable: true}
    r := p.raft()
    if r == nil { return retry, errNotStarted }
    if r.State() != raft.Leader { return p.forward(ctx, r, req) }
    if !p.reconfMu.TryLock() { return retry, errReconfigInProgress }
    defer p.reconfMu.Unlock()

    target, err := ensemble.ParseServerList(req.Servers)
    if err != nil { return transport.ReconfigureResponse{}, err }
    if len(target) == 0 { return transport.ReconfigureResponse{}, fmt.Errorf("%w: empty server list", ensemble.ErrInvalidArgument) }

    cf := r.GetConfiguration()
    if err := cf.Error(); err != nil { return retry, err }
    for _, ch := range planChanges(cf.Configuration(), target, serverID(p.self)) {
        logutil.Infof(p.opts.Logger, "engine: reconfigure %s", ch)
        if err := ch.apply(r, p.opts.ApplyTimeout); err != nil {
            return retry, fmt.Errorf("%s: %w", ch, err)
        }
    }
    data, err := encodeSetConfig(target)
    if err != nil { return transport.ReconfigureResponse{}, err }
    f := r.Apply(data, p.opts.ApplyTimeout)
    if err := f.Error(); err != nil { return retry, err }
    switch v := f.Response().(type) {
    case error:
        return transport.ReconfigureResponse{}, v
    case uint64:
        _, leader := r.LeaderWithID()
        return transport.ReconfigureResponse{Accepted: true, Version: v, Leader: string(leader)}, nil
    default:
        return transport.ReconfigureResponse{Accepted: true}, nil
    }
}

func (p *Peer) forward(ctx context.Context, r *raft.Raft, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
    retry := transport.ReconfigureResponse{Retryable: true}
    if req.Forwarded { return retry, errForwardedToFollower }
    _, leader := r.LeaderWithID()
    if leader == "" { return retry, errNoLeader }
    addr := p.adminAddr(leader)
    if addr == "" { return retry, fmt.Errorf("engine: no admin address for leader %s", leader) }
    req.Forwarded = true
    resp, err := p.client.Reconfigure(ctx, addr, req)
    if err != nil {
        resp.Retryable = true
        return resp, err
    }
    return resp, nil
}

func (p *Peer) config(context.Context) (transport.ConfigResponse, error) {
    r := p.raft()
    if r == nil { return transport.ConfigResponse{}, errNotStarted }
    v, servers := p.st.Current()
    _, leader := r.LeaderWithID()
    return transport.ConfigResponse{Version: v, Servers: servers, Leader: string(leader)}, nil
}

type serverStatus struct {
    ID       string `json:"id"`
    Address  string `json:"address"`
    Suffrage string `json:"suffrage"`
}

type peerStatus struct {
    ID         int               `json:"id"`
    State      string            `json:"state"`
    Leader     string            `json:"leader,omitempty"`
    Term       uint64            `json:"term"`
    Version    uint64            `json:"version"`
    Servers    []string          `json:"servers,omitempty"`
    Raft       []serverStatus    `json:"raft,omitempty"`
    Properties map[string]string `json:"properties,omitempty"`
}

func (p *Peer) status(context.Context) ([]byte, error) {
    r := p.raft()
    if r == nil { return nil, errNotStarted }
    v, servers := p.st.Current()
    _, leader := r.LeaderWithID()
    out := peerStatus{ID: p.self.ID, State: r.State().String(), Leader: string(leader), Version: v, Servers: servers}
    if t, err := strconv.ParseUint(r.Stats()["term"], 10, 64); err == nil { out.Term = t }
    if cf := r.GetConfiguration(); cf.Error() == nil {
        for _, s := range cf.Configuration().Servers {
            out.Raft = append(out.Raft, serverStatus{ID: string(s.ID), Address: string(s.Address), Suffrage: s.Suffrage.String()})
        }
    }
    p.mu.Lock()
    out.Properties = p.props
    p.mu.Unlock()
    return json.Marshal(out)
}
