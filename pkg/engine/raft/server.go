package raftengine

import (
    "fmt"
    "time"

    "github.com/amirimatin/go-ensemble/pkg/internal/logutil"
    "github.com/amirimatin/go-ensemble/pkg/lifecycle"
    "github.com/amirimatin/go-ensemble/pkg/reconfig"
)

const shutdownTimeout = 10 * time.Second

// ReconfigurableServer runs the peer as a member of a dynamically
// reconfigurable ensemble. Start failures are retried by the runner.
type ReconfigurableServer struct{ peer *Peer }

// StaticServer runs the peer as a member of a fixed ensemble. A failed start
// is fatal.
type StaticServer struct{ peer *Peer }

func (s ReconfigurableServer) Start(configFile string) error     { return s.peer.Start(configFile) }
func (s ReconfigurableServer) Shutdown()                         { shutdown(s.peer) }
func (s ReconfigurableServer) Reconfigurable() bool              { return true }
func (s ReconfigurableServer) SetProperties(p map[string]string) { s.peer.SetProperties(p) }

func (s StaticServer) Start(configFile string) error     { return s.peer.Start(configFile) }
func (s StaticServer) Shutdown()                         { shutdown(s.peer) }
func (s StaticServer) Reconfigurable() bool              { return false }
func (s StaticServer) SetProperties(p map[string]string) { s.peer.SetProperties(p) }

func shutdown(p *Peer) {
    if err := p.Shutdown(shutdownTimeout); err != nil {
        logutil.Warnf(p.opts.Logger, "engine: shutdown: %v", err)
    }
}

// ServerFor picks the server flavor for a peer built by PeerFactory.
func ServerFor(reconfigurable bool) reconfig.ServerFactory {
    return func(p reconfig.Peer) lifecycle.Server {
        peer, ok := p.(*Peer)
        if !ok { panic(fmt.Sprintf("raftengine: unexpected peer type %T", p)) }
        if reconfigurable { return ReconfigurableServer{peer: peer} }
        return StaticServer{peer: peer}
    }
}

// PeerFactory builds a fresh engine peer.
func PeerFactory(opts Options) reconfig.PeerFactory {
    return func() (reconfig.Peer, error) { return NewPeer(opts), nil }
}

var (
    _ lifecycle.Server         = ReconfigurableServer{}
    _ lifecycle.PropertySetter = StaticServer{}
    _ reconfig.Peer            = (*Peer)(nil)
)
