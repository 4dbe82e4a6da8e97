package raftengine

import (
    "crypto/tls"
    "errors"
    "net"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    "github.com/soheilhy/cmux"

    "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
    "github.com/amirimatin/go-ensemble/pkg/security/tlsregistry"
)

var errNoTLSContext = errors.New("engine: no usable TLS context installed")

// serverTLS and clientTLS are the engine's connection factory: they read the
// process-wide TLS context at connection time.
func serverTLS() (*tls.Config, error) {
    ctx := tlsregistry.Get()
    if ctx.Closed() || ctx.Server == nil { return nil, errNoTLSContext }
    return ctx.Server, nil
}

func clientTLS() (*tls.Config, error) {
    ctx := tlsregistry.Get()
    if ctx.Closed() || ctx.Client == nil { return nil, errNoTLSContext }
    return ctx.Client, nil
}

// QuorumClientTLS returns the client TLS config members use to reach each
// other, or nil when the installed context keeps quorum traffic plaintext.
func QuorumClientTLS() (*tls.Config, error) {
    ctx := tlsregistry.Get()
    if ctx == nil || !ctx.Settings.Enabled || ctx.Settings.MixedMode == tlsconfig.MixedModePlaintextClient {
        return nil, nil
    }
    return clientTLS()
}

// listenMode selects what a listener accepts.
type listenMode int

const (
    plainOnly listenMode = iota
    tlsOnly
    unified // TLS and plaintext on the same port
)

func listenModeFor(tlsEnabled, tlsRequired, portUnification bool) listenMode {
    switch {
    case !tlsEnabled:
        return plainOnly
    case portUnification:
        return unified
    case tlsRequired:
        return tlsOnly
    default:
        return plainOnly
    }
}

func wrapListener(ln net.Listener, mode listenMode) net.Listener {
    if mode == plainOnly { return ln }
    m := cmux.New(ln)
    ul := &unifiedListener{Listener: ln, connc: make(chan net.Conn), done: make(chan struct{})}
    // TLS must be matched first; Any takes whatever is left.
    ul.feed(tls.NewListener(m.Match(cmux.TLS()), registryServerTLS()))
    if mode == unified { ul.feed(m.Match(cmux.Any())) }
    go func() { _ = m.Serve() }()
    return ul
}

// registryServerTLS resolves the server config per handshake so a replaced
// context takes effect on the next connection.
func registryServerTLS() *tls.Config {
    return &tls.Config{GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) { return serverTLS() }}
}

// unifiedListener merges the listeners cmux hands out back into one, as
// grpc.Server and raft's stream layer accept from a single listener.
type unifiedListener struct {
    net.Listener
    connc chan net.Conn
    done  chan struct{}
    once  sync.Once
}

func (l *unifiedListener) feed(src net.Listener) {
    go func() {
        for {
            c, err := src.Accept()
            if err != nil { _ = l.Close(); return }
            select {
            case l.connc <- c:
            case <-l.done:
                _ = c.Close()
                return
            }
        }
    }()
}

func (l *unifiedListener) Accept() (net.Conn, error) {
    select {
    case c := <-l.connc:
        return c, nil
    case <-l.done:
        return nil, net.ErrClosed
    }
}

func (l *unifiedListener) Close() error {
    var err error
    l.once.Do(func() {
        close(l.done)
        err = l.Listener.Close()
    })
    return err
}

// streamLayer carries raft traffic over an optionally TLS wrapped listener.
type streamLayer struct {
    net.Listener
    advertise net.Addr
    dialTLS   bool
}

func (s *streamLayer) Dial(addr raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
    d := &net.Dialer{Timeout: timeout}
    if !s.dialTLS { return d.Dial("tcp", string(addr)) }
    cfg, err := clientTLS()
    if err != nil { return nil, err }
    return tls.DialWithDialer(d, "tcp", string(addr), cfg)
}

func (s *streamLayer) Addr() net.Addr {
    if s.advertise != nil { return s.advertise }
    return s.Listener.Addr()
}

var _ raft.StreamLayer = (*streamLayer)(nil)
