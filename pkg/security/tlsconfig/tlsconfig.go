package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sort"
    "sync"
    "time"
)

// MixedMode selects whether plaintext and TLS connections may share a port.
type MixedMode string

const (
    // MixedModeTLSOnly serves TLS only, on both the client and quorum ports.
    MixedModeTLSOnly MixedMode = "tls_only"
    // MixedModeTLSClient makes clients speak TLS while servers still accept
    // plaintext, used while an ensemble is being upgraded to TLS.
    MixedModeTLSClient MixedMode = "tls_client_mixed_server"
    // MixedModePlaintextClient makes clients speak plaintext while servers
    // already accept TLS.
    MixedModePlaintextClient MixedMode = "plaintext_client_mixed_server"
)

// ParseMixedMode accepts the textual names above; empty means tls_only.
func ParseMixedMode(s string) (MixedMode, error) {
    switch MixedMode(s) {
    case "", MixedModeTLSOnly:
        return MixedModeTLSOnly, nil
    case MixedModeTLSClient, MixedModePlaintextClient:
        return MixedMode(s), nil
    default:
        return "", fmt.Errorf("tls: unknown mixed mode %q", s)
    }
}

// Settings is what the config renderer needs to know about TLS.
type Settings struct {
    Enabled      bool
    MixedMode    MixedMode
    CipherSuites []string
    Protocols    []string
}

// Disabled is the zero TLS setting.
var Disabled = Settings{}

// SortedCipherSuites returns the cipher suites in lexical order.
func (s Settings) SortedCipherSuites() []string { return sorted(s.CipherSuites) }

// SortedProtocols returns the protocols in lexical order.
func (s Settings) SortedProtocols() []string { return sorted(s.Protocols) }

func sorted(in []string) []string {
    out := append([]string(nil), in...)
    sort.Strings(out)
    return out
}

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // CipherSuites and Protocols use Go's names (tls.CipherSuiteName and
    // "TLSv1.2"/"TLSv1.3").
    CipherSuites []string
    Protocols    []string
}

// ServerHotReload returns a server tls.Config that reloads the certificate
// from disk lazily on handshake to support rotation without a restart. The
// CA pool is loaded once and client certificates are required.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    cfg, err := o.base()
    if err != nil { return nil, err }
    if cfg.RootCAs != nil {
        cfg.ClientCAs = cfg.RootCAs
        cfg.RootCAs = nil
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    load := o.loader()
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return load() }
    return cfg, nil
}

// ClientHotReload returns a client tls.Config that reloads the client
// certificate from disk on demand.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.base()
    if err != nil { return nil, err }
    cfg.InsecureSkipVerify = o.InsecureSkipVerify //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    load := o.loader()
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
        if o.CertFile == "" || o.KeyFile == "" { return &tls.Certificate{}, nil }
        return load()
    }
    return cfg, nil
}

func (o Options) base() (*tls.Config, error) {
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        ca, err := os.ReadFile(o.CAFile)
        if err != nil { return nil, err }
        pool := x509.NewCertPool()
        if !pool.AppendCertsFromPEM(ca) {
            return nil, fmt.Errorf("tls: no certificates in %s", o.CAFile)
        }
        cfg.RootCAs = pool
    }
    if len(o.Protocols) > 0 {
        lo, hi, err := versionRange(o.Protocols)
        if err != nil { return nil, err }
        cfg.MinVersion, cfg.MaxVersion = lo, hi
    }
    if len(o.CipherSuites) > 0 {
        ids, err := cipherIDs(o.CipherSuites)
        if err != nil { return nil, err }
        cfg.CipherSuites = ids
    }
    return cfg, nil
}

func (o Options) loader() func() (*tls.Certificate, error) {
    var (
        mu       sync.RWMutex
        cached   *tls.Certificate
        lastLoad time.Time
    )
    return func() (*tls.Certificate, error) {
        mu.RLock()
        if cached != nil && time.Since(lastLoad) < 10*time.Second { // ttl
            c := *cached
            mu.RUnlock()
            return &c, nil
        }
        mu.RUnlock()
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        mu.Lock()
        cached = &cert
        lastLoad = time.Now()
        mu.Unlock()
        return &cert, nil
    }
}

func versionRange(protocols []string) (uint16, uint16, error) {
    var lo, hi uint16
    for _, p := range protocols {
        var v uint16
        switch p {
        case "TLSv1.2":
            v = tls.VersionTLS12
        case "TLSv1.3":
            v = tls.VersionTLS13
        default:
            return 0, 0, fmt.Errorf("tls: unsupported protocol %q", p)
        }
        if lo == 0 || v < lo { lo = v }
        if v > hi { hi = v }
    }
    return lo, hi, nil
}

func cipherIDs(names []string) ([]uint16, error) {
    known := make(map[string]uint16)
    for _, cs := range tls.CipherSuites() { known[cs.Name] = cs.ID }
    out := make([]uint16, 0, len(names))
    for _, n := range names {
        id, ok := known[n]
        if !ok { return nil, fmt.Errorf("tls: unknown or insecure cipher suite %q", n) }
        out = append(out, id)
    }
    return out, nil
}
