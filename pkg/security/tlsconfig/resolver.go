package tlsconfig

import (
    "crypto/tls"
    "fmt"
    "os"
    "sync"

    "gopkg.in/yaml.v2"
)

// Context carries the TLS configuration used by the engine for both the
// client-facing and the inter-peer ports.
type Context struct {
    Settings Settings
    Server   *tls.Config
    Client   *tls.Config

    once   sync.Once
    closed bool
    mu     sync.Mutex
}

// Close marks the context unusable. Handshakes started after Close fail.
func (c *Context) Close() error {
    if c == nil { return nil }
    c.once.Do(func() {
        c.mu.Lock()
        c.closed = true
        c.mu.Unlock()
    })
    return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
    if c == nil { return true }
    c.mu.Lock(); defer c.mu.Unlock()
    return c.closed
}

// Resolver turns a TLS config file reference into settings plus a context.
// An empty ref resolves to Disabled and a nil context.
type Resolver interface {
    Resolve(ref string) (Settings, *Context, error)
}

// fileSpec is the on-disk TLS description referenced by an ensemble spec.
type fileSpec struct {
    CA           string   `yaml:"ca"`
    Cert         string   `yaml:"cert"`
    Key          string   `yaml:"key"`
    ServerName   string   `yaml:"server-name"`
    MixedMode    string   `yaml:"mixed-mode"`
    CipherSuites []string `yaml:"cipher-suites"`
    Protocols    []string `yaml:"protocols"`
    Disabled     bool     `yaml:"disabled"`
}

// FileResolver reads YAML TLS descriptions from disk.
type FileResolver struct{}

func (FileResolver) Resolve(ref string) (Settings, *Context, error) {
    if ref == "" { return Disabled, nil, nil }
    raw, err := os.ReadFile(ref)
    if err != nil { return Disabled, nil, fmt.Errorf("tls: read %s: %w", ref, err) }
    var fs fileSpec
    if err := yaml.UnmarshalStrict(raw, &fs); err != nil {
        return Disabled, nil, fmt.Errorf("tls: parse %s: %w", ref, err)
    }
    if fs.Disabled { return Disabled, nil, nil }
    mode, err := ParseMixedMode(fs.MixedMode)
    if err != nil { return Disabled, nil, err }
    opts := Options{
        Enable:       true,
        CAFile:       fs.CA,
        CertFile:     fs.Cert,
        KeyFile:      fs.Key,
        ServerName:   fs.ServerName,
        CipherSuites: fs.CipherSuites,
        Protocols:    fs.Protocols,
    }
    return Build(opts, mode)
}

// Build creates settings and a context from explicit options.
func Build(opts Options, mode MixedMode) (Settings, *Context, error) {
    if !opts.Enable { return Disabled, nil, nil }
    srv, err := opts.ServerHotReload()
    if err != nil { return Disabled, nil, err }
    cli, err := opts.ClientHotReload()
    if err != nil { return Disabled, nil, err }
    st := Settings{Enabled: true, MixedMode: mode, CipherSuites: opts.CipherSuites, Protocols: opts.Protocols}
    if len(st.Protocols) == 0 { st.Protocols = []string{"TLSv1.2", "TLSv1.3"} }
    if len(st.CipherSuites) == 0 {
        for _, cs := range tls.CipherSuites() { st.CipherSuites = append(st.CipherSuites, cs.Name) }
    }
    ctx := &Context{Settings: st, Server: srv, Client: cli}
    guard := func() error {
        if ctx.Closed() { return fmt.Errorf("tls: context closed") }
        return nil
    }
    getCert := srv.GetCertificate
    srv.GetCertificate = func(h *tls.ClientHelloInfo) (*tls.Certificate, error) {
        if err := guard(); err != nil { return nil, err }
        return getCert(h)
    }
    getClientCert := cli.GetClientCertificate
    cli.GetClientCertificate = func(i *tls.CertificateRequestInfo) (*tls.Certificate, error) {
        if err := guard(); err != nil { return nil, err }
        return getClientCert(i)
    }
    return st, ctx, nil
}
