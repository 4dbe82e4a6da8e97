package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-ensemble/pkg/transport"
)

// Client implements transport.AdminClient over gRPC.
type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config
    tlsSrc  func() (*tls.Config, error)
    cm      *ConnManager
}

// NewClient returns an admin client whose calls are bounded by timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    c := &Client{timeout: timeout}
    c.cm = NewConnManager(30*time.Second, nil, c.dial)
    return c
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// UseTLSSource consults src on every new connection; a nil config means
// plaintext. It takes precedence over UseTLS.
func (c *Client) UseTLSSource(src func() (*tls.Config, error)) *Client { c.tlsSrc = src; return c }

// Close releases cached connections.
func (c *Client) Close() { c.cm.Close() }

func (c *Client) dial(_ context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    cfg := c.tlsCfg
    if c.tlsSrc != nil {
        var err error
        if cfg, err = c.tlsSrc(); err != nil { return nil, err }
    }
    if cfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient(target, opts...)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out, grpc.WaitForReady(true))
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) GetConfig(ctx context.Context, addr string) (transport.ConfigResponse, error) {
    var out transport.ConfigResponse
    err := c.invoke(ctx, addr, "GetConfig", &empty{}, &out)
    return out, err
}

func (c *Client) Reconfigure(ctx context.Context, addr string, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
    var out transport.ReconfigureResponse
    if err := c.invoke(ctx, addr, "Reconfigure", &req, &out); err != nil { return out, err }
    if !out.Accepted && out.Error != "" { return out, errors.New(out.Error) }
    return out, nil
}

var _ transport.AdminClient = (*Client)(nil)
