package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-ensemble/pkg/transport"
)

// Client is a thin HTTP client for the management API. Transport failures
// are retried a few times; rejected reconfigurations are not.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.transport.TLSClientConfig = cfg
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

type statusError struct {
    code int
    body []byte
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d: %s", e.code, bytes.TrimSpace(e.body)) }

// do performs the request, retrying transport errors with a short backoff.
// A non-2xx response is returned as *statusError together with its body.
func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, url, rd)
        if err != nil { return nil, err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err == nil {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if rerr != nil { return nil, rerr }
            if resp.StatusCode/100 != 2 { return b, &statusError{code: resp.StatusCode, body: b} }
            return b, nil
        }
        lastErr = err
        select {
        case <-ctx.Done():
            return nil, lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    return c.do(ctx, http.MethodGet, c.url(addr, "/status"), nil)
}

func (c *Client) GetConfig(ctx context.Context, addr string) (transport.ConfigResponse, error) {
    var out transport.ConfigResponse
    b, err := c.do(ctx, http.MethodGet, c.url(addr, "/config"), nil)
    if err != nil { return out, err }
    err = json.Unmarshal(b, &out)
    return out, err
}

func (c *Client) Reconfigure(ctx context.Context, addr string, req transport.ReconfigureRequest) (transport.ReconfigureResponse, error) {
    var out transport.ReconfigureResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    b, err := c.do(ctx, http.MethodPost, c.url(addr, "/reconfigure"), body)
    var se *statusError
    if err != nil && !errors.As(err, &se) { return out, err }
    if jerr := json.Unmarshal(b, &out); jerr != nil {
        if err != nil { return out, err }
        return out, jerr
    }
    if err != nil {
        if out.Error != "" { return out, errors.New(out.Error) }
        return out, err
    }
    return out, nil
}

var _ transport.AdminClient = (*Client)(nil)
