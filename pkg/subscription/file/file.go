// Package file subscribes to an ensemble spec kept in a YAML file. The file
// is polled and every changed spec is handed to the handler, one at a time.
package file

import (
    "bytes"
    "context"
    "crypto/sha256"
    "errors"
    "fmt"
    "log"
    "os"
    "time"

    "gopkg.in/yaml.v2"
    "k8s.io/utils/clock"

    "github.com/amirimatin/go-ensemble/pkg/ensemble"
    "github.com/amirimatin/go-ensemble/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ensemble/pkg/observability/metrics"
)

// ErrStop ends Run when returned (wrapped) by a handler.
var ErrStop = errors.New("subscription: stop")

// Handler receives each new spec. Calls never overlap.
type Handler func(ctx context.Context, spec *ensemble.Spec) error

// Options configures file-based subscription.
type Options struct {
    Path string
    // Interval between polls; defaults to 5s.
    Interval time.Duration
    Logger   *log.Logger
    Clock    clock.WithTicker
}

type Source struct {
    opts Options
    last [sha256.Size]byte
    seen bool
}

// New returns a Source for opts.Path. Nothing is read until Poll or Run.
func New(opts Options) *Source {
    if opts.Interval <= 0 { opts.Interval = 5 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Clock == nil { opts.Clock = clock.RealClock{} }
    return &Source{opts: opts}
}

// Load reads and decodes a spec file. Unknown keys are rejected.
func Load(path string) (*ensemble.Spec, error) {
    raw, err := os.ReadFile(path)
    if err != nil { return nil, err }
    return decode(raw)
}

func decode(raw []byte) (*ensemble.Spec, error) {
    var spec ensemble.Spec
    if err := yaml.UnmarshalStrict(raw, &spec); err != nil {
        return nil, fmt.Errorf("%w: decode ensemble spec: %v", ensemble.ErrInvalidArgument, err)
    }
    return &spec, nil
}

// Poll checks the file once and delivers its spec if the contents changed
// since the last poll. It reports whether a spec was delivered.
func (s *Source) Poll(ctx context.Context, h Handler) (bool, error) {
    raw, err := os.ReadFile(s.opts.Path)
    if err != nil { return false, err }
    sum := sha256.Sum256(bytes.TrimSpace(raw))
    if s.seen && sum == s.last { return false, nil }
    s.last, s.seen = sum, true

    spec, err := decode(raw)
    if err != nil {
        obsmetrics.SpecUpdates.WithLabelValues("invalid").Inc()
        return false, err
    }
    if err := h(ctx, spec); err != nil {
        obsmetrics.SpecUpdates.WithLabelValues("error").Inc()
        return true, err
    }
    obsmetrics.SpecUpdates.WithLabelValues("applied").Inc()
    return true, nil
}

// Run polls until ctx is done or the handler returns ErrStop. Other errors
// are logged; the same contents are not redelivered.
func (s *Source) Run(ctx context.Context, h Handler) error {
    t := s.opts.Clock.NewTicker(s.opts.Interval)
    defer t.Stop()
    for {
        delivered, err := s.Poll(ctx, h)
        switch {
        case errors.Is(err, ErrStop):
            return err
        case err != nil:
            logutil.Warnf(s.opts.Logger, "subscription: %s: %v", s.opts.Path, err)
        case delivered:
            logutil.Infof(s.opts.Logger, "subscription: applied spec from %s", s.opts.Path)
        }
        select {
        case <-ctx.Done():
            return nil
        case <-t.C():
        }
    }
}
