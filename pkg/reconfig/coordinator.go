// Package reconfig decides between starting the local ensemble member and
// reconfiguring the running ensemble, and owns the retry policy for
// membership changes.
package reconfig

import (
    "context"
    "errors"
    "fmt"
    "log"
    "os"
    "strconv"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "k8s.io/utils/clock"

    "github.com/amirimatin/go-ensemble/pkg/backoff"
    "github.com/amirimatin/go-ensemble/pkg/configurator"
    "github.com/amirimatin/go-ensemble/pkg/ensemble"
    "github.com/amirimatin/go-ensemble/pkg/internal/logutil"
    "github.com/amirimatin/go-ensemble/pkg/lifecycle"
    obsmetrics "github.com/amirimatin/go-ensemble/pkg/observability/metrics"
    "github.com/amirimatin/go-ensemble/pkg/observability/tracing"
    "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
    "github.com/amirimatin/go-ensemble/pkg/security/tlsregistry"
)

const (
    // DefaultTimeout bounds one reconfiguration, regardless of how many
    // members join or leave.
    DefaultTimeout = 3 * time.Minute
    // DefaultAttemptTimeout bounds one admin call.
    DefaultAttemptTimeout = 30 * time.Second
)

// ErrTerminated is returned once the coordinator has been shut down, or after
// it asked the terminator to end the process.
var ErrTerminated = errors.New("reconfig: coordinator terminated")

// Options configures a Coordinator. Zero values get defaults.
type Options struct {
    Logger     *log.Logger
    Clock      clock.Clock
    Sleeper    backoff.Sleeper
    Backoff    *backoff.Policy
    Terminator lifecycle.Terminator
    // TLS resolves Spec.TLSConfigFileRef.
    TLS tlsconfig.Resolver
    // Timeout is the budget for one reconfiguration.
    Timeout time.Duration
    // AttemptTimeout bounds a single admin call.
    AttemptTimeout time.Duration
    // Runner tunes the lifecycle runner. Logger, Clock, Sleeper and
    // Terminator are inherited when unset.
    Runner lifecycle.Options
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.Clock == nil { o.Clock = clock.RealClock{} }
    if o.Sleeper == nil { o.Sleeper = backoff.NewSleeper(o.Clock) }
    if o.Backoff == nil { o.Backoff = backoff.MustNew(time.Second, 10*time.Second) }
    if o.Terminator == nil { o.Terminator = lifecycle.ProcessTerminator{Logger: o.Logger} }
    if o.TLS == nil { o.TLS = tlsconfig.FileResolver{} }
    if o.Timeout <= 0 { o.Timeout = DefaultTimeout }
    if o.AttemptTimeout <= 0 { o.AttemptTimeout = DefaultAttemptTimeout }
    if o.Runner.Logger == nil { o.Runner.Logger = o.Logger }
    if o.Runner.Clock == nil { o.Runner.Clock = o.Clock }
    if o.Runner.Sleeper == nil { o.Runner.Sleeper = o.Sleeper }
    if o.Runner.Terminator == nil { o.Runner.Terminator = o.Terminator }
}

// Coordinator starts the local member once and reconfigures the running
// ensemble on every later configuration. Calls to StartOrReconfigure must be
// serialized by the caller; a reconfiguration blocks for up to Timeout.
type Coordinator struct {
    admin Admin
    opts  Options

    mu       sync.Mutex
    runner   atomic.Pointer[lifecycle.Runner]
    peer     Peer
    tls      tlsconfig.Settings
    active   atomic.Pointer[ensemble.Spec]
    done     atomic.Bool
    shutOnce sync.Once
}

// New returns a Coordinator that reconfigures the ensemble through admin.
func New(admin Admin, opts Options) *Coordinator {
    opts.setDefaults()
    return &Coordinator{admin: admin, opts: opts}
}

// ActiveConfig returns the last configuration the ensemble confirmed, or nil
// before the first start.
func (c *Coordinator) ActiveConfig() *ensemble.Spec { return c.active.Load() }

// RunnerState reports the local runner's state.
func (c *Coordinator) RunnerState() lifecycle.State {
    r := c.runner.Load()
    if r == nil { return lifecycle.NotStarted }
    return r.State()
}

// StartOrReconfigure starts the local member on the first call and, when
// newConfig enables dynamic reconfiguration, drives the ensemble to
// newConfig's membership. It returns the shared peer.
//
// Invariant violations and rendering failures are returned. Reconfiguration
// failures are retried; when the budget runs out the runner is shut down and
// the terminator is invoked.
func (c *Coordinator) StartOrReconfigure(ctx context.Context, newConfig *ensemble.Spec, server ServerFactory, peers PeerFactory) (Peer, error) {
    if newConfig == nil { return nil, fmt.Errorf("%w: nil ensemble spec", ensemble.ErrInvalidArgument) }
    if err := newConfig.Validate(); err != nil { return nil, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.done.Load() { return nil, ErrTerminated }

    settings, tctx, err := c.opts.TLS.Resolve(newConfig.TLSConfigFileRef)
    if err != nil { return nil, err }
    if tctx != nil { tlsregistry.Set(tctx) }

    if c.runner.Load() == nil {
        peer, err := peers()
        if err != nil { return nil, fmt.Errorf("create peer: %w", err) }
        r, err := lifecycle.NewRunner(*newConfig, server(peer), settings, c.opts.Runner)
        if err != nil { return nil, err }
        c.peer, c.tls = peer, settings
        c.runner.Store(r)
        c.active.Store(newConfig)
        if c.done.Load() {
            r.Shutdown()
            return nil, ErrTerminated
        }
        obsmetrics.ActiveMembers.Set(float64(len(newConfig.ReconfigTargets())))
    }
    if newConfig.DynamicReconfigEnabled {
        if err := c.reconfigure(ctx, newConfig); err != nil { return nil, err }
    }
    return c.peer, nil
}

func (c *Coordinator) reconfigure(ctx context.Context, newConfig *ensemble.Spec) error {
    targets := strings.Join(newConfig.ReconfigTargets(), ",")
    conn, err := c.ActiveConfig().LocalConnectionSpec()
    if err != nil { return err }

    // Only the terminator ends this loop early.
    ctx = context.WithoutCancel(ctx)
    ctx, end := tracing.StartSpan(ctx, "reconfig.reconfigure", "connection", conn, "servers", targets)
    defer end()

    started := c.opts.Clock.Now()
    deadline := started.Add(c.opts.Timeout)
    logutil.Infof(c.opts.Logger, "will reconfigure ensemble %s via %s. Servers to reconfigure to: %s",
        newConfig.Describe(), conn, targets)

    attempt := 1
    for now := started; now.Before(deadline); now = c.opts.Clock.Now() {
        obsmetrics.ReconfigAttempts.Inc()
        actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
        err := c.admin.Reconfigure(actx, conn, targets)
        cancel()
        if err == nil {
            c.active.Store(newConfig)
            elapsed := c.opts.Clock.Since(started)
            obsmetrics.Reconfigurations.WithLabelValues("completed").Inc()
            obsmetrics.ReconfigDuration.Observe(elapsed.Seconds())
            obsmetrics.ActiveMembers.Set(float64(len(newConfig.ReconfigTargets())))
            logutil.Infof(c.opts.Logger, "reconfiguration completed in %s after %d attempt(s)", elapsed, attempt)
            return nil
        }
        var rerr *ReconfigError
        if !errors.As(err, &rerr) {
            logutil.Warnf(c.opts.Logger, "unexpected failure from admin client on attempt %d: %v", attempt, err)
        }
        delay, derr := c.opts.Backoff.Delay(attempt)
        if derr != nil { delay = c.opts.Backoff.Max() }
        logutil.Warnf(c.opts.Logger, "reconfiguration attempt %d failed: %v. Retrying in %s, time left %s",
            attempt, err, delay, deadline.Sub(now))
        _ = c.opts.Sleeper.Sleep(ctx, delay)
        attempt++
    }

    obsmetrics.Reconfigurations.WithLabelValues("timed_out").Inc()
    c.shutdownAndDie(fmt.Sprintf("reconfiguration of %s did not complete within %s (%d attempt(s), %s elapsed)",
        newConfig.Describe(), c.opts.Timeout, attempt-1, c.opts.Clock.Since(started)))
    return ErrTerminated
}

// shutdownAndDie stops the local member and ends the process. A host that
// cannot confirm its membership must not keep serving.
func (c *Coordinator) shutdownAndDie(msg string) {
    cfg := c.renderedConfig()
    c.Shutdown()
    c.opts.Terminator.Die(msg + "\nensemble config:\n" + cfg)
}

func (c *Coordinator) renderedConfig() string {
    active := c.ActiveConfig()
    if active == nil { return "" }
    if raw, err := os.ReadFile(active.ConfigFilePath()); err == nil {
        return string(raw)
    }
    out, err := configurator.Render(*active, c.tls)
    if err != nil { return "<unavailable: " + err.Error() + ">" }
    return out
}

// Shutdown stops the local member. It is safe to call more than once and
// does not wait for an in-flight reconfiguration.
func (c *Coordinator) Shutdown() {
    c.shutOnce.Do(func() {
        c.done.Store(true)
        if r := c.runner.Load(); r != nil {
            r.Shutdown()
        }
        obsmetrics.ActiveMembers.Set(0)
    })
}

// Describe renders a one-line summary for status output.
func (c *Coordinator) Describe() string {
    active := c.ActiveConfig()
    if active == nil { return "not started" }
    return active.Describe() + " runner=" + c.RunnerState().String() + " members=" + strconv.Itoa(len(active.ReconfigTargets()))
}
