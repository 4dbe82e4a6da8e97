package lifecycle

import (
    "context"
    "fmt"
    "log"
    "os"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "k8s.io/utils/clock"

    "github.com/amirimatin/go-ensemble/pkg/backoff"
    "github.com/amirimatin/go-ensemble/pkg/configurator"
    "github.com/amirimatin/go-ensemble/pkg/ensemble"
    "github.com/amirimatin/go-ensemble/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ensemble/pkg/observability/metrics"
    "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
)

const (
    // DefaultStartTimeout is how long the runner keeps retrying a start
    // before it terminates the process.
    DefaultStartTimeout = 10 * time.Minute
    // DefaultDrainTimeout bounds the wait for the start goroutine on Shutdown.
    DefaultDrainTimeout = 10 * time.Second
)

// State of the runner.
type State int32

const (
    NotStarted State = iota
    Starting
    Running
    FatallyFailed
    Stopped
)

func (s State) String() string {
    switch s {
    case NotStarted:
        return "not_started"
    case Starting:
        return "starting"
    case Running:
        return "running"
    case FatallyFailed:
        return "fatally_failed"
    case Stopped:
        return "stopped"
    default:
        return fmt.Sprintf("state(%d)", int32(s))
    }
}

// Options tune a Runner. Zero values select defaults.
type Options struct {
    Logger       *log.Logger
    Clock        clock.Clock
    Sleeper      backoff.Sleeper
    Backoff      *backoff.Policy
    Terminator   Terminator
    StartTimeout time.Duration
    DrainTimeout time.Duration
}

func (o *Options) setDefaults() {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.Clock == nil { o.Clock = clock.RealClock{} }
    if o.Sleeper == nil { o.Sleeper = backoff.NewSleeper(o.Clock) }
    if o.Backoff == nil { o.Backoff = backoff.MustNew(time.Second, 10*time.Second) }
    if o.Terminator == nil { o.Terminator = ProcessTerminator{Logger: o.Logger} }
    if o.StartTimeout <= 0 { o.StartTimeout = DefaultStartTimeout }
    if o.DrainTimeout <= 0 { o.DrainTimeout = DefaultDrainTimeout }
}

// Runner starts the local ensemble server on a dedicated goroutine and
// keeps retrying until it is running, the start deadline passes, or it is
// shut down.
type Runner struct {
    opts   Options
    spec   ensemble.Spec
    server Server

    state    atomic.Int32
    cancel   context.CancelFunc
    done     chan struct{}
    shutOnce sync.Once
}

// NewRunner writes the engine artifacts for spec and schedules the start.
// Rendering and filesystem errors are returned before anything is started.
func NewRunner(spec ensemble.Spec, server Server, tls tlsconfig.Settings, opts Options) (*Runner, error) {
    opts.setDefaults()
    if err := configurator.WriteToDisk(spec, tls); err != nil {
        return nil, err
    }
    if ps, ok := server.(PropertySetter); ok {
        ps.SetProperties(configurator.Properties(spec))
    }
    ctx, cancel := context.WithCancel(context.Background())
    r := &Runner{opts: opts, spec: spec, server: server, cancel: cancel, done: make(chan struct{})}
    go r.run(ctx)
    return r, nil
}

// State returns the current state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Done is closed when the start goroutine has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// ConfigFile returns the rendered config path.
func (r *Runner) ConfigFile() string { return r.spec.ConfigFilePath() }

func (r *Runner) run(ctx context.Context) {
    defer close(r.done)
    path := r.spec.ConfigFilePath()
    started := r.opts.Clock.Now()
    end := started.Add(r.opts.StartTimeout)
    attempt := 1
    for now := started; now.Before(end); now = r.opts.Clock.Now() {
        if ctx.Err() != nil { return }
        r.state.Store(int32(Starting))
        obsmetrics.StartAttempts.Inc()
        logutil.Infof(r.opts.Logger, "starting ensemble server with %s, trying to establish quorum (members: %s, attempt %d)",
            path, strings.Join(r.spec.Hostnames(), ", "), attempt)
        err := r.server.Start(path)
        if err == nil {
            if ctx.Err() != nil { return }
            r.state.Store(int32(Running))
            obsmetrics.ServerRunning.Set(1)
            logutil.Infof(r.opts.Logger, "ensemble server running after %d attempt(s) in %s", attempt, r.opts.Clock.Since(started))
            return
        }
        if ctx.Err() != nil { return }
        msg := fmt.Sprintf("starting %s failed on attempt %d", r.spec.Describe(), attempt)
        if !r.server.Reconfigurable() {
            r.die(fmt.Sprintf("%s after %s: %v", msg, r.opts.Clock.Since(started), err))
            return
        }
        delay, derr := r.opts.Backoff.Delay(attempt)
        if derr != nil { delay = r.opts.Backoff.Max() }
        logutil.Warnf(r.opts.Logger, "%s: %v. Retrying in %s, time left %s", msg, err, delay, end.Sub(now))
        if err := r.opts.Sleeper.Sleep(ctx, delay); err != nil { return }
        attempt++
    }
    if ctx.Err() != nil { return }
    r.die(fmt.Sprintf("%s did not start within %s after %d attempt(s)", r.spec.Describe(), r.opts.StartTimeout, attempt))
}

// die logs the rendered config for diagnosis, then terminates.
func (r *Runner) die(msg string) {
    r.state.Store(int32(FatallyFailed))
    obsmetrics.ServerRunning.Set(0)
    if cfg, err := os.ReadFile(r.spec.ConfigFilePath()); err == nil {
        logutil.Errorf(r.opts.Logger, "ensemble config file %s:\n%s", r.spec.ConfigFilePath(), cfg)
    }
    r.opts.Terminator.Die(msg)
}

// Shutdown stops the server and the start goroutine, waiting up to the drain
// timeout for the goroutine to exit. It never fails.
func (r *Runner) Shutdown() {
    r.shutOnce.Do(func() {
        r.server.Shutdown()
        r.cancel()
        t := time.NewTimer(r.opts.DrainTimeout)
        defer t.Stop()
        select {
        case <-r.done:
        case <-t.C:
            logutil.Warnf(r.opts.Logger, "ensemble server start task did not finish within %s after shutdown", r.opts.DrainTimeout)
        }
        if r.State() != FatallyFailed {
            r.state.Store(int32(Stopped))
        }
        obsmetrics.ServerRunning.Set(0)
    })
}
