package lifecycle

import (
    "context"
    "errors"
    "io"
    "log"
    "os"
    "path/filepath"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    clocktesting "k8s.io/utils/clock/testing"

    "github.com/amirimatin/go-ensemble/pkg/ensemble"
    "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
)

type fakeServer struct {
    mu             sync.Mutex
    failures       int // Start fails this many times before succeeding; <0 fails forever
    block          bool
    reconfigurable bool
    starts         int
    shutdowns      int
    props          map[string]string
    release        chan struct{}
}

func newFakeServer(failures int, reconfigurable bool) *fakeServer {
    return &fakeServer{failures: failures, reconfigurable: reconfigurable, release: make(chan struct{})}
}

func (s *fakeServer) Start(string) error {
    s.mu.Lock()
    s.starts++
    n, block := s.starts, s.block
    s.mu.Unlock()
    if block {
        <-s.release
        return errors.New("interrupted")
    }
    if s.failures < 0 || n <= s.failures {
        return errors.New("quorum not reached")
    }
    return nil
}

func (s *fakeServer) Shutdown() {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.shutdowns++
    if s.block {
        select {
        case <-s.release:
        default:
            close(s.release)
        }
    }
}

func (s *fakeServer) Reconfigurable() bool { return s.reconfigurable }

func (s *fakeServer) SetProperties(p map[string]string) { s.props = p }

func (s *fakeServer) startCount() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.starts
}

// steppingSleeper records requested delays and advances the fake clock
// instead of blocking.
type steppingSleeper struct {
    mu     sync.Mutex
    clk    *clocktesting.FakeClock
    delays []time.Duration
}

func (s *steppingSleeper) Sleep(ctx context.Context, d time.Duration) error {
    s.mu.Lock()
    s.delays = append(s.delays, d)
    s.mu.Unlock()
    s.clk.Step(d)
    return ctx.Err()
}

func (s *steppingSleeper) count() int {
    s.mu.Lock()
    defer s.mu.Unlock()
    return len(s.delays)
}

type recordingTerminator struct {
    mu   sync.Mutex
    msgs []string
}

func (r *recordingTerminator) Die(msg string) {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.msgs = append(r.msgs, msg)
}

func (r *recordingTerminator) messages() []string {
    r.mu.Lock()
    defer r.mu.Unlock()
    return append([]string(nil), r.msgs...)
}

func testSpec(dir string) ensemble.Spec {
    return ensemble.Spec{
        TickTime:           2 * time.Second,
        InitLimitTicks:     20,
        SyncLimitTicks:     15,
        SnapshotCount:      50000,
        DataDir:            dir,
        SnapshotRetention:  ensemble.SnapshotRetention{PurgeIntervalHours: 1, RetainCount: 20},
        JuteMaxBufferBytes: 1 << 20,
        MyID:               1,
        Members: []ensemble.Member{
            {ID: 1, Hostname: "h1", QuorumPort: 2182, ElectionPort: 2183, ClientPort: 2181},
            {ID: 2, Hostname: "h2", QuorumPort: 2182, ElectionPort: 2183, ClientPort: 2181},
            {ID: 3, Hostname: "h3", QuorumPort: 2182, ElectionPort: 2183, ClientPort: 2181},
        },
    }
}

func testOptions() (Options, *steppingSleeper, *recordingTerminator) {
    clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
    sl := &steppingSleeper{clk: clk}
    term := &recordingTerminator{}
    return Options{
        Logger:       log.New(io.Discard, "", 0),
        Clock:        clk,
        Sleeper:      sl,
        Terminator:   term,
        DrainTimeout: time.Second,
    }, sl, term
}

func waitDone(t *testing.T, r *Runner) {
    t.Helper()
    select {
    case <-r.Done():
    case <-time.After(5 * time.Second):
        t.Fatal("runner did not finish")
    }
}

func TestRunner_StartsFirstTime(t *testing.T) {
    opts, sl, term := testOptions()
    srv := newFakeServer(0, true)
    spec := testSpec(t.TempDir())

    r, err := NewRunner(spec, srv, tlsconfig.Disabled, opts)
    require.NoError(t, err)
    waitDone(t, r)

    require.Equal(t, Running, r.State())
    require.Equal(t, 1, srv.startCount())
    require.Zero(t, sl.count())
    require.Empty(t, term.messages())
    require.FileExists(t, spec.ConfigFilePath())
    require.Equal(t, "1048576", srv.props["jute.maxbuffer"])
}

func TestRunner_RetriesReconfigurable(t *testing.T) {
    opts, sl, term := testOptions()
    srv := newFakeServer(3, true)

    r, err := NewRunner(testSpec(t.TempDir()), srv, tlsconfig.Disabled, opts)
    require.NoError(t, err)
    waitDone(t, r)

    require.Equal(t, Running, r.State())
    require.Equal(t, 4, srv.startCount())
    require.Equal(t, 3, sl.count())
    for _, d := range sl.delays {
        require.LessOrEqual(t, d, 10*time.Second)
    }
    require.Empty(t, term.messages())
}

func TestRunner_NonReconfigurableDiesWithoutRetry(t *testing.T) {
    opts, sl, term := testOptions()
    srv := newFakeServer(-1, false)

    r, err := NewRunner(testSpec(t.TempDir()), srv, tlsconfig.Disabled, opts)
    require.NoError(t, err)
    waitDone(t, r)

    require.Equal(t, FatallyFailed, r.State())
    require.Equal(t, 1, srv.startCount())
    require.Zero(t, sl.count())
    msgs := term.messages()
    require.Len(t, msgs, 1)
    require.Contains(t, msgs[0], "attempt 1")
    require.Contains(t, msgs[0], "quorum not reached")
}

func TestRunner_GivesUpAfterStartTimeout(t *testing.T) {
    opts, sl, term := testOptions()
    opts.StartTimeout = time.Minute
    srv := newFakeServer(-1, true)

    r, err := NewRunner(testSpec(t.TempDir()), srv, tlsconfig.Disabled, opts)
    require.NoError(t, err)
    waitDone(t, r)

    require.Equal(t, FatallyFailed, r.State())
    require.Greater(t, sl.count(), 5)
    msgs := term.messages()
    require.Len(t, msgs, 1)
    require.Contains(t, msgs[0], "did not start within 1m0s")
}

func TestRunner_ShutdownInterruptsStart(t *testing.T) {
    opts, _, term := testOptions()
    srv := newFakeServer(0, true)
    srv.block = true

    r, err := NewRunner(testSpec(t.TempDir()), srv, tlsconfig.Disabled, opts)
    require.NoError(t, err)
    require.Eventually(t, func() bool { return srv.startCount() == 1 }, 5*time.Second, 5*time.Millisecond)

    r.Shutdown()
    r.Shutdown()
    waitDone(t, r)
    require.Equal(t, Stopped, r.State())
    require.Equal(t, 1, srv.shutdowns)
    require.Empty(t, term.messages())
}

func TestNewRunner_WriteFailure(t *testing.T) {
    opts, _, _ := testOptions()
    srv := newFakeServer(0, true)
    parent := filepath.Join(t.TempDir(), "file")
    require.NoError(t, os.WriteFile(parent, []byte("x"), 0o644))

    _, err := NewRunner(testSpec(filepath.Join(parent, "data")), srv, tlsconfig.Disabled, opts)
    require.ErrorIs(t, err, ensemble.ErrIOFailure)
    require.Zero(t, srv.startCount())
}

func TestState_String(t *testing.T) {
    require.Equal(t, "running", Running.String())
    require.Equal(t, "fatally_failed", FatallyFailed.String())
}
