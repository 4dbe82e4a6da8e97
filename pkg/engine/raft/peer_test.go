package raftengine

import (
    "context"
    "encoding/json"
    "io"
    "log"
    "net"
    "path/filepath"
    "strconv"
    "strings"
    "sync"
    "testing"
    "time"

    raftboltdb "github.com/hashicorp/raft-boltdb"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ensemble/pkg/configurator"
    "github.com/amirimatin/go-ensemble/pkg/ensemble"
    "github.com/amirimatin/go-ensemble/pkg/lifecycle"
    "github.com/amirimatin/go-ensemble/pkg/reconfig"
    "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
    "github.com/amirimatin/go-ensemble/pkg/transport"
    grpctransport "github.com/amirimatin/go-ensemble/pkg/transport/grpc"
)

func freePort(t *testing.T) int {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    defer ln.Close()
    return ln.Addr().(*net.TCPAddr).Port
}

func localMember(t *testing.T, id int, observer bool) ensemble.Member {
    return ensemble.Member{
        ID: id, Hostname: "127.0.0.1",
        QuorumPort: freePort(t), ElectionPort: freePort(t), ClientPort: freePort(t),
        Joining: observer,
    }
}

func singleNodeSpec(t *testing.T, dynamic bool) ensemble.Spec {
    return ensemble.Spec{
        TickTime:               100 * time.Millisecond,
        InitLimitTicks:         50,
        SyncLimitTicks:         10,
        SnapshotCount:          1000,
        DataDir:                t.TempDir(),
        SnapshotRetention:      ensemble.SnapshotRetention{PurgeIntervalHours: 1, RetainCount: 2},
        JuteMaxBufferBytes:     1 << 20,
        MyID:                   1,
        Members:                []ensemble.Member{localMember(t, 1, false)},
        DynamicReconfigEnabled: dynamic,
    }
}

func quietOptions() Options {
    return Options{Logger: log.New(io.Discard, "", 0), LogOutput: io.Discard}
}

func startPeer(t *testing.T, spec ensemble.Spec) *Peer {
    t.Helper()
    require.NoError(t, configurator.WriteToDisk(spec, tlsconfig.Disabled))
    p := NewPeer(quietOptions())
    p.SetProperties(configurator.Properties(spec))
    require.NoError(t, p.Start(spec.ConfigFilePath()))
    t.Cleanup(func() { _ = p.Shutdown(5 * time.Second) })
    return p
}

func TestPeer_SingleNodeReconfigure(t *testing.T) {
    spec := singleNodeSpec(t, true)
    p := startPeer(t, spec)
    self := spec.Members[0]
    admin := net.JoinHostPort(self.Hostname, itoa(self.ClientPort))
    require.True(t, strings.HasSuffix(p.AdminAddr(), ":"+itoa(self.ClientPort)))

    c := grpctransport.NewClient(5 * time.Second)
    defer c.Close()
    ctx := context.Background()

    observer := localMember(t, 2, true)
    grown := ensemble.ServerSpec(self) + "," + ensemble.ServerSpec(observer)
    resp, err := c.Reconfigure(ctx, admin, reconfigureRequest(grown))
    require.NoError(t, err)
    require.True(t, resp.Accepted)
    require.NotZero(t, resp.Version)
    require.Equal(t, "1", resp.Leader)

    cfg, err := c.GetConfig(ctx, admin)
    require.NoError(t, err)
    require.Equal(t, resp.Version, cfg.Version)
    require.Equal(t, []string{ensemble.ServerSpec(self), ensemble.ServerSpec(observer)}, cfg.Servers)

    raw, err := c.GetStatus(ctx, admin)
    require.NoError(t, err)
    var st peerStatus
    require.NoError(t, json.Unmarshal(raw, &st))
    require.Equal(t, "Leader", st.State)
    require.Len(t, st.Raft, 2)
    require.Equal(t, "Nonvoter", st.Raft[1].Suffrage)
    require.Equal(t, "1048576", st.Properties[configurator.PropJuteMaxBuffer])

    resp, err = c.Reconfigure(ctx, admin, reconfigureRequest(ensemble.ServerSpec(self)))
    require.NoError(t, err)
    require.Greater(t, resp.Version, cfg.Version)
    cf := p.raft().GetConfiguration()
    require.NoError(t, cf.Error())
    require.Len(t, cf.Configuration().Servers, 1)

    // repeated starts only wait for the leader
    require.NoError(t, p.Start(spec.ConfigFilePath()))
}

func TestPeer_RejectsEmptyServerList(t *testing.T) {
    p := startPeer(t, singleNodeSpec(t, true))

    resp, err := p.reconfigure(context.Background(), reconfigureRequest(" , "))
    require.ErrorIs(t, err, ensemble.ErrInvalidArgument)
    require.False(t, resp.Retryable)
}

func TestPeer_StartFailsWithoutConfig(t *testing.T) {
    p := NewPeer(quietOptions())
    require.Error(t, p.Start(t.TempDir()+"/missing.cfg"))
    require.Empty(t, p.AdminAddr())
    require.NoError(t, p.Shutdown(time.Second))

    _, err := p.config(context.Background())
    require.ErrorIs(t, err, errNotStarted)
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

func TestCoordinator_DrivesEmbeddedEngine(t *testing.T) {
    spec := singleNodeSpec(t, true)
    client := grpctransport.NewClient(5 * time.Second)
    defer client.Close()
    term := &recordingTerminator{}
    coord := reconfig.New(reconfig.NewRPCAdmin(client), reconfig.Options{
        Logger:     log.New(io.Discard, "", 0),
        Terminator: term,
        Timeout:    time.Minute,
    })
    defer coord.Shutdown()

    peer, err := coord.StartOrReconfigure(context.Background(), &spec, ServerFor(true), PeerFactory(quietOptions()))
    require.NoError(t, err)
    require.IsType(t, &Peer{}, peer)
    require.Eventually(t, func() bool { return coord.RunnerState() == lifecycle.Running }, 10*time.Second, 20*time.Millisecond)
    require.Same(t, &spec, coord.ActiveConfig())

    conn, err := spec.LocalConnectionSpec()
    require.NoError(t, err)
    cfg, err := client.GetConfig(context.Background(), conn)
    require.NoError(t, err)
    require.Equal(t, spec.ReconfigTargets(), cfg.Servers)
    term.mu.Lock()
    defer term.mu.Unlock()
    require.Empty(t, term.msgs)
}

func TestServerFor_Flavors(t *testing.T) {
    p := NewPeer(quietOptions())
    require.True(t, ServerFor(true)(p).Reconfigurable())
    require.False(t, ServerFor(false)(p).Reconfigurable())
    _, ok := ServerFor(false)(p).(lifecycle.PropertySetter)
    require.True(t, ok)
}

func itoa(n int) string { return strconv.Itoa(n) }

func reconfigureRequest(servers string) transport.ReconfigureRequest {
    return transport.ReconfigureRequest{Servers: servers}
}

func TestPeer_ShutdownUnblocksStart(t *testing.T) {
    spec := singleNodeSpec(t, true)
    // two voters that never come up: no quorum, no leader
    spec.Members = append(spec.Members, localMember(t, 2, false), localMember(t, 3, false))
    require.NoError(t, configurator.WriteToDisk(spec, tlsconfig.Disabled))
    opts := quietOptions()
    opts.ReadyTimeout = 30 * time.Second
    p := NewPeer(opts)

    errc := make(chan error, 1)
    go func() { errc <- p.Start(spec.ConfigFilePath()) }()
    require.Eventually(t, func() bool { return p.AdminAddr() != "" }, 10*time.Second, 20*time.Millisecond)

    require.NoError(t, p.Shutdown(5*time.Second))
    select {
    case err := <-errc:
        require.ErrorIs(t, err, errStopped)
    case <-time.After(5 * time.Second):
        t.Fatal("Start still blocked after Shutdown")
    }
}

func TestCloseStores_KeepsStoreWhileRaftRuns(t *testing.T) {
    bolt, err := raftboltdb.NewBoltStore(filepath.Join(t.TempDir(), "raft.db"))
    require.NoError(t, err)
    quiet := log.New(io.Discard, "", 0)

    require.NoError(t, closeStores(quiet, nil, bolt, false))
    require.NoError(t, bolt.Set([]byte("k"), []byte("v")))

    require.NoError(t, closeStores(quiet, nil, bolt, true))
    require.Error(t, bolt.Set([]byte("k"), []byte("v")))
}
