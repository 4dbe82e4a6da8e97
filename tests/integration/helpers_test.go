//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "net"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-ensemble/pkg/bootstrap"
    raftengine "github.com/amirimatin/go-ensemble/pkg/engine/raft"
    httpjson "github.com/amirimatin/go-ensemble/pkg/transport/httpjson"
)

var errNotYet = errors.New("not yet")

type raftServer struct {
    ID       string `json:"id"`
    Suffrage string `json:"suffrage"`
}

type status struct {
    Runner  string   `json:"runner"`
    Targets []string `json:"targets"`
    Engine  struct {
        State  string       `json:"state"`
        Leader string       `json:"leader"`
        Raft   []raftServer `json:"raft"`
    } `json:"engine"`
}

func fetchStatus(ctx context.Context, cli *httpjson.Client, addr string) (status, error) {
    var s status
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    if err := json.Unmarshal(b, &s); err != nil { return s, err }
    return s, nil
}

func waitUntil(t *testing.T, d time.Duration, f func() error) {
    t.Helper()
    deadline := time.Now().Add(d)
    for {
        err := f()
        if err == nil { return }
        if time.Now().After(deadline) { t.Fatalf("condition not met within %s: %v", d, err) }
        time.Sleep(200 * time.Millisecond)
    }
}

func freePort(t *testing.T) int {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer ln.Close()
    return ln.Addr().(*net.TCPAddr).Port
}

type member struct {
    id                     int
    quorum, election, port int
    joining                bool
}

func newMembers(t *testing.T, n int) []member {
    out := make([]member, 0, n)
    for i := 1; i <= n; i++ {
        out = append(out, member{id: i, quorum: freePort(t), election: freePort(t), port: freePort(t)})
    }
    return out
}

// writeSpec renders the YAML ensemble spec as seen by member myid.
func writeSpec(t *testing.T, path, dataDir string, myid int, dynamic bool, tlsRef string, members []member) {
    t.Helper()
    var sb strings.Builder
    fmt.Fprintf(&sb, "tick-time: 100ms\ninit-limit: 50\nsync-limit: 10\nsnapshot-count: 1000\n")
    fmt.Fprintf(&sb, "data-dir: %s\nsnapshot-retention: {purge-interval-hours: 1, retain-count: 2}\n", dataDir)
    fmt.Fprintf(&sb, "myid: %d\ndynamic-reconfig: %t\n", myid, dynamic)
    if tlsRef != "" { fmt.Fprintf(&sb, "tls-config-file: %s\n", tlsRef) }
    sb.WriteString("members:\n")
    for _, m := range members {
        fmt.Fprintf(&sb, "  - {id: %d, hostname: 127.0.0.1, quorum-port: %d, election-port: %d, client-port: %d, joining: %t}\n",
            m.id, m.quorum, m.election, m.port, m.joining)
    }
    tmp := path + ".tmp"
    if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil { t.Fatalf("write spec: %v", err) }
    if err := os.Rename(tmp, path); err != nil { t.Fatalf("rename spec: %v", err) }
}

type fatalTerminator struct{ t *testing.T }

func (f fatalTerminator) Die(msg string) { f.t.Errorf("terminated: %s", msg) }

type node struct {
    id       int
    specPath string
    dataDir  string
    n        *bootstrap.Node
    done     chan error
}

func startNode(t *testing.T, ctx context.Context, dir string, myid int, dynamic bool, tlsRef string, members []member) *node {
    t.Helper()
    nd := &node{
        id:       myid,
        specPath: filepath.Join(dir, fmt.Sprintf("ensemble-%d.yaml", myid)),
        dataDir:  filepath.Join(dir, fmt.Sprintf("data-%d", myid)),
        done:     make(chan error, 1),
    }
    writeSpec(t, nd.specPath, nd.dataDir, myid, dynamic, tlsRef, members)
    quiet := log.New(io.Discard, "", 0)
    n, err := bootstrap.Build(bootstrap.Config{
        SpecPath:     nd.specPath,
        PollInterval: 100 * time.Millisecond,
        MgmtAddr:     "127.0.0.1:0",
        AdminTimeout: 5 * time.Second,
        Logger:       quiet,
        Terminator:   fatalTerminator{t: t},
        Engine:       raftengine.Options{LogOutput: io.Discard},
    })
    if err != nil { t.Fatalf("node %d: %v", myid, err) }
    nd.n = n
    go func() { nd.done <- n.Run(ctx) }()
    return nd
}

func (nd *node) mgmt(t *testing.T) string {
    t.Helper()
    var addr string
    waitUntil(t, 10*time.Second, func() error {
        addr = nd.n.MgmtAddr()
        if strings.HasSuffix(addr, ":0") { return errNotYet }
        return nil
    })
    return addr
}
