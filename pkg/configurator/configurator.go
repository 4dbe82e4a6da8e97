// Package configurator renders an ensemble spec into the artifacts the
// consensus engine reads at boot: a line-oriented config file and the
// member id file.
package configurator

import (
    "fmt"
    "os"
    "path/filepath"
    "strconv"
    "strings"

    "github.com/amirimatin/go-ensemble/pkg/ensemble"
    "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
)

const (
    // ServerConnectionFactory names the engine's TLS capable connection
    // factory. The engine refuses config files naming anything else.
    ServerConnectionFactory = "go-ensemble.engine.TLSConnectionFactory"
    // ContextSupplier names the process-wide TLS context registry.
    ContextSupplier = "go-ensemble.tlsregistry"

    fourLetterWords = "conf,cons,crst,dirs,dump,envi,mntr,ruok,srst,srvr,stat,wchs"
)

// Engine property keys carried next to the config file.
const (
    PropJuteMaxBuffer          = "jute.maxbuffer"
    PropSnapshotCompression    = "zookeeper.snapshot.compression.method"
    PropSnapshotTrustEmpty     = "zookeeper.snapshot.trust.empty"
    PropLeaderCloseSocketAsync = "zookeeper.leader.closeSocketAsync"
    PropLearnerAsyncSending    = "zookeeper.learner.asyncSending"
)

// Render returns the engine config file text for spec. The output is a pure
// function of its inputs.
func Render(spec ensemble.Spec, tls tlsconfig.Settings) (string, error) {
    if err := spec.Validate(); err != nil { return "", err }
    var sb strings.Builder
    kv := func(k string, v any) { fmt.Fprintf(&sb, "%s=%v\n", k, v) }

    kv("tickTime", spec.TickTime.Milliseconds())
    kv("initLimit", spec.InitLimitTicks)
    kv("syncLimit", spec.SyncLimitTicks)
    kv("maxClientCnxns", spec.MaxClientConnections)
    kv("snapCount", spec.SnapshotCount)
    kv("dataDir", spec.DataDir)
    kv("autopurge.purgeInterval", spec.SnapshotRetention.PurgeIntervalHours)
    kv("autopurge.snapRetainCount", spec.SnapshotRetention.RetainCount)
    kv("4lw.commands.whitelist", fourLetterWords)
    kv("admin.enableServer", false)
    kv("serverCnxnFactory", ServerConnectionFactory)
    kv("quorumListenOnAllIPs", true)
    kv("standaloneEnabled", false)
    kv("reconfigEnabled", true)
    kv("skipACL", "yes")
    for _, s := range spec.ServerSpecs() {
        sb.WriteString(s)
        sb.WriteString("\n")
    }
    sb.WriteString(quorumTLS(tls))
    sb.WriteString(clientTLS(tls))
    return sb.String(), nil
}

// quorumTLS covers the inter-peer port.
func quorumTLS(tls tlsconfig.Settings) string {
    var sslQuorum, portUnification bool
    if tls.Enabled {
        switch tls.MixedMode {
        case tlsconfig.MixedModePlaintextClient:
            sslQuorum, portUnification = false, true
        case tlsconfig.MixedModeTLSClient:
            sslQuorum, portUnification = true, true
        default:
            sslQuorum, portUnification = true, false
        }
    }
    var sb strings.Builder
    fmt.Fprintf(&sb, "sslQuorum=%t\n", sslQuorum)
    fmt.Fprintf(&sb, "portUnification=%t\n", portUnification)
    if tls.Enabled {
        sb.WriteString(commonTLS("ssl.quorum.", tls))
    }
    return sb.String()
}

// clientTLS covers the client-facing port.
func clientTLS(tls tlsconfig.Settings) string {
    portUnification := tls.Enabled && tls.MixedMode != tlsconfig.MixedModeTLSOnly && tls.MixedMode != ""
    var sb strings.Builder
    fmt.Fprintf(&sb, "client.portUnification=%t\n", portUnification)
    if tls.Enabled {
        sb.WriteString(commonTLS("ssl.", tls))
    }
    return sb.String()
}

func commonTLS(prefix string, tls tlsconfig.Settings) string {
    var sb strings.Builder
    fmt.Fprintf(&sb, "%scontext.supplier.class=%s\n", prefix, ContextSupplier)
    fmt.Fprintf(&sb, "%sciphersuites=%s\n", prefix, strings.Join(tls.SortedCipherSuites(), ","))
    fmt.Fprintf(&sb, "%senabledProtocols=%s\n", prefix, strings.Join(tls.SortedProtocols(), ","))
    fmt.Fprintf(&sb, "%sclientAuth=NEED\n", prefix)
    return sb.String()
}

// RenderMyID returns the member id file contents.
func RenderMyID(spec ensemble.Spec) string { return strconv.Itoa(spec.MyID) + "\n" }

// Properties returns engine tuning that is not part of the config file.
func Properties(spec ensemble.Spec) map[string]string {
    props := map[string]string{
        PropSnapshotTrustEmpty:     strconv.FormatBool(spec.TrustEmptySnapshot),
        PropLeaderCloseSocketAsync: strconv.FormatBool(spec.LeaderCloseSocketAsync),
        PropLearnerAsyncSending:    strconv.FormatBool(spec.LearnerAsyncSending),
    }
    if spec.JuteMaxBufferBytes > 0 {
        props[PropJuteMaxBuffer] = strconv.Itoa(spec.JuteMaxBufferBytes)
    }
    if spec.SnapshotCompressionMethod != "" {
        props[PropSnapshotCompression] = spec.SnapshotCompressionMethod
    }
    return props
}

// WriteToDisk renders both artifacts and writes them, creating parent
// directories. Any filesystem error is wrapped with ensemble.ErrIOFailure.
func WriteToDisk(spec ensemble.Spec, tls tlsconfig.Settings) error {
    cfg, err := Render(spec, tls)
    if err != nil { return err }
    if err := writeFile(spec.ConfigFilePath(), cfg); err != nil { return err }
    return writeFile(spec.MyIDFilePath(), RenderMyID(spec))
}

// writeFile replaces path atomically so a crashed write never leaves the
// engine with a truncated config.
func writeFile(path, content string) error {
    if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
        return fmt.Errorf("%w: create directory for %s: %w", ensemble.ErrIOFailure, path, err)
    }
    tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
    if err != nil {
        return fmt.Errorf("%w: write %s: %w", ensemble.ErrIOFailure, path, err)
    }
    defer os.Remove(tmp.Name())
    if _, err := tmp.WriteString(content); err != nil {
        _ = tmp.Close()
        return fmt.Errorf("%w: write %s: %w", ensemble.ErrIOFailure, path, err)
    }
    if err := tmp.Close(); err != nil {
        return fmt.Errorf("%w: write %s: %w", ensemble.ErrIOFailure, path, err)
    }
    if err := os.Chmod(tmp.Name(), 0o644); err != nil {
        return fmt.Errorf("%w: chmod %s: %w", ensemble.ErrIOFailure, path, err)
    }
    if err := os.Rename(tmp.Name(), path); err != nil {
        return fmt.Errorf("%w: rename %s: %w", ensemble.ErrIOFailure, path, err)
    }
    return nil
}
