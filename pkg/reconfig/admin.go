package reconfig

import (
    "context"
    "fmt"
    "time"

    "github.com/amirimatin/go-ensemble/pkg/lifecycle"
)

// Admin issues membership changes to the running ensemble.
type Admin interface {
    // Reconfigure asks the ensemble reachable at connectionSpec
    // ("host:clientPort") to adopt newServers, a comma-joined list of
    // server specs. Transient rejections are returned as *ReconfigError.
    Reconfigure(ctx context.Context, connectionSpec, newServers string) error
}

// AdminFunc adapts a function to Admin.
type AdminFunc func(ctx context.Context, connectionSpec, newServers string) error

func (f AdminFunc) Reconfigure(ctx context.Context, connectionSpec, newServers string) error {
    return f(ctx, connectionSpec, newServers)
}

// ReconfigError is a retryable reconfiguration failure, for example because
// the ensemble is still applying an earlier change.
type ReconfigError struct {
    ConnectionSpec string
    Err            error
}

func (e *ReconfigError) Error() string {
    return fmt.Sprintf("reconfigure via %s: %v", e.ConnectionSpec, e.Err)
}

func (e *ReconfigError) Unwrap() error { return e.Err }

// Peer is the local quorum peer shared across reconfigurations.
type Peer interface {
    // Start blocks until the local member has joined and is serving.
    Start(configFile string) error
    // Shutdown stops gracefully, forcing the stop once timeout passes.
    Shutdown(timeout time.Duration) error
}

// PeerFactory creates the shared peer. It is called once per coordinator.
type PeerFactory func() (Peer, error)

// ServerFactory wraps the shared peer in the server kind the runner starts.
type ServerFactory func(Peer) lifecycle.Server
