package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte keeps this package free of engine and coordinator types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// ReconfigureRequest asks the ensemble to converge to Servers, a
// comma-joined list of server specs
// (server.<id>=<host>:<quorum>:<election>[:observer];<client>).
type ReconfigureRequest struct {
    Servers string `json:"servers"`
    // Forwarded is set when a follower relays the request to the leader.
    Forwarded bool `json:"forwarded,omitempty"`
}

// ReconfigureResponse reports the outcome. Rejections caused by a change
// already in progress or a missing leader are Retryable.
type ReconfigureResponse struct {
    Accepted  bool   `json:"accepted"`
    Version   uint64 `json:"version,omitempty"`
    Leader    string `json:"leader,omitempty"`
    Error     string `json:"error,omitempty"`
    Retryable bool   `json:"retryable,omitempty"`
}

// ReconfigureFunc applies a membership change (leader) or forwards it.
type ReconfigureFunc func(ctx context.Context, req ReconfigureRequest) (ReconfigureResponse, error)

// ConfigResponse is the dynamic configuration the engine last committed.
type ConfigResponse struct {
    Version uint64   `json:"version"`
    Servers []string `json:"servers"`
    Leader  string   `json:"leader,omitempty"`
}

// ConfigFunc returns the committed dynamic configuration.
type ConfigFunc func(ctx context.Context) (ConfigResponse, error)

// Handlers back an AdminServer. Nil handlers are reported as unsupported.
type Handlers struct {
    Status      StatusFunc
    Reconfigure ReconfigureFunc
    Config      ConfigFunc
}

// AdminServer exposes the admin endpoints of the local member.
type AdminServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// AdminClient calls the admin endpoints of a member using the chosen
// protocol (gRPC JSON codec or HTTP/JSON).
type AdminClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetConfig(ctx context.Context, addr string) (ConfigResponse, error)
    Reconfigure(ctx context.Context, addr string, req ReconfigureRequest) (ReconfigureResponse, error)
}
