package reconfig

import (
    "context"
    "errors"

    "github.com/amirimatin/go-ensemble/pkg/transport"
)

// RPCAdmin issues reconfigurations through a transport admin client. The
// connection spec is dialed as is: members serve admin RPC on their client
// port.
type RPCAdmin struct {
    client transport.AdminClient
}

// NewRPCAdmin adapts an admin RPC client to Admin.
func NewRPCAdmin(client transport.AdminClient) *RPCAdmin { return &RPCAdmin{client: client} }

// Reconfigure reports every failure as *ReconfigError; the coordinator's
// deadline decides when to stop retrying.
func (a *RPCAdmin) Reconfigure(ctx context.Context, connectionSpec, newServers string) error {
    resp, err := a.client.Reconfigure(ctx, connectionSpec, transport.ReconfigureRequest{Servers: newServers})
    if err != nil { return &ReconfigError{ConnectionSpec: connectionSpec, Err: err} }
    if !resp.Accepted {
        msg := resp.Error
        if msg == "" { msg = "reconfiguration rejected" }
        return &ReconfigError{ConnectionSpec: connectionSpec, Err: errors.New(msg)}
    }
    return nil
}

var _ Admin = (*RPCAdmin)(nil)
