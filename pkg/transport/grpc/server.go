package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    obsmetrics "github.com/amirimatin/go-ensemble/pkg/observability/metrics"
    "github.com/amirimatin/go-ensemble/pkg/observability/tracing"
    "github.com/amirimatin/go-ensemble/pkg/transport"
)

const serviceName = "ensemble.v1.Admin"

// Server implements transport.AdminServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config
    wrap   func(net.Listener) net.Listener
    extra  []grpc.ServerOption

    mu  sync.Mutex
    lis net.Listener
    srv *grpc.Server
}

// NewServer returns an admin server for bind (e.g. ":2181").
func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// UseListener wraps the accepted listener, e.g. to terminate TLS on a
// unified port before gRPC sees the connection.
func (s *Server) UseListener(wrap func(net.Listener) net.Listener) *Server { s.wrap = wrap; return s }

// UseServerOptions appends raw gRPC server options such as message limits.
func (s *Server) UseServerOptions(opts ...grpc.ServerOption) *Server {
    s.extra = append(s.extra, opts...)
    return s
}

type empty struct{}
type statusBlob struct {
    Data []byte `json:"data"`
}

// adminServer defines the methods we expose.
type adminServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    GetConfig(ctx context.Context, in *empty) (*transport.ConfigResponse, error)
    Reconfigure(ctx context.Context, in *transport.ReconfigureRequest) (*transport.ReconfigureResponse, error)
}

type adminImpl struct{ h transport.Handlers }

var errUnsupported = errors.New("not supported by this member")

func (a *adminImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    if a.h.Status == nil { return nil, errUnsupported }
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := a.h.Status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (a *adminImpl) GetConfig(ctx context.Context, _ *empty) (*transport.ConfigResponse, error) {
    if a.h.Config == nil { return nil, errUnsupported }
    ctx, end := tracing.StartSpan(ctx, "grpc.config")
    defer end()
    out, err := a.h.Config(ctx)
    if err != nil {
        obsmetrics.AdminRequests.WithLabelValues("config", "error").Inc()
        return nil, err
    }
    obsmetrics.AdminRequests.WithLabelValues("config", "ok").Inc()
    return &out, nil
}

func (a *adminImpl) Reconfigure(ctx context.Context, in *transport.ReconfigureRequest) (*transport.ReconfigureResponse, error) {
    if in == nil { in = &transport.ReconfigureRequest{} }
    if a.h.Reconfigure == nil { return &transport.ReconfigureResponse{Error: errUnsupported.Error()}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.reconfigure", "servers", in.Servers)
    defer end()
    out, err := a.h.Reconfigure(ctx, *in)
    if err != nil {
        obsmetrics.AdminRequests.WithLabelValues("reconfigure", "error").Inc()
        if out.Error == "" { out.Error = err.Error() }
        out.Accepted = false
        return &out, nil
    }
    result := "rejected"
    if out.Accepted { result = "ok" }
    obsmetrics.AdminRequests.WithLabelValues("reconfigure", result).Inc()
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Admin_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*adminServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Admin_GetStatus_Handler},
        {MethodName: "GetConfig", Handler: _Admin_GetConfig_Handler},
        {MethodName: "Reconfigure", Handler: _Admin_Reconfigure_Handler},
    },
}

func _Admin_GetStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(adminServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStatus"}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(adminServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Admin_GetConfig_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(adminServer).GetConfig(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetConfig"}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(adminServer).GetConfig(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Admin_Reconfigure_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    in := new(transport.ReconfigureRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(adminServer).Reconfigure(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Reconfigure"}
    handler := func(ctx context.Context, req any) (any, error) {
        return srv.(adminServer).Reconfigure(ctx, req.(*transport.ReconfigureRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.wrap != nil { lis = s.wrap(lis) }
    // Force JSON codec to avoid requiring protobuf types
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    opts = append(opts, s.extra...)
    srv := grpc.NewServer(opts...)
    healthpb.RegisterHealthServer(srv, health.NewServer())
    srv.RegisterService(&_Admin_serviceDesc, &adminImpl{h: h})

    s.mu.Lock()
    s.lis, s.srv = lis, srv
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = s.Stop(sctx)
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, lis := s.srv, s.lis
    s.srv, s.lis = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    if lis != nil { _ = lis.Close() }
    return nil
}

var _ transport.AdminServer = (*Server)(nil)
