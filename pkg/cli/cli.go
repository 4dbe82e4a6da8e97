package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-ensemble/pkg/bootstrap"
    "github.com/amirimatin/go-ensemble/pkg/configurator"
    "github.com/amirimatin/go-ensemble/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-ensemble/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
    "github.com/amirimatin/go-ensemble/pkg/subscription/file"
    "github.com/amirimatin/go-ensemble/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-ensemble/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-ensemble/pkg/transport/httpjson"
)

// AddAll attaches ensemble subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewRenderCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewConfigCmd())
    root.AddCommand(NewReconfigureCmd())
}

// NewEnsembleCommand returns a parent command "ensemble" containing all
// subcommands, for embedding in other binaries.
func NewEnsembleCommand() *cobra.Command {
    parent := &cobra.Command{Use: "ensemble", Short: "ensemble lifecycle commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command that manages the local member.
func NewRunCmd() *cobra.Command {
    var (
        specPath, mgmtAddr                       string
        poll, adminTimeout, reconfigTimeout      time.Duration
        tlsEnable, tlsSkip, traceEnable, logJSON bool
        tlsCA, tlsCert, tlsKey, tlsServerName    string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run the local ensemble member from a spec file",
        RunE: func(cmd *cobra.Command, args []string) error {
            if specPath == "" { return fmt.Errorf("missing --spec") }
            if logJSON { logutil.SetJSON(true) }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            n, err := bootstrap.Build(bootstrap.Config{
                SpecPath:        specPath,
                PollInterval:    poll,
                MgmtAddr:        mgmtAddr,
                TLSEnable:       tlsEnable,
                TLSCA:           tlsCA,
                TLSCert:         tlsCert,
                TLSKey:          tlsKey,
                TLSServerName:   tlsServerName,
                TLSSkipVerify:   tlsSkip,
                AdminTimeout:    adminTimeout,
                ReconfigTimeout: reconfigTimeout,
                Logger:          log.Default(),
            })
            if err != nil { return err }
            fmt.Fprintln(cmd.OutOrStdout(), "ensemble member running. Press Ctrl+C to exit.")
            return n.Run(ctx)
        },
    }
    cmd.Flags().StringVar(&specPath, "spec", "", "path to the YAML ensemble spec (required)")
    cmd.Flags().DurationVar(&poll, "poll", 5*time.Second, "spec file poll interval")
    cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management HTTP address (empty disables)")
    cmd.Flags().DurationVar(&adminTimeout, "admin-timeout", 30*time.Second, "timeout of one admin RPC")
    cmd.Flags().DurationVar(&reconfigTimeout, "reconfig-timeout", 3*time.Minute, "budget for one reconfiguration")
    cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for the management API")
    cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
    cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
    cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON log lines")
    return cmd
}

// NewRenderCmd returns the "render" command that prints (or writes) the
// engine artifacts for a spec without starting anything.
func NewRenderCmd() *cobra.Command {
    var (
        specPath string
        write    bool
    )
    cmd := &cobra.Command{
        Use:   "render",
        Short: "Render the engine config and myid files for a spec",
        RunE: func(cmd *cobra.Command, args []string) error {
            if specPath == "" { return fmt.Errorf("missing --spec") }
            spec, err := file.Load(specPath)
            if err != nil { return err }
            settings, tctx, err := tlsx.FileResolver{}.Resolve(spec.TLSConfigFileRef)
            if err != nil { return err }
            defer tctx.Close()
            if write {
                if err := configurator.WriteToDisk(*spec, settings); err != nil { return err }
                fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", spec.ConfigFilePath(), spec.MyIDFilePath())
                return nil
            }
            out, err := configurator.Render(*spec, settings)
            if err != nil { return err }
            w := cmd.OutOrStdout()
            fmt.Fprintf(w, "# %s\n%s", spec.ConfigFilePath(), out)
            fmt.Fprintf(w, "# %s\n%s", spec.MyIDFilePath(), configurator.RenderMyID(*spec))
            return nil
        },
    }
    cmd.Flags().StringVar(&specPath, "spec", "", "path to the YAML ensemble spec (required)")
    cmd.Flags().BoolVar(&write, "write", false, "write the files instead of printing them")
    return cmd
}

// clientFlags are shared by the commands that talk to a running member.
type clientFlags struct {
    addr, proto                           string
    timeout                               time.Duration
    tlsEnable, tlsSkip                    bool
    tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (f *clientFlags) register(cmd *cobra.Command, defaultAddr string) {
    cmd.Flags().StringVar(&f.addr, "addr", defaultAddr, "address of a member (host:port)")
    cmd.Flags().StringVar(&f.proto, "proto", "http", "protocol: http (management port) | grpc (admin/client port)")
    cmd.Flags().DurationVar(&f.timeout, "timeout", 3*time.Second, "request timeout")
    cmd.Flags().BoolVar(&f.tlsEnable, "tls-enable", false, "enable mTLS")
    cmd.Flags().StringVar(&f.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(&f.tlsKey, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(&f.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *clientFlags) client() (transport.AdminClient, func(), error) {
    var cliTLS *tls.Config
    if f.tlsEnable {
        topts := tlsx.Options{Enable: true, CAFile: f.tlsCA, CertFile: f.tlsCert, KeyFile: f.tlsKey, InsecureSkipVerify: f.tlsSkip, ServerName: f.tlsServerName}
        var err error
        cliTLS, err = topts.ClientHotReload()
        if err != nil { return nil, nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch f.proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(f.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, cli.Close, nil
    case "http", "":
        cli := httpjson.NewClient(f.timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, func() {}, nil
    default:
        return nil, nil, fmt.Errorf("unknown protocol %q", f.proto)
    }
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch member status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, closeFn, err := f.client()
            if err != nil { return err }
            defer closeFn()
            ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
            defer cancel()
            data, err := client.GetStatus(ctx, f.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            w := cmd.OutOrStdout()
            _, _ = w.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = w.Write([]byte("\n")) }
            return nil
        },
    }
    f.register(cmd, "127.0.0.1:17946")
    return cmd
}

// NewConfigCmd returns the "config" command printing the committed dynamic
// configuration.
func NewConfigCmd() *cobra.Command {
    var f clientFlags
    cmd := &cobra.Command{
        Use:   "config",
        Short: "Fetch the committed ensemble configuration",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, closeFn, err := f.client()
            if err != nil { return err }
            defer closeFn()
            ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
            defer cancel()
            resp, err := client.GetConfig(ctx, f.addr)
            if err != nil { return fmt.Errorf("config error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    f.register(cmd, "127.0.0.1:17946")
    return cmd
}

// NewReconfigureCmd returns the "reconfigure" command.
func NewReconfigureCmd() *cobra.Command {
    var (
        f       clientFlags
        servers string
    )
    cmd := &cobra.Command{
        Use:   "reconfigure",
        Short: "Ask the ensemble to adopt a new server list",
        RunE: func(cmd *cobra.Command, args []string) error {
            if servers == "" { return fmt.Errorf("missing --servers") }
            client, closeFn, err := f.client()
            if err != nil { return err }
            defer closeFn()
            ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
            defer cancel()
            resp, err := client.Reconfigure(ctx, f.addr, transport.ReconfigureRequest{Servers: servers})
            if err != nil { return fmt.Errorf("reconfigure error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    f.register(cmd, "127.0.0.1:17946")
    cmd.Flags().StringVar(&servers, "servers", "", "comma-separated server specs, e.g. server.1=h1:2888:3888;2181 (required)")
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
