//go:build integration

package integration

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "fmt"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    tlsx "github.com/amirimatin/go-ensemble/pkg/security/tlsconfig"
    mgmtgrpc "github.com/amirimatin/go-ensemble/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-ensemble/pkg/transport/httpjson"
)

func TestTLSOnly_SingleMemberReconfiguresOverTLS(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
    defer cancel()
    dir := t.TempDir()
    caCrt, crt, key := mustMakeTestCerts(t, dir)
    ref := filepath.Join(dir, "tls.yaml")
    body := fmt.Sprintf("ca: %s\ncert: %s\nkey: %s\nmixed-mode: tls_only\n", caCrt, crt, key)
    if err := os.WriteFile(ref, []byte(body), 0o600); err != nil { t.Fatalf("write tls ref: %v", err) }

    members := newMembers(t, 1)
    nd := startNode(t, ctx, dir, 1, true, ref, members)
    cli := httpjson.NewClient(3 * time.Second)
    waitRunningWithLeader(t, ctx, cli, nd.mgmt(t))

    cfgFile, err := os.ReadFile(filepath.Join(nd.dataDir, "zoo.cfg"))
    if err != nil { t.Fatalf("read config: %v", err) }
    for _, want := range []string{"sslQuorum=true\n", "portUnification=false\n", "client.portUnification=false\n"} {
        if !strings.Contains(string(cfgFile), want) { t.Fatalf("config lacks %q:\n%s", want, cfgFile) }
    }

    admin := net.JoinHostPort("127.0.0.1", fmt.Sprint(members[0].port))
    topts := tlsx.Options{Enable: true, CAFile: caCrt, CertFile: crt, KeyFile: key}
    cliTLS, err := topts.ClientHotReload()
    if err != nil { t.Fatalf("tls client: %v", err) }
    secure := mgmtgrpc.NewClient(3 * time.Second).UseTLS(cliTLS)
    defer secure.Close()
    waitUntil(t, 20*time.Second, func() error {
        cfg, err := secure.GetConfig(ctx, admin)
        if err != nil { return err }
        if cfg.Version == 0 || len(cfg.Servers) != 1 { return fmt.Errorf("%w: %+v", errNotYet, cfg) }
        return nil
    })

    plain := mgmtgrpc.NewClient(time.Second)
    defer plain.Close()
    if _, err := plain.GetConfig(ctx, admin); err == nil {
        t.Fatalf("plaintext admin call succeeded on a TLS-only port")
    }
}

// mustMakeTestCerts issues one leaf usable as both server and client.
func mustMakeTestCerts(t *testing.T, dir string) (caCrt, crt, key string) {
    t.Helper()
    caPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
    caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "go-ensemble-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
    caDER, _ := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
    caCrt = filepath.Join(dir, "ca.crt")
    writePEM(t, caCrt, "CERTIFICATE", caDER)

    priv, _ := rsa.GenerateKey(rand.Reader, 2048)
    tpl := &x509.Certificate{
        SerialNumber: big.NewInt(time.Now().UnixNano()),
        Subject:      pkix.Name{CommonName: "go-ensemble-member"},
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(24 * time.Hour),
        KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
    }
    der, _ := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
    crt = filepath.Join(dir, "member.crt")
    key = filepath.Join(dir, "member.key")
    writePEM(t, crt, "CERTIFICATE", der)
    writePEM(t, key, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
    return
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    f, err := os.Create(path)
    if err != nil { t.Fatalf("create %s: %v", path, err) }
    defer f.Close()
    if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil {
        t.Fatalf("pem encode %s: %v", path, err)
    }
}
