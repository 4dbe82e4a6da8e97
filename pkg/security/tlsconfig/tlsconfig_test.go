package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed CA/leaf pair (same cert) to dir.
func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "ensemble-test"},
        DNSNames:              []string{"localhost"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    require.NoError(t, err)
    kb, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)
    certFile = filepath.Join(dir, "cert.pem")
    keyFile = filepath.Join(dir, "key.pem")
    require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
    require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600))
    return certFile, keyFile
}

func TestParseMixedMode(t *testing.T) {
    m, err := ParseMixedMode("")
    require.NoError(t, err)
    require.Equal(t, MixedModeTLSOnly, m)
    m, err = ParseMixedMode("plaintext_client_mixed_server")
    require.NoError(t, err)
    require.Equal(t, MixedModePlaintextClient, m)
    _, err = ParseMixedMode("bogus")
    require.Error(t, err)
}

func TestFileResolver_EmptyRef(t *testing.T) {
    st, ctx, err := FileResolver{}.Resolve("")
    require.NoError(t, err)
    require.False(t, st.Enabled)
    require.Nil(t, ctx)
}

func TestFileResolver_Build(t *testing.T) {
    dir := t.TempDir()
    cert, key := writeSelfSigned(t, dir)
    ref := filepath.Join(dir, "tls.yaml")
    body := "ca: " + cert + "\ncert: " + cert + "\nkey: " + key + "\nmixed-mode: tls_client_mixed_server\n" +
        "protocols: [TLSv1.3, TLSv1.2]\ncipher-suites: [TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256]\n"
    require.NoError(t, os.WriteFile(ref, []byte(body), 0o600))

    st, ctx, err := FileResolver{}.Resolve(ref)
    require.NoError(t, err)
    require.True(t, st.Enabled)
    require.Equal(t, MixedModeTLSClient, st.MixedMode)
    require.Equal(t, []string{"TLSv1.2", "TLSv1.3"}, st.SortedProtocols())
    require.Equal(t, []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"}, st.SortedCipherSuites())
    require.NotNil(t, ctx.Server)
    require.Equal(t, tls.RequireAndVerifyClientCert, ctx.Server.ClientAuth)
    require.Equal(t, uint16(tls.VersionTLS12), ctx.Server.MinVersion)

    c, err := ctx.Server.GetCertificate(&tls.ClientHelloInfo{})
    require.NoError(t, err)
    require.NotNil(t, c)

    require.NoError(t, ctx.Close())
    _, err = ctx.Server.GetCertificate(&tls.ClientHelloInfo{})
    require.Error(t, err)
}

func TestFileResolver_UnknownCipher(t *testing.T) {
    dir := t.TempDir()
    cert, key := writeSelfSigned(t, dir)
    ref := filepath.Join(dir, "tls.yaml")
    require.NoError(t, os.WriteFile(ref, []byte("cert: "+cert+"\nkey: "+key+"\ncipher-suites: [NOPE]\n"), 0o600))
    _, _, err := FileResolver{}.Resolve(ref)
    require.Error(t, err)
}
