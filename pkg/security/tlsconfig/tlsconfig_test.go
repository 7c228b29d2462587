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
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-registry/pkg/errs"
)

// selfSigned writes a CA-capable self-signed certificate for 127.0.0.1 and
// returns the cert and key paths.
func selfSigned(t *testing.T, dir string) (string, string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "registry"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        IsCA:                  true,
        IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
        DNSNames:              []string{"registry"},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    require.NoError(t, err)
    kder, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)
    certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
    require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
    require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder}), 0o600))
    return certPath, keyPath
}

func TestDisabled(t *testing.T) {
    for _, f := range []func() (*tls.Config, error){Options{}.Server, Options{}.Client, Options{}.ServerHotReload, Options{}.ClientHotReload} {
        cfg, err := f()
        require.NoError(t, err)
        require.Nil(t, cfg)
    }
}

func TestServerRequiresKeyPair(t *testing.T) {
    _, err := Options{Enable: true}.Server()
    require.ErrorIs(t, err, errs.ErrVerificationFailed)
    _, err = Options{Enable: true}.ServerHotReload()
    require.ErrorIs(t, err, errs.ErrVerificationFailed)
}

func TestBadCA(t *testing.T) {
    ca := filepath.Join(t.TempDir(), "ca.pem")
    require.NoError(t, os.WriteFile(ca, []byte("not pem"), 0o600))
    _, err := Options{Enable: true, CAFile: ca}.Client()
    require.ErrorIs(t, err, errs.ErrVerificationFailed)
}

func TestMutualHandshake(t *testing.T) {
    cert, key := selfSigned(t, t.TempDir())
    o := Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key, ServerName: "registry"}
    srvCfg, err := o.ServerHotReload()
    require.NoError(t, err)
    require.Equal(t, tls.RequireAndVerifyClientCert, srvCfg.ClientAuth)
    cliCfg, err := o.ClientHotReload()
    require.NoError(t, err)

    lis, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
    require.NoError(t, err)
    defer lis.Close()
    done := make(chan error, 1)
    go func() {
        c, err := lis.Accept()
        if err != nil { done <- err; return }
        defer c.Close()
        done <- c.(*tls.Conn).Handshake()
    }()

    conn, err := tls.Dial("tcp", lis.Addr().String(), cliCfg)
    require.NoError(t, err)
    require.NoError(t, conn.Handshake())
    _ = conn.Close()
    require.NoError(t, <-done)

    // a client without a certificate is refused
    anon, err := Options{Enable: true, CAFile: cert, ServerName: "registry"}.Client()
    require.NoError(t, err)
    go func() {
        c, err := lis.Accept()
        if err != nil { done <- err; return }
        defer c.Close()
        done <- c.(*tls.Conn).Handshake()
    }()
    if c, err := tls.Dial("tcp", lis.Addr().String(), anon); err == nil {
        _, _ = c.Read(make([]byte, 1))
        _ = c.Close()
    }
    require.Error(t, <-done)
}
