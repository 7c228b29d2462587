//go:build integration

package integration

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/json"
    "encoding/pem"
    "errors"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/go-registry/pkg/node"
    "github.com/amirimatin/go-registry/pkg/transport"
)

var errNotYet = errors.New("not yet")

func waitUntil(t *testing.T, d time.Duration, f func() error) {
    t.Helper()
    deadline := time.Now().Add(d)
    var err error
    for time.Now().Before(deadline) {
        if err = f(); err == nil { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", d, err)
}

func fetchStatus(ctx context.Context, cli transport.RPCClient, addr string) (node.Status, error) {
    var s node.Status
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    err = json.Unmarshal(b, &s)
    return s, err
}

// freeAddr returns a loopback address whose TCP and UDP ports were both free.
func freeAddr(t *testing.T) string {
    t.Helper()
    for i := 0; i < 20; i++ {
        l, err := net.Listen("tcp", "127.0.0.1:0")
        if err != nil { t.Fatal(err) }
        addr := l.Addr().String()
        u, err := net.ListenPacket("udp", addr)
        _ = l.Close()
        if err != nil { continue }
        _ = u.Close()
        return addr
    }
    t.Fatalf("no free port")
    return ""
}

func mustMakeTestCerts(t *testing.T, dir string) (caCrt, srvCrt, srvKey, cliCrt, cliKey string) {
    t.Helper()
    caPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
    caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "go-registry-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
    caDER, _ := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
    caCrt = filepath.Join(dir, "ca.crt")
    writePEM(t, caCrt, "CERTIFICATE", caDER)

    // nodes act as server and as client of the authoritative node
    makeLeaf := func(cn, name string, usage ...x509.ExtKeyUsage) (string, string) {
        priv, _ := rsa.GenerateKey(rand.Reader, 2048)
        tpl := &x509.Certificate{SerialNumber: big.NewInt(time.Now().UnixNano()), Subject: pkix.Name{CommonName: cn}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour), KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment, ExtKeyUsage: usage}
        tpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
        der, _ := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
        crt, key := filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
        writePEM(t, crt, "CERTIFICATE", der)
        writePEM(t, key, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
        return crt, key
    }
    srvCrt, srvKey = makeLeaf("go-registry-node", "node", x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth)
    cliCrt, cliKey = makeLeaf("go-registry-client", "client", x509.ExtKeyUsageClientAuth)
    return
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    f, err := os.Create(path)
    if err != nil { t.Fatalf("create %s: %v", path, err) }
    defer f.Close()
    if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil { t.Fatalf("pem encode %s: %v", path, err) }
}
