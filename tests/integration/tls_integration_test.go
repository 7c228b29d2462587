//go:build integration

package integration

import (
    "context"
    "testing"
    "time"

    "github.com/amirimatin/go-registry/pkg/bootstrap"
    tlsx "github.com/amirimatin/go-registry/pkg/security/tlsconfig"
    "github.com/amirimatin/go-registry/pkg/unit"
)

func TestTLS_ReplicaAndClients(t *testing.T) {
    for _, proto := range []string{"http", "grpc"} {
        t.Run(proto, func(t *testing.T) {
            ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
            defer cancel()
            ca, nodeCrt, nodeKey, cliCrt, cliKey := mustMakeTestCerts(t, t.TempDir())
            tlsCfg := bootstrap.Config{TLSEnable: true, TLSCA: ca, TLSCert: nodeCrt, TLSKey: nodeKey, RPCProto: proto}

            authCfg := tlsCfg
            authCfg.NodeID, authCfg.DataDir, authCfg.InitDB, authCfg.RPCAddr = "auth", t.TempDir(), true, freeAddr(t)
            auth, err := bootstrap.Run(ctx, authCfg)
            if err != nil { t.Fatalf("auth: %v", err) }
            defer auth.Close()

            repCfg := tlsCfg
            repCfg.NodeID, repCfg.Role, repCfg.RegistryAddr = "rep", "replica", auth.Addr()
            rep, err := bootstrap.Run(ctx, repCfg)
            if err != nil { t.Fatalf("replica: %v", err) }
            defer rep.Close()

            if _, err := rep.Replica().Register(ctx, unit.Config{ID: "garage", Label: "Garage"}).GetTimeout(10 * time.Second); err != nil {
                t.Fatalf("register over tls: %v", err)
            }

            cliTLS, err := tlsx.Options{Enable: true, CAFile: ca, CertFile: cliCrt, KeyFile: cliKey}.Client()
            if err != nil { t.Fatalf("tls client: %v", err) }
            cli := bootstrap.NewClient(proto, 3*time.Second, cliTLS)
            waitUntil(t, 10*time.Second, func() error {
                s, err := fetchStatus(ctx, cli, auth.Addr())
                if err != nil { return err }
                if s.Entries != 1 { return errNotYet }
                return nil
            })

            // a client without a certificate is refused
            anonTLS, err := tlsx.Options{Enable: true, CAFile: ca}.Client()
            if err != nil { t.Fatal(err) }
            actx, acancel := context.WithTimeout(ctx, 2*time.Second)
            defer acancel()
            if _, err := bootstrap.NewClient(proto, time.Second, anonTLS).GetStatus(actx, auth.Addr()); err == nil {
                t.Fatalf("status without a client certificate succeeded")
            }

            // a plaintext client is refused too
            if _, err := bootstrap.NewClient(proto, time.Second, nil).GetStatus(actx, auth.Addr()); err == nil {
                t.Fatalf("plaintext status succeeded against a tls endpoint")
            }
        })
    }
}
