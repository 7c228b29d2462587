// Package tlsconfig builds the TLS configurations of the registry endpoints
// and the clients that reach them.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "fmt"
    "os"
    "sync"
    "time"

    "github.com/amirimatin/go-registry/pkg/errs"
)

// ReloadInterval is how long a hot-reloaded certificate is cached.
const ReloadInterval = 10 * time.Second

// Options defines (m)TLS inputs. With CAFile set a server requires and
// verifies client certificates.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

func (o Options) pool() (*x509.CertPool, error) {
    if o.CAFile == "" { return nil, nil }
    pem, err := os.ReadFile(o.CAFile)
    if err != nil { return nil, fmt.Errorf("tls: read ca: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) {
        return nil, fmt.Errorf("tls: no certificates in %s: %w", o.CAFile, errs.ErrVerificationFailed)
    }
    return pool, nil
}

func (o Options) serverBase() (*tls.Config, error) {
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, fmt.Errorf("tls: server cert and key required: %w", errs.ErrVerificationFailed)
    }
    pool, err := o.pool()
    if err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if pool != nil {
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

func (o Options) clientBase() (*tls.Config, error) {
    pool, err := o.pool()
    if err != nil { return nil, err }
    return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify}, nil //nolint:gosec
}

// Server returns the server config, or nil when TLS is disabled.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.serverBase()
    if err != nil { return nil, err }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, fmt.Errorf("tls: load key pair: %w", err) }
    cfg.Certificates = []tls.Certificate{cert}
    return cfg, nil
}

// Client returns the client config, or nil when TLS is disabled. The client
// certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, fmt.Errorf("tls: load key pair: %w", err) }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ServerHotReload is Server with the certificate re-read from disk on
// handshake at most every ReloadInterval, so files can be rotated in place.
// The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.serverBase()
    if err != nil { return nil, err }
    r := &reloader{cert: o.CertFile, key: o.KeyFile}
    if _, err := r.load(); err != nil { return nil, err }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.load() }
    return cfg, nil
}

// ClientHotReload is Client with the client certificate reloaded like
// ServerHotReload does.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    r := &reloader{cert: o.CertFile, key: o.KeyFile}
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.load() }
    return cfg, nil
}

type reloader struct {
    cert, key string

    mu     sync.Mutex
    cached *tls.Certificate
    at     time.Time
}

func (r *reloader) load() (*tls.Certificate, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.cached != nil && time.Since(r.at) < ReloadInterval { return r.cached, nil }
    cert, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil {
        if r.cached != nil { return r.cached, nil }
        return nil, fmt.Errorf("tls: load key pair: %w", err)
    }
    r.cached, r.at = &cert, time.Now()
    return r.cached, nil
}
