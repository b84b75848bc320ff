package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// TLSConfig controls the optional TLS upgrade.
type TLSConfig struct {
	Enabled bool

	// ServerName overrides the name checked against the server
	// certificate. Empty means the dialed host.
	ServerName string

	// CAFile is a PEM bundle of trusted roots. Empty means system roots.
	CAFile string

	// InsecureSkipVerify accepts any server certificate. Never enable it
	// against a collector reachable from an untrusted network.
	InsecureSkipVerify bool

	// CertFile and KeyFile hold a PEM client certificate and key.
	CertFile string
	KeyFile  string

	// PKCS12File holds a client identity bundle, used when CertFile is
	// empty. PKCS12Password decrypts it.
	PKCS12File     string
	PKCS12Password string
}

// buildTLSConfig returns nil when TLS is disabled.
func buildTLSConfig(c TLSConfig, host string) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if c.ServerName != "" {
		cfg.ServerName = c.ServerName
	}

	if c.CAFile != "" {
		caPEM, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", c.CAFile)
		}
		cfg.RootCAs = pool
	}

	cert, ok, err := loadClientIdentity(c)
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// loadClientIdentity reads the configured client certificate, if any.
func loadClientIdentity(c TLSConfig) (tls.Certificate, bool, error) {
	switch {
	case c.CertFile != "" || c.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return tls.Certificate{}, false, fmt.Errorf("load client cert: %w", err)
		}
		return cert, true, nil

	case c.PKCS12File != "":
		data, err := os.ReadFile(c.PKCS12File)
		if err != nil {
			return tls.Certificate{}, false, fmt.Errorf("read pkcs12 bundle: %w", err)
		}
		key, leaf, err := pkcs12.Decode(data, c.PKCS12Password)
		if err != nil {
			return tls.Certificate{}, false, fmt.Errorf("decode pkcs12 bundle %q: %w", c.PKCS12File, err)
		}
		return tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}, true, nil

	default:
		return tls.Certificate{}, false, nil
	}
}
