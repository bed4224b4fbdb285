package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientAuth bool
}

// Enabled reports whether a certificate pair is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

var tls13Suites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
}

// LoadServerTLSConfig loads server TLS configuration with mutual TLS support.
func LoadServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate and key: %w", err)
	}

	clientAuth := tls.NoClientCert
	if cfg.RequireClientAuth {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: tls13Suites,
		ClientAuth:   clientAuth,
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
	}

	return tlsCfg, nil
}

// LoadClientTLSConfig loads client TLS configuration for calls to the ledger
// and the payout relayer.
func LoadClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		CipherSuites: tls13Suites,
	}

	if cfg.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// VerifyTLSFiles verifies that all required TLS files exist.
func VerifyTLSFiles(certFile, keyFile, caFile string) error {
	for _, file := range []string{certFile, keyFile, caFile} {
		if file == "" {
			return errors.New("TLS file path must not be empty")
		}
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("TLS file not found: %s - %w", file, err)
		}
	}
	return nil
}

// TLSPathsFromDir returns the conventional file names under baseDir.
func TLSPathsFromDir(baseDir string) TLSConfig {
	return TLSConfig{
		CertFile: filepath.Join(baseDir, "server.crt"),
		KeyFile:  filepath.Join(baseDir, "server.key"),
		CAFile:   filepath.Join(baseDir, "ca.crt"),
	}
}

// ServiceIdentity reads the calling service from a client certificate: the
// common name names the service, organizations carry its permissions.
func ServiceIdentity(clientCert *x509.Certificate) (service string, permissions []string, err error) {
	if clientCert == nil {
		return "", nil, errors.New("client certificate is nil")
	}
	service = clientCert.Subject.CommonName
	if service == "" {
		return "", nil, errors.New("certificate Common Name is empty")
	}
	return service, clientCert.Subject.Organization, nil
}

// HasPermission reports whether permissions grant required. "*" grants all.
func HasPermission(permissions []string, required string) bool {
	for _, p := range permissions {
		if p == required || p == "*" {
			return true
		}
	}
	return false
}
