package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateSelfSignedCert(t *testing.T, commonName string) (certFile, keyFile string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "test.crt")
	keyFile = filepath.Join(dir, "test.key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	return certFile, keyFile
}

func TestVerifyTLSFiles(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t, "test")
	caFile := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(caFile, []byte("test"), 0o600))

	assert.NoError(t, VerifyTLSFiles(certFile, keyFile, caFile))
	assert.Error(t, VerifyTLSFiles("/nonexistent/cert.crt", "/nonexistent/key.key", "/nonexistent/ca.crt"))
	assert.Error(t, VerifyTLSFiles("", "", ""))
}

func TestLoadTLSConfigs(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t, "ledger")

	server, err := LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: certFile, RequireClientAuth: true})
	require.NoError(t, err)
	assert.NotNil(t, server.ClientCAs)
	assert.Len(t, server.Certificates, 1)

	client, err := LoadClientTLSConfig(TLSConfig{CAFile: certFile})
	require.NoError(t, err)
	assert.NotNil(t, client.RootCAs)
	assert.Empty(t, client.Certificates)

	_, err = LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: keyFile})
	assert.Error(t, err, "a key file is not a CA bundle")
}

func TestTLSPathsFromDir(t *testing.T) {
	cfg := TLSPathsFromDir("/etc/batchpay/tls")
	assert.Equal(t, "/etc/batchpay/tls/server.crt", cfg.CertFile)
	assert.Equal(t, "/etc/batchpay/tls/server.key", cfg.KeyFile)
	assert.Equal(t, "/etc/batchpay/tls/ca.crt", cfg.CAFile)
	assert.True(t, cfg.Enabled())
	assert.False(t, TLSConfig{}.Enabled())
}

func TestServiceIdentity(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{
		CommonName:   "api-gateway",
		Organization: []string{"ledger:read", "ledger:write"},
	}}

	service, perms, err := ServiceIdentity(cert)
	require.NoError(t, err)
	assert.Equal(t, "api-gateway", service)
	assert.True(t, HasPermission(perms, "ledger:write"))
	assert.False(t, HasPermission(perms, "ledger:admin"))
	assert.True(t, HasPermission([]string{"*"}, "ledger:admin"))

	_, _, err = ServiceIdentity(nil)
	assert.Error(t, err)

	_, _, err = ServiceIdentity(&x509.Certificate{})
	assert.Error(t, err)
}
