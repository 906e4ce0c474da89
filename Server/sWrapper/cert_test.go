package wrapper

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Liangxia6/quicmux"
)

func TestSelfSignedProofSource(t *testing.T) {
	ps, der, err := SelfSignedProofSource("localhost")
	require.NoError(t, err)
	chain, err := ps.CertChain()
	require.NoError(t, err)
	require.Equal(t, [][]byte{der}, chain)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)

	data := []byte("server config")
	sig, err := ps.Sign(data)
	require.NoError(t, err)
	require.NoError(t, quicmux.NewX509ProofVerifier(roots, false)("localhost", chain, data, sig))
	require.Error(t, quicmux.NewX509ProofVerifier(roots, false)("example.com", chain, data, sig))
}

// writeKeyPair writes an ECDSA key and a self-signed certificate as PEM.
func writeKeyPair(t *testing.T, certFile, keyFile string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	return der
}

func TestLoadProofSource(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	der := writeKeyPair(t, certFile, keyFile)

	ps, err := LoadProofSource(certFile, keyFile)
	require.NoError(t, err)
	chain, err := ps.CertChain()
	require.NoError(t, err)
	require.Equal(t, [][]byte{der}, chain)

	data := []byte("server config")
	sig, err := ps.Sign(data)
	require.NoError(t, err)
	require.NoError(t, quicmux.NewX509ProofVerifier(nil, true)("localhost", chain, data, sig))

	_, err = LoadProofSource(certFile, filepath.Join(dir, "missing.pem"))
	require.Error(t, err)
}
