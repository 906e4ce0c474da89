package wrapper

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Liangxia6/quicmux"
)

// SelfSignedProofSource 生成自签名证书（PoC 用），client 需要跳过证书链校验。
func SelfSignedProofSource(serverName string) (*quicmux.ProofSource, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	ps, err := buildProofSource(key, [][]byte{der})
	if err != nil {
		return nil, nil, err
	}
	return ps, der, nil
}

// LoadProofSource 从 PEM 文件加载证书链和私钥。
func LoadProofSource(certFile, keyFile string) (*quicmux.ProofSource, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key can't sign")
	}
	return buildProofSource(signer, pair.Certificate)
}

func buildProofSource(signer crypto.Signer, chain [][]byte) (*quicmux.ProofSource, error) {
	ps := quicmux.NewProofSource(signer)
	for _, der := range chain {
		if err := ps.AddCert(der); err != nil {
			return nil, err
		}
	}
	if err := ps.BuildCertChain(); err != nil {
		return nil, err
	}
	return ps, nil
}
