package quicmux

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Liangxia6/quicmux/internal/handshake"
	"github.com/Liangxia6/quicmux/internal/utils"
)

const (
	configIDLen = 16
	// EphemeralKeyLifetime is how long one ephemeral key is used for new handshakes.
	EphemeralKeyLifetime = 60 * time.Second
)

var (
	errChainNotBuilt = errors.New("certificate chain not built")
	errChainBuilt    = errors.New("certificate chain already built")
)

// ProofSource holds the server's certificate chain and the key that signs
// handshake proofs. Certificates are added leaf first with AddCert, then
// BuildCertChain freezes the chain.
type ProofSource struct {
	signer crypto.Signer
	rand   io.Reader

	pending [][]byte
	chain   [][]byte
}

// NewProofSource creates a proof source signing with the leaf's private key.
func NewProofSource(signer crypto.Signer) *ProofSource {
	return &ProofSource{signer: signer, rand: utils.DefaultRandom()}
}

// AddCert appends a DER encoded certificate to the chain.
func (p *ProofSource) AddCert(der []byte) error {
	if p.chain != nil {
		return errChainBuilt
	}
	if len(der) == 0 {
		return errors.New("empty certificate")
	}
	p.pending = append(p.pending, append([]byte(nil), der...))
	return nil
}

// BuildCertChain finalizes the chain. It fails if no certificate was added.
func (p *ProofSource) BuildCertChain() error {
	if p.chain != nil {
		return errChainBuilt
	}
	if len(p.pending) == 0 {
		return errors.New("no certificates added")
	}
	p.chain = p.pending
	p.pending = nil
	return nil
}

// CertChain returns the built chain.
func (p *ProofSource) CertChain() ([][]byte, error) {
	if p.chain == nil {
		return nil, errChainNotBuilt
	}
	return p.chain, nil
}

// Sign signs data with the leaf key. Ed25519 keys sign the data itself,
// ECDSA and RSA keys its SHA-256 digest.
func (p *ProofSource) Sign(data []byte) ([]byte, error) {
	if _, ok := p.signer.Public().(ed25519.PublicKey); ok {
		return p.signer.Sign(p.rand, data, crypto.Hash(0))
	}
	digest := sha256.Sum256(data)
	return p.signer.Sign(p.rand, digest[:], crypto.SHA256)
}

// EphemeralKeySource hands out the X25519 key used for new handshakes and
// rotates it every EphemeralKeyLifetime. It is safe for concurrent use.
type EphemeralKeySource struct {
	rand     io.Reader
	clock    Clock
	lifetime time.Duration

	mu      sync.Mutex
	key     handshake.KeyExchange
	expires time.Time
}

// NewEphemeralKeySource creates a key source.
func NewEphemeralKeySource(rand io.Reader, clock Clock) *EphemeralKeySource {
	if rand == nil {
		rand = utils.DefaultRandom()
	}
	if clock == nil {
		clock = utils.DefaultClock()
	}
	return &EphemeralKeySource{rand: rand, clock: clock, lifetime: EphemeralKeyLifetime}
}

func (s *EphemeralKeySource) current() (handshake.KeyExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.key != nil && now.Before(s.expires) {
		return s.key, nil
	}
	key, err := handshake.NewX25519Key(s.rand)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	s.key = key
	s.expires = now.Add(s.lifetime)
	return key, nil
}

// ServerCryptoConfig is the crypto material shared by all server sessions of
// a Dispatcher.
type ServerCryptoConfig struct {
	proofSource *ProofSource
	keys        *EphemeralKeySource
	rand        io.Reader

	mu       sync.RWMutex
	configID []byte
}

var _ handshake.ServerProofSource = &ServerCryptoConfig{}

// NewServerCryptoConfig creates the server config. The config ID is generated
// once here and used for every handshake until RotateConfigID.
func NewServerCryptoConfig(proofSource *ProofSource, rand io.Reader, clock Clock) (*ServerCryptoConfig, error) {
	if proofSource == nil {
		return nil, errors.New("proof source is nil")
	}
	if _, err := proofSource.CertChain(); err != nil {
		return nil, err
	}
	if rand == nil {
		rand = utils.DefaultRandom()
	}
	c := &ServerCryptoConfig{
		proofSource: proofSource,
		keys:        NewEphemeralKeySource(rand, clock),
		rand:        rand,
	}
	if err := c.RotateConfigID(); err != nil {
		return nil, err
	}
	return c, nil
}

// RotateConfigID replaces the config ID. Running handshakes keep the old one.
func (c *ServerCryptoConfig) RotateConfigID() error {
	id := make([]byte, configIDLen)
	if _, err := io.ReadFull(c.rand, id); err != nil {
		return fmt.Errorf("config id: %w", err)
	}
	c.mu.Lock()
	c.configID = id
	c.mu.Unlock()
	return nil
}

// ConfigID returns the current config ID.
func (c *ServerCryptoConfig) ConfigID() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configID
}

// CertChain returns the certificate chain of the proof source.
func (c *ServerCryptoConfig) CertChain() ([][]byte, error) { return c.proofSource.CertChain() }

// SignProof signs the handshake proof.
func (c *ServerCryptoConfig) SignProof(data []byte) ([]byte, error) { return c.proofSource.Sign(data) }

// EphemeralKey returns the current ephemeral key.
func (c *ServerCryptoConfig) EphemeralKey() (handshake.KeyExchange, error) { return c.keys.current() }

// ProofVerifier checks the server's certificate chain and its signature over
// signedData. It is called synchronously during the handshake; returning an
// error fails the handshake with ErrCryptoVerificationFailed.
type ProofVerifier func(serverName string, certs [][]byte, signedData, signature []byte) error

// ClientCryptoConfig configures the client side of the handshake.
type ClientCryptoConfig struct {
	ServerName string
	Verifier   ProofVerifier
}

// NewX509ProofVerifier returns a verifier that parses the chain as X.509
// certificates and checks the proof signature with the leaf's key. Unless
// skipChainVerification is set, the chain must verify against roots (the
// system pool if nil) for the server name.
func NewX509ProofVerifier(roots *x509.CertPool, skipChainVerification bool) ProofVerifier {
	return func(serverName string, certs [][]byte, signedData, signature []byte) error {
		if len(certs) == 0 {
			return errors.New("no certificates")
		}
		parsed := make([]*x509.Certificate, 0, len(certs))
		for i, der := range certs {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return fmt.Errorf("certificate %d: %w", i, err)
			}
			parsed = append(parsed, cert)
		}
		leaf := parsed[0]
		if !skipChainVerification {
			opts := x509.VerifyOptions{
				DNSName:       serverName,
				Roots:         roots,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range parsed[1:] {
				opts.Intermediates.AddCert(cert)
			}
			if _, err := leaf.Verify(opts); err != nil {
				return err
			}
		}
		return leaf.CheckSignature(signatureAlgorithm(leaf.PublicKey), signedData, signature)
	}
}

func signatureAlgorithm(pub any) x509.SignatureAlgorithm {
	switch pub.(type) {
	case ed25519.PublicKey:
		return x509.PureEd25519
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	case *rsa.PublicKey:
		return x509.SHA256WithRSA
	default:
		return x509.UnknownSignatureAlgorithm
	}
}
