package handshake

import (
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeyExchange is one side of an ephemeral Diffie-Hellman exchange.
type KeyExchange interface {
	PublicKey() []byte
	SharedKey(peerPublicKey []byte) ([]byte, error)
}

type x25519Key struct {
	private []byte
	public  []byte
}

// NewX25519Key generates an X25519 key pair.
func NewX25519Key(rand io.Reader) (KeyExchange, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &x25519Key{private: priv, public: pub}, nil
}

func (k *x25519Key) PublicKey() []byte { return k.public }

// SharedKey fails for low order points.
func (k *x25519Key) SharedKey(peerPublicKey []byte) ([]byte, error) {
	return curve25519.X25519(k.private, peerPublicKey)
}
