package handshake

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/Liangxia6/quicmux/internal/protocol"
)

var initialSalt = []byte{0x6b, 0x21, 0x58, 0x0e, 0x3d, 0xa9, 0x41, 0x73, 0x9c, 0x05, 0xe2, 0x8a, 0x17, 0xb4, 0x60, 0xf2, 0x91, 0xcc, 0x2d, 0x4e}

const ivLen = chacha20poly1305.NonceSize

func hkdfExpand(secret []byte, label string, length int) []byte {
	out := make([]byte, length)
	// reading less than 255 hash blocks never fails
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, []byte(label)), out); err != nil {
		panic(err)
	}
	return out
}

// newKeyPair derives both directions' keys from secret and returns them
// oriented for the given perspective.
func newKeyPair(secret []byte, prefix string, pers protocol.Perspective) (Sealer, Opener, error) {
	client, err := newPacketAEAD(
		hkdfExpand(secret, prefix+" client key", chacha20poly1305.KeySize),
		hkdfExpand(secret, prefix+" client iv", ivLen),
	)
	if err != nil {
		return nil, nil, err
	}
	server, err := newPacketAEAD(
		hkdfExpand(secret, prefix+" server key", chacha20poly1305.KeySize),
		hkdfExpand(secret, prefix+" server iv", ivLen),
	)
	if err != nil {
		return nil, nil, err
	}
	if pers == protocol.PerspectiveClient {
		return client, server, nil
	}
	return server, client, nil
}

// NewInitialAEAD creates the AEADs protecting Initial packets. The keys are
// derived from the connection ID, so they only protect against off-path tampering.
func NewInitialAEAD(connID protocol.ConnectionID, pers protocol.Perspective) (Sealer, Opener, error) {
	secret := hkdf.Extract(sha256.New, connID.Bytes(), initialSalt)
	return newKeyPair(secret, "initial", pers)
}

// newForwardSecureAEAD derives the 1-RTT keys from the key exchange result and both nonces.
func newForwardSecureAEAD(sharedKey, clientNonce, serverNonce, configID []byte, pers protocol.Perspective) (Sealer, Opener, error) {
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce)+len(configID))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)
	salt = append(salt, configID...)
	secret := hkdf.Extract(sha256.New, sharedKey, salt)
	return newKeyPair(secret, "1rtt", pers)
}
